// Package conversation defines the chat-side contracts a build session talks
// through: an Origin that can open a thread, and the Thread itself.
package conversation

import (
	"context"
	"strings"

	"github.com/jxucoder/buildbot/pkg/model"
)

// MessageRef identifies a posted message so it can be edited later.
type MessageRef struct {
	ID string
}

// Thread is a conversation scope bound to at most one build session.
type Thread interface {
	// ID is stable for the life of the thread and unique across channels.
	ID() string
	Send(ctx context.Context, text string) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, text string) error
	SendFile(ctx context.Context, name string, content []byte, comment string) error
	// StartActivity shows a "working" indicator until the returned stop is
	// called. stop is idempotent.
	StartActivity(ctx context.Context) (stop func())
}

// Origin is the message that requested a build. It knows how to open the
// thread the build will live in.
type Origin interface {
	StartThread(ctx context.Context, title string) (Thread, error)
}

// Requester identifies who asked for the build.
type Requester struct {
	ID   string
	Name string
}

// Handler is what a chat channel drives: new build requests and messages
// posted in build threads.
type Handler interface {
	// StartBuild bootstraps a session in a thread opened from origin and runs
	// the description as its first turn.
	StartBuild(ctx context.Context, description string, requester Requester, origin Origin) error
	HandleTurn(ctx context.Context, threadID, text string, from Requester)
	// Lookup returns the session bound to a thread.
	Lookup(threadID string) (model.Snapshot, bool)
}

// Fence wraps text in a fenced code block.
func Fence(text string) string {
	return "```\n" + text + "\n```"
}

// SlackMarkup rewrites the **bold** markup used in bot messages into the
// single-asterisk form Slack and legacy Telegram Markdown expect.
func SlackMarkup(text string) string {
	// Leave code blocks untouched.
	parts := strings.Split(text, "```")
	for i := 0; i < len(parts); i += 2 {
		parts[i] = strings.ReplaceAll(parts[i], "**", "*")
	}
	return strings.Join(parts, "```")
}
