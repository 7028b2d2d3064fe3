// Package slack provides the Slack channel for buildbot using Socket Mode.
// A build lives in the thread under the message that requested it.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/jxucoder/buildbot/pkg/conversation"
	"github.com/jxucoder/buildbot/pkg/model"
)

// activityReaction marks a thread root while the agent is working.
const activityReaction = "hourglass_flowing_sand"

// maxFallbackText bounds the inline copy of a file that failed to upload.
const maxFallbackText = 3000

var mentionRe = regexp.MustCompile(`<@[A-Z0-9]+>`)

// api is the subset of the Slack Web API the bot uses.
type api interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	UploadFileV2Context(ctx context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

// Bot is the Slack Socket Mode bot.
type Bot struct {
	api          api
	socketClient *socketmode.Client
	handler      conversation.Handler
	logger       *slog.Logger
	botUserID    string

	namesMu sync.Mutex
	names   map[string]string
}

// Option configures a Bot.
type Option func(*Bot)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// NewBot creates a new Slack Socket Mode bot.
func NewBot(botToken, appToken string, h conversation.Handler, opts ...Option) *Bot {
	b := &Bot{
		handler: h,
		logger:  slog.Default(),
		names:   make(map[string]string),
	}
	for _, o := range opts {
		o(b)
	}

	client := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
	)
	b.api = client
	b.socketClient = socketmode.New(
		client,
		socketmode.OptionLog(slog.NewLogLogger(b.logger.Handler(), slog.LevelDebug)),
	)
	return b
}

// Name returns the channel name.
func (b *Bot) Name() string { return "slack" }

// Run connects to Slack via Socket Mode and processes events.
func (b *Bot) Run(ctx context.Context) error {
	auth, err := b.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	b.botUserID = auth.UserID

	go b.eventLoop(ctx)
	b.logger.Info("slack bot connecting via socket mode", "user", auth.User)
	return b.socketClient.RunContext(ctx)
}

func (b *Bot) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.socketClient.Events:
			if !ok {
				return
			}
			b.handleEvent(ctx, evt)
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.logger.Debug("slack: connecting")
	case socketmode.EventTypeConnected:
		b.logger.Info("slack: connected")
	case socketmode.EventTypeConnectionError:
		b.logger.Warn("slack: connection error, will retry")
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		b.socketClient.Ack(*evt.Request)

		if eventsAPIEvent.Type == slackevents.CallbackEvent {
			b.handleCallbackEvent(ctx, eventsAPIEvent.InnerEvent)
		}
	case socketmode.EventTypeInteractive:
		b.socketClient.Ack(*evt.Request)
	}
}

func (b *Bot) handleCallbackEvent(ctx context.Context, innerEvent slackevents.EventsAPIInnerEvent) {
	switch ev := innerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		go b.handleMention(ctx, ev)
	case *slackevents.MessageEvent:
		go b.handleMessage(ctx, ev)
	}
}

func (b *Bot) handleMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	if ev.BotID != "" {
		return
	}
	text := strings.TrimSpace(mentionRe.ReplaceAllString(ev.Text, ""))

	// A mention inside a build thread is an ordinary turn.
	if ev.ThreadTimeStamp != "" {
		id := threadID(ev.Channel, ev.ThreadTimeStamp)
		if _, ok := b.handler.Lookup(id); ok {
			b.handler.HandleTurn(ctx, id, text, conversation.Requester{ID: ev.User})
			return
		}
	}

	replyTS := ev.TimeStamp
	if ev.ThreadTimeStamp != "" {
		replyTS = ev.ThreadTimeStamp
	}

	desc, ok := parseBuild(text)
	if !ok {
		b.post(ctx, ev.Channel, replyTS, usage)
		return
	}
	if desc == "" {
		b.post(ctx, ev.Channel, replyTS, "Please describe what to build. Example:\n`@buildbot build a landing page with a signup form`")
		return
	}

	requester := conversation.Requester{ID: ev.User, Name: b.userName(ctx, ev.User)}
	origin := &origin{bot: b, channel: ev.Channel, ts: replyTS}
	if err := b.handler.StartBuild(ctx, desc, requester, origin); err != nil {
		b.logger.Warn("slack: build failed to start", "channel", ev.Channel, "err", err)
	}
}

func (b *Bot) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.BotID != "" || ev.SubType != "" || ev.ThreadTimeStamp == "" {
		return
	}
	if b.botUserID != "" && (ev.User == b.botUserID || strings.Contains(ev.Text, "<@"+b.botUserID+">")) {
		// Mentions arrive again as app_mention events.
		return
	}
	b.handler.HandleTurn(ctx, threadID(ev.Channel, ev.ThreadTimeStamp), ev.Text, conversation.Requester{ID: ev.User})
}

const usage = "Start a build with `@buildbot build <what to build>`. " +
	"I'll open a draft PR and work on it in a thread; reply in the thread to give instructions."

// parseBuild extracts the description from "build <description>".
func parseBuild(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.EqualFold(fields[0], "build") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimSpace(text)[len(fields[0]):]), true
}

func threadID(channel, ts string) string {
	return channel + ":" + ts
}

// userName returns a user's display name, cached.
func (b *Bot) userName(ctx context.Context, userID string) string {
	b.namesMu.Lock()
	name, ok := b.names[userID]
	b.namesMu.Unlock()
	if ok {
		return name
	}

	name = userID
	if u, err := b.api.GetUserInfoContext(ctx, userID); err != nil {
		b.logger.Debug("slack: user lookup failed", "user", userID, "err", err)
	} else if u.Profile.DisplayName != "" {
		name = u.Profile.DisplayName
	} else if u.Name != "" {
		name = u.Name
	}

	b.namesMu.Lock()
	b.names[userID] = name
	b.namesMu.Unlock()
	return name
}

func (b *Bot) post(ctx context.Context, channel, threadTS, text string) (string, error) {
	_, ts, err := b.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(conversation.SlackMarkup(text), true),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		b.logger.Warn("slack: failed to post message", "channel", channel, "err", err)
	}
	return ts, err
}

// origin opens a thread under the requesting message.
type origin struct {
	bot     *Bot
	channel string
	ts      string
}

func (o *origin) StartThread(ctx context.Context, title string) (conversation.Thread, error) {
	if _, err := o.bot.post(ctx, o.channel, o.ts, "*"+title+"*"); err != nil {
		return nil, fmt.Errorf("opening thread: %w", err)
	}
	return &thread{bot: o.bot, channel: o.channel, root: o.ts}, nil
}

// thread is a Slack message thread.
type thread struct {
	bot     *Bot
	channel string
	root    string
}

func (t *thread) ID() string { return threadID(t.channel, t.root) }

func (t *thread) Send(ctx context.Context, text string) (conversation.MessageRef, error) {
	ts, err := t.bot.post(ctx, t.channel, t.root, text)
	if err != nil {
		return conversation.MessageRef{}, err
	}
	return conversation.MessageRef{ID: ts}, nil
}

func (t *thread) Edit(ctx context.Context, ref conversation.MessageRef, text string) error {
	_, _, _, err := t.bot.api.UpdateMessageContext(ctx, t.channel, ref.ID,
		slack.MsgOptionText(conversation.SlackMarkup(text), true),
	)
	return err
}

func (t *thread) SendFile(ctx context.Context, name string, content []byte, comment string) error {
	_, err := t.bot.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Content:         string(content),
		Filename:        name,
		FileSize:        len(content),
		Title:           name,
		InitialComment:  comment,
		Channel:         t.channel,
		ThreadTimestamp: t.root,
	})
	if err == nil {
		return nil
	}

	t.bot.logger.Warn("slack: file upload failed, posting inline", "file", name, "err", err)
	text := model.Tail(string(content), maxFallbackText)
	if len(text) < len(content) {
		text = "...(truncated)...\n" + text
	}
	_, err = t.Send(ctx, fmt.Sprintf("*%s:*\n%s", name, conversation.Fence(text)))
	return err
}

// StartActivity puts a reaction on the thread root until stopped.
func (t *thread) StartActivity(ctx context.Context) func() {
	item := slack.NewRefToMessage(t.channel, t.root)
	var added bool
	return conversation.StartPulse(ctx, conversation.PulseOptions{
		Pulse: func(ctx context.Context) error {
			if added {
				return nil
			}
			if err := t.bot.api.AddReactionContext(ctx, activityReaction, item); err != nil {
				return err
			}
			added = true
			return nil
		},
		OnStop: func() {
			if !added {
				return
			}
			if err := t.bot.api.RemoveReactionContext(context.WithoutCancel(ctx), activityReaction, item); err != nil {
				t.bot.logger.Debug("slack: removing reaction failed", "err", err)
			}
		},
	})
}
