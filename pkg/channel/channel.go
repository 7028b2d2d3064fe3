// Package channel defines the Channel interface for buildbot chat transports.
package channel

import "context"

// Channel is a chat transport (Slack, Telegram) that feeds build requests
// and thread messages to a conversation.Handler until ctx ends.
type Channel interface {
	Name() string
	Run(ctx context.Context) error
}
