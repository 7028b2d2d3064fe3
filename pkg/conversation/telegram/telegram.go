// Package telegram provides the Telegram channel for buildbot.
//
// Telegram has no message threads in ordinary chats, so each chat (DM or
// group) holds at most one build at a time. Bot replies are threaded onto
// the message that requested the build.
//
// Uses long polling, so no public URL or webhook is needed.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/jxucoder/buildbot/pkg/conversation"
	"github.com/jxucoder/buildbot/pkg/model"
)

// Telegram's "typing" action lasts about five seconds.
const typingInterval = 4 * time.Second

// maxMessage stays under Telegram's 4096 character limit.
const maxMessage = 4000

// sender is the subset of the Bot API used to talk to a chat.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// poller delivers updates.
type poller interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot is the Telegram bot.
type Bot struct {
	api         sender
	updates     poller
	handler     conversation.Handler
	doneKeyword string
	logger      *slog.Logger
}

// Option configures a Bot.
type Option func(*Bot)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// WithDoneKeyword sets the word /done forwards to the build. Defaults to "done".
func WithDoneKeyword(k string) Option {
	return func(b *Bot) { b.doneKeyword = k }
}

// NewBot creates a new Telegram bot.
func NewBot(token string, h conversation.Handler, opts ...Option) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating Telegram bot: %w", err)
	}
	b := newBot(api, api, h, opts...)
	b.logger.Info("telegram bot authorized", "user", api.Self.UserName)
	return b, nil
}

func newBot(s sender, p poller, h conversation.Handler, opts ...Option) *Bot {
	b := &Bot{
		api:         s,
		updates:     p,
		handler:     h,
		doneKeyword: "done",
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name returns the channel name.
func (b *Bot) Name() string { return "telegram" }

// Run starts the long-polling loop. Blocks until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.updates.GetUpdatesChan(u)
	b.logger.Info("telegram bot listening for messages")

	for {
		select {
		case <-ctx.Done():
			b.updates.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				go b.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.From == nil || msg.From.IsBot {
		return
	}

	from := conversation.Requester{
		ID:   strconv.FormatInt(msg.From.ID, 10),
		Name: msg.From.String(),
	}

	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, msg, text, from)
		return
	}

	id := threadID(msg.Chat.ID)
	if _, ok := b.handler.Lookup(id); !ok {
		b.reply(ctx, msg.Chat.ID, msg.MessageID, "No build is running here. Start one with `/build <what to build>`.")
		return
	}
	b.handler.HandleTurn(ctx, id, text, from)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message, text string, from conversation.Requester) {
	parts := strings.Fields(text)
	cmd := strings.ToLower(parts[0])
	if at := strings.Index(cmd, "@"); at >= 0 {
		cmd = cmd[:at]
	}
	chatID := msg.Chat.ID

	switch cmd {
	case "/start", "/help":
		b.reply(ctx, chatID, msg.MessageID, help)
	case "/build":
		desc := strings.TrimSpace(strings.TrimPrefix(text, parts[0]))
		if desc == "" {
			b.reply(ctx, chatID, msg.MessageID, "Please describe what to build. Example:\n`/build a landing page with a signup form`")
			return
		}
		origin := &origin{bot: b, chatID: chatID, root: msg.MessageID}
		if err := b.handler.StartBuild(ctx, desc, from, origin); err != nil {
			b.logger.Warn("telegram: build failed to start", "chat", chatID, "err", err)
		}
	case "/done":
		id := threadID(chatID)
		if _, ok := b.handler.Lookup(id); !ok {
			b.reply(ctx, chatID, msg.MessageID, "No build is running here.")
			return
		}
		b.handler.HandleTurn(ctx, id, b.doneKeyword, from)
	case "/status":
		sess, ok := b.handler.Lookup(threadID(chatID))
		if !ok {
			b.reply(ctx, chatID, msg.MessageID, "No build is running here.")
			return
		}
		b.reply(ctx, chatID, msg.MessageID, formatStatus(sess))
	default:
		b.reply(ctx, chatID, msg.MessageID, fmt.Sprintf("Unknown command `%s`. Try /help", cmd))
	}
}

const help = "**buildbot** builds things in a sandbox and opens a pull request.\n\n" +
	"`/build <description>` starts a build in this chat\n" +
	"Plain messages are instructions for the running build\n" +
	"`/status` shows the running build\n" +
	"`/done` finishes it and marks the PR ready for review"

func formatStatus(s model.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Build** `%s`\n", s.ID)
	fmt.Fprintf(&b, "**Status:** %s\n", s.Status)
	fmt.Fprintf(&b, "**Branch:** `%s`\n", s.Branch)
	if s.PRURL != "" {
		fmt.Fprintf(&b, "**PR:** %s\n", s.PRURL)
	}
	fmt.Fprintf(&b, "**Started by:** %s", s.RequesterName)
	return b.String()
}

func threadID(chatID int64) string {
	return "tg:" + strconv.FormatInt(chatID, 10)
}

// reply sends text as legacy Markdown, retrying as plain text when Telegram
// rejects the markup.
func (b *Bot) reply(ctx context.Context, chatID int64, replyTo int, text string) (tgbotapi.Message, error) {
	text = model.Truncate(text, maxMessage)
	msg := tgbotapi.NewMessage(chatID, conversation.SlackMarkup(text))
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.ReplyToMessageID = replyTo
	msg.AllowSendingWithoutReply = true

	sent, err := b.api.Send(msg)
	if err == nil {
		return sent, nil
	}
	b.logger.Debug("telegram: markdown send failed, retrying as plain text", "chat", chatID, "err", err)

	msg.Text = text
	msg.ParseMode = ""
	sent, err = b.api.Send(msg)
	if err != nil {
		b.logger.Warn("telegram: failed to send message", "chat", chatID, "err", err)
	}
	return sent, err
}

// origin is the /build message.
type origin struct {
	bot    *Bot
	chatID int64
	root   int
}

func (o *origin) StartThread(ctx context.Context, title string) (conversation.Thread, error) {
	if _, err := o.bot.reply(ctx, o.chatID, o.root, "**"+title+"**"); err != nil {
		return nil, fmt.Errorf("opening thread: %w", err)
	}
	return &thread{bot: o.bot, chatID: o.chatID, root: o.root}, nil
}

type thread struct {
	bot    *Bot
	chatID int64
	root   int
}

func (t *thread) ID() string { return threadID(t.chatID) }

func (t *thread) Send(ctx context.Context, text string) (conversation.MessageRef, error) {
	sent, err := t.bot.reply(ctx, t.chatID, t.root, text)
	if err != nil {
		return conversation.MessageRef{}, err
	}
	return conversation.MessageRef{ID: strconv.Itoa(sent.MessageID)}, nil
}

func (t *thread) Edit(ctx context.Context, ref conversation.MessageRef, text string) error {
	id, err := strconv.Atoi(ref.ID)
	if err != nil {
		return fmt.Errorf("bad message ref %q: %w", ref.ID, err)
	}
	text = model.Truncate(text, maxMessage)

	edit := tgbotapi.NewEditMessageText(t.chatID, id, conversation.SlackMarkup(text))
	edit.ParseMode = tgbotapi.ModeMarkdown
	_, err = t.bot.api.Request(edit)
	if err != nil && !notModified(err) {
		edit.Text = text
		edit.ParseMode = ""
		_, err = t.bot.api.Request(edit)
	}
	if err != nil && !notModified(err) {
		return err
	}
	return nil
}

// notModified reports Telegram's rejection of an edit that changes nothing.
func notModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

func (t *thread) SendFile(ctx context.Context, name string, content []byte, comment string) error {
	doc := tgbotapi.NewDocument(t.chatID, tgbotapi.FileBytes{Name: name, Bytes: content})
	doc.Caption = comment
	doc.ReplyToMessageID = t.root
	doc.AllowSendingWithoutReply = true
	if _, err := t.bot.api.Send(doc); err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	return nil
}

// StartActivity shows "typing..." until stopped.
func (t *thread) StartActivity(ctx context.Context) func() {
	return conversation.StartPulse(ctx, conversation.PulseOptions{
		Pulse: func(context.Context) error {
			_, err := t.bot.api.Request(tgbotapi.NewChatAction(t.chatID, tgbotapi.ChatTyping))
			return err
		},
		Interval: typingInterval,
	})
}
