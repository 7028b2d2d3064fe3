package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jxucoder/buildbot/pkg/conversation"
	"github.com/jxucoder/buildbot/pkg/model"
	"github.com/jxucoder/buildbot/pkg/vcs"
)

// HandleTurn routes a message posted in a thread. Messages for unknown or
// finished sessions are dropped silently. The done keyword ends the session
// and marks its PR ready; anything else is sent to the agent. Turns for one
// session run one at a time in arrival order.
func (m *Manager) HandleTurn(ctx context.Context, threadID, text string, from conversation.Requester) {
	e := m.reg.byThread(threadID)
	if e == nil || e.session.Status() != model.StatusActive {
		return
	}
	if m.config.RequesterOnly && from.ID != "" && from.ID != e.session.RequesterID {
		m.logger.Debug("ignoring turn from non-requester", "session", e.session.ID, "from", from.ID)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	if err := e.turns.acquire(ctx); err != nil {
		return
	}
	defer e.turns.release()

	// The session may have ended while this turn waited.
	if e.session.Status() != model.StatusActive {
		return
	}
	if m.isDoneKeyword(text) {
		m.End(ctx, e.session.ID, EndOptions{MarkReady: true, Notify: true})
		return
	}
	m.runTurn(ctx, e, text)
}

func (m *Manager) isDoneKeyword(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), m.config.DoneKeyword)
}

// runTurn sends one instruction to the agent, streams its output into the
// thread, and commits the result. Errors are reported in the thread and leave
// the session active. The caller holds the session's turn.
func (m *Manager) runTurn(ctx context.Context, e *entry, text string) {
	sess := e.session
	stop := e.thread.StartActivity(ctx)
	defer stop()

	n := e.nextTurn()
	log := m.logger.With("session", sess.ID, "turn", n)
	log.Info("turn started")
	m.emit(sess.ID, "status", fmt.Sprintf("turn %d: %s", n, model.Truncate(text, 80)))

	if err := m.turn(ctx, e, n, text); err != nil {
		log.Warn("turn failed", "err", err)
		m.say(ctx, e.thread, "Error: "+err.Error())
		m.emit(sess.ID, "error", err.Error())
		return
	}
	log.Info("turn finished")
}

func (m *Manager) turn(ctx context.Context, e *entry, n int, text string) error {
	sess := e.session
	st := newStreamer(ctx, e.thread, m.now, m.config.FlushInterval, m.config.TailChars, m.logger)

	exitCode, err := m.agent.Prompt(ctx, e.handle, text, st.write)
	st.finish(ctx)
	if err != nil {
		return err
	}

	output := st.output()
	if output != "" {
		m.emit(sess.ID, "output", output)
	}
	if m.config.UploadTurnLogs && utf8.RuneCountInString(output) > m.config.TailChars {
		name := fmt.Sprintf("turn-%d.log", n)
		if err := e.thread.SendFile(ctx, name, []byte(output), "Full agent output"); err != nil {
			m.logger.Warn("uploading turn log failed", "session", sess.ID, "err", err)
		}
	}

	message := fmt.Sprintf("%s: %s", m.agent.Name(), model.Head(text, 50))
	author := vcs.Author{Name: authorName(conversation.Requester{ID: sess.RequesterID, Name: sess.RequesterName})}
	sha, err := m.git.CommitAll(ctx, e.handle, message, author, false)
	if err != nil {
		return err
	}
	if sha != "" {
		m.say(ctx, e.thread, fmt.Sprintf("Committed: `%s`", model.Head(sha, 7)))
		m.emit(sess.ID, "commit", sha)
	}

	if exitCode != 0 {
		m.say(ctx, e.thread, fmt.Sprintf("%s exited with code %d", m.agent.Name(), exitCode))
	}
	m.say(ctx, e.thread, fmt.Sprintf("Ready for next instruction. Say `%s` when finished.", m.config.DoneKeyword))
	return nil
}

// streamer renders the tail of a turn's output into one message, sent on the
// first chunk and edited at most once per interval after that.
type streamer struct {
	ctx      context.Context
	thread   conversation.Thread
	now      func() time.Time
	interval time.Duration
	tail     int
	logger   *slog.Logger

	mu    sync.Mutex
	buf   strings.Builder
	ref   conversation.MessageRef
	sent  bool
	last  time.Time
	shown int
	edits int
}

func newStreamer(ctx context.Context, thread conversation.Thread, now func() time.Time, interval time.Duration, tail int, logger *slog.Logger) *streamer {
	return &streamer{
		ctx:      ctx,
		thread:   thread,
		now:      now,
		interval: interval,
		tail:     tail,
		logger:   logger,
	}
}

// write buffers a chunk and flushes when the interval has passed.
func (s *streamer) write(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.WriteString(chunk)
	now := s.now()
	if !s.last.IsZero() && now.Sub(s.last) <= s.interval {
		return
	}
	s.last = now
	s.flushLocked(s.ctx)
}

// finish shows any output not yet displayed.
func (s *streamer) finish(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() > s.shown {
		s.flushLocked(ctx)
	}
}

func (s *streamer) flushLocked(ctx context.Context) {
	text := conversation.Fence(model.Tail(s.buf.String(), s.tail))
	if !s.sent {
		ref, err := s.thread.Send(ctx, text)
		if err != nil {
			s.logger.Debug("sending output failed", "thread", s.thread.ID(), "err", err)
			return
		}
		s.ref, s.sent = ref, true
	} else {
		s.edits++
		if err := s.thread.Edit(ctx, s.ref, text); err != nil {
			s.logger.Debug("editing output failed", "thread", s.thread.ID(), "err", err)
			return
		}
	}
	s.shown = s.buf.Len()
}

func (s *streamer) output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *streamer) editCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edits
}
