package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jxucoder/buildbot/pkg/model"
	"github.com/jxucoder/buildbot/pkg/sandbox"
)

// EndOptions controls teardown.
type EndOptions struct {
	// MarkReady takes the pull request out of draft.
	MarkReady bool
	// Notify posts progress and cleanup results to the session's thread.
	Notify bool
}

// End completes a session: optionally marks its PR ready, removes the agent
// session and the sandbox, and unregisters it. Unknown or already-ending
// sessions are a no-op. Failures are reported, never returned; the session
// is unregistered regardless.
func (m *Manager) End(ctx context.Context, sessionID string, opts EndOptions) {
	e := m.reg.get(sessionID)
	if e == nil {
		return
	}
	sess := e.session
	if !sess.Transition(model.StatusCompleted) {
		return
	}

	log := m.logger.With("session", sessionID)
	log.Info("build session ending", "mark_ready", opts.MarkReady)

	defer func() {
		m.reg.remove(sessionID)
		m.persist(sess)
		m.emit(sessionID, "done", string(sess.Status()))
		if m.bus != nil {
			m.bus.Close(sessionID)
		}
	}()

	notify := func(text string) {
		if opts.Notify {
			m.say(ctx, e.thread, text)
		}
	}

	if opts.MarkReady {
		if err := m.prs.MarkReady(ctx, sess.Repo, sess.PRNumber); err != nil {
			log.Warn("marking PR ready failed", "err", err)
			notify(fmt.Sprintf("Cleanup error: marking PR ready: %v", err))
		} else {
			notify("PR marked ready for review: " + sess.PRURL)
			m.emit(sessionID, "status", "PR ready for review")
		}
	}

	var errs []error
	if err := m.agent.Cleanup(ctx, e.handle); err != nil {
		errs = append(errs, fmt.Errorf("agent session: %w", err))
	}
	if err := m.sandbox.Destroy(ctx, e.handle); err != nil {
		errs = append(errs, fmt.Errorf("sandbox: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("cleanup failed", "err", err)
		m.emit(sessionID, "error", err.Error())
		notify("Cleanup error: " + err.Error())
		return
	}
	notify("Build environment cleaned up.")
}

// SweepStale ends every session older than MaxAge without marking its PR
// ready. It returns how many sessions were ended.
func (m *Manager) SweepStale(ctx context.Context) int {
	cutoff := m.now().Add(-m.config.MaxAge)
	ended := 0
	for _, e := range m.reg.list() {
		if !e.session.CreatedAt.Before(cutoff) || e.session.Status() != model.StatusActive {
			continue
		}
		m.logger.Info("ending stale build session", "session", e.session.ID, "created", e.session.CreatedAt)
		m.emit(e.session.ID, "status", "exceeded max age")
		m.End(ctx, e.session.ID, EndOptions{})
		ended++
	}
	return ended
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.SweepStale(ctx); n > 0 {
				m.logger.Info("swept stale sessions", "count", n)
			}
		}
	}
}

// Reconcile tears down sessions the store lists as active but this process
// does not own, which happens after a restart. Their sandboxes are destroyed
// best-effort and the records are marked as errored. It returns how many
// records were reconciled.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	records, err := m.store.ListSessions(model.StatusActive)
	if err != nil {
		return 0, fmt.Errorf("listing active sessions: %w", err)
	}

	n := 0
	for _, rec := range records {
		if m.reg.get(rec.ID) != nil {
			continue
		}
		log := m.logger.With("session", rec.ID)
		if rec.SandboxID != "" {
			if err := m.sandbox.Destroy(ctx, sandbox.Handle{ID: rec.SandboxID}); err != nil {
				log.Warn("destroying orphaned sandbox failed", "sandbox", rec.SandboxID, "err", err)
			}
		}
		if err := m.store.UpdateStatus(rec.ID, model.StatusError, orphanReason); err != nil {
			log.Warn("marking orphaned session failed", "err", err)
			continue
		}
		m.emit(rec.ID, "error", orphanReason)
		log.Info("reconciled orphaned session", "branch", rec.Branch, "pr", rec.PRURL)
		n++
	}
	return n, nil
}
