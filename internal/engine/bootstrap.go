package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jxucoder/buildbot/pkg/conversation"
	"github.com/jxucoder/buildbot/pkg/gitprovider"
	"github.com/jxucoder/buildbot/pkg/model"
	"github.com/jxucoder/buildbot/pkg/sandbox"
	"github.com/jxucoder/buildbot/pkg/vcs"
)

const initCommitMessage = "chore: initialize build session"

// StartRequest asks for a new build session.
type StartRequest struct {
	Description string
	Requester   conversation.Requester
	Origin      conversation.Origin
}

// Start opens a thread, bootstraps the session infrastructure while
// reporting progress, registers the session, and runs the description as the
// first turn before returning. On failure nothing is registered and whatever
// was provisioned is released.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*model.BuildSession, error) {
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return nil, ErrEmptyDescription
	}
	if req.Origin == nil {
		return nil, errors.New("start: origin is required")
	}

	thread, err := req.Origin.StartThread(ctx, "Build: "+model.Head(desc, 50))
	if err != nil {
		return nil, fmt.Errorf("starting thread: %w", err)
	}
	if !m.reg.reserve(thread.ID()) {
		m.say(ctx, thread, fmt.Sprintf("A build is already running in this thread. Say `%s` to finish it first.", m.config.DoneKeyword))
		return nil, ErrThreadBusy
	}

	id := m.newID()
	sess := model.NewBuildSession(id, m.now())
	sess.ThreadID = thread.ID()
	sess.RequesterID = req.Requester.ID
	sess.RequesterName = req.Requester.Name
	sess.Repo = m.config.Repo
	sess.Branch = BranchName(id)
	sess.RepoPath = sandbox.RepoPath
	sess.Description = desc

	log := m.logger.With("session", id, "thread", thread.ID())
	log.Info("build session starting", "requester", req.Requester.Name)

	p := &progress{
		thread:      thread,
		description: desc,
		steps:       bootstrapSteps(sess.Branch, m.agent.Name()),
		logger:      log,
		onStep: func(s model.ProgressStep) {
			m.emit(id, "step", fmt.Sprintf("%s: %s", s.Label, s.Status))
		},
	}
	if err := p.post(ctx); err != nil {
		m.reg.release(thread.ID())
		return nil, err
	}
	m.persist(sess)
	m.emit(id, "status", "bootstrapping")

	b := &bootstrap{m: m, sess: sess, progress: p, requester: req.Requester}
	if err := b.run(ctx); err != nil {
		log.Warn("bootstrap failed", "err", err)
		p.fail(ctx)
		m.say(ctx, thread, conversation.Fence(err.Error()))
		b.rollback()
		m.reg.release(thread.ID())

		sess.Error = err.Error()
		sess.Transition(model.StatusError)
		m.persist(sess)
		m.emit(id, "error", err.Error())
		if m.bus != nil {
			m.bus.Close(id)
		}
		return nil, err
	}

	e := &entry{session: sess, handle: b.handle, thread: thread, turns: &turnQueue{}}
	m.reg.put(e)
	m.persist(sess)
	m.emit(id, "status", "active")
	log.Info("build session ready", "pr", sess.PRURL)

	p.edit(ctx, renderReady(sess.PRURL, m.agent.Name(), m.config.DoneKeyword))

	if err := e.turns.acquire(ctx); err != nil {
		return sess, nil
	}
	defer e.turns.release()
	if sess.Status() != model.StatusActive {
		return sess, nil
	}
	if m.isDoneKeyword(desc) {
		m.End(ctx, sess.ID, EndOptions{MarkReady: true, Notify: true})
		return sess, nil
	}
	m.runTurn(ctx, e, desc)
	return sess, nil
}

// bootstrap runs the setup steps and remembers what it created.
type bootstrap struct {
	m         *Manager
	sess      *model.BuildSession
	progress  *progress
	requester conversation.Requester

	handle       sandbox.Handle
	provisioned  bool
	agentStarted bool
}

func (b *bootstrap) run(ctx context.Context) error {
	m, sess := b.m, b.sess

	steps := []func(context.Context) error{
		stepSandbox: func(ctx context.Context) error {
			h, err := m.sandbox.Provision(ctx, sandbox.ProvisionOptions{
				SessionID: sess.ID,
				OwnerID:   b.requester.ID,
				Image:     m.config.SandboxImage,
				Network:   m.config.SandboxNetwork,
				Env:       m.config.SandboxEnv,
				Labels:    map[string]string{"buildbot.branch": sess.Branch},
			})
			if err != nil {
				return fmt.Errorf("creating sandbox: %w", err)
			}
			b.handle, b.provisioned = h, true
			sess.SandboxID = h.ID
			m.persist(sess)
			return nil
		},
		stepClone: func(ctx context.Context) error {
			base, err := m.baseBranch(ctx)
			if err != nil {
				return err
			}
			if err := m.git.Clone(ctx, b.handle, vcs.CloneOptions{RepoURL: m.config.RepoURL, Branch: base}); err != nil {
				return err
			}
			if len(m.config.ProtectPaths) > 0 {
				return m.git.Protect(ctx, b.handle, m.config.ProtectPaths)
			}
			return nil
		},
		stepBranch: func(ctx context.Context) error {
			return m.git.CreateBranch(ctx, b.handle, sess.Branch)
		},
		stepPush: func(ctx context.Context) error {
			_, err := m.git.CommitAll(ctx, b.handle, initCommitMessage, vcs.Author{Name: authorName(b.requester)}, true)
			return err
		},
		stepPR: func(ctx context.Context) error {
			base, err := m.baseBranch(ctx)
			if err != nil {
				return err
			}
			url, number, err := m.prs.CreatePR(ctx, gitprovider.PROptions{
				Repo:   m.config.Repo,
				Branch: sess.Branch,
				Base:   base,
				Title:  "Build: " + model.Head(sess.Description, 60),
				Body: fmt.Sprintf("Automated build session started by %s\n\n**Description:**\n%s",
					authorName(b.requester), sess.Description),
				Draft: true,
			})
			if err != nil {
				return fmt.Errorf("creating draft PR: %w", err)
			}
			sess.PRNumber, sess.PRURL = number, url
			m.persist(sess)
			m.emit(sess.ID, "status", "draft PR "+url)
			return nil
		},
		stepInstall: func(ctx context.Context) error {
			return m.agent.Install(ctx, b.handle)
		},
		stepAgent: func(ctx context.Context) error {
			if err := m.agent.Configure(ctx, b.handle); err != nil {
				return err
			}
			if err := m.agent.StartSession(ctx, b.handle); err != nil {
				return err
			}
			b.agentStarted = true
			return nil
		},
	}

	for i, step := range steps {
		b.progress.update(ctx, i, model.StepActive)
		if err := step(ctx); err != nil {
			return err
		}
		b.progress.update(ctx, i, model.StepDone)
	}
	return nil
}

// rollback releases what a failed bootstrap created. The branch and draft PR
// stay on the remote.
func (b *bootstrap) rollback() {
	if !b.provisioned {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()

	log := b.m.logger.With("session", b.sess.ID)
	if b.agentStarted {
		if err := b.m.agent.Cleanup(ctx, b.handle); err != nil {
			log.Warn("rollback: agent cleanup failed", "err", err)
		}
	}
	if err := b.m.sandbox.Destroy(ctx, b.handle); err != nil {
		log.Warn("rollback: destroying sandbox failed", "sandbox", b.handle.ID, "err", err)
	}
	if b.sess.PRURL != "" {
		log.Info("rollback: leaving draft PR open", "pr", b.sess.PRURL)
	}
}

func (m *Manager) baseBranch(ctx context.Context) (string, error) {
	if m.config.BaseBranch != "" {
		return m.config.BaseBranch, nil
	}
	m.baseMu.Lock()
	defer m.baseMu.Unlock()
	if m.defaultBase != "" {
		return m.defaultBase, nil
	}
	branch, err := m.prs.GetDefaultBranch(ctx, m.config.Repo)
	if err != nil {
		return "", fmt.Errorf("resolving default branch: %w", err)
	}
	m.defaultBase = branch
	return branch, nil
}

func authorName(r conversation.Requester) string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// say posts a message to a thread, logging failures.
func (m *Manager) say(ctx context.Context, thread conversation.Thread, text string) {
	if _, err := thread.Send(ctx, text); err != nil {
		m.logger.Warn("sending message failed", "thread", thread.ID(), "err", err)
	}
}
