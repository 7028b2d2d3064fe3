package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jxucoder/buildbot/pkg/conversation"
	"github.com/jxucoder/buildbot/pkg/model"
)

// Bootstrap steps, in execution order.
const (
	stepSandbox = iota
	stepClone
	stepBranch
	stepPush
	stepPR
	stepInstall
	stepAgent
)

func bootstrapSteps(branch, agentName string) []model.ProgressStep {
	labels := []string{
		"Creating sandbox",
		"Cloning repository",
		fmt.Sprintf("Creating branch `%s`", branch),
		"Pushing branch",
		"Creating draft PR",
		"Installing dependencies",
		"Configuring " + agentName,
	}
	steps := make([]model.ProgressStep, len(labels))
	for i, l := range labels {
		steps[i] = model.ProgressStep{Label: l, Status: model.StepPending}
	}
	return steps
}

func stepIcon(s model.StepStatus) string {
	switch s {
	case model.StepDone:
		return "✓"
	case model.StepActive:
		return "►"
	case model.StepError:
		return "✗"
	default:
		return "○"
	}
}

// renderProgress formats the bootstrap progress message.
func renderProgress(steps []model.ProgressStep, description string) string {
	lines := []string{fmt.Sprintf("**Building:** %s\n", description)}
	for _, s := range steps {
		label := s.Label
		if s.Status == model.StepActive {
			label = "**" + label + "**"
		}
		lines = append(lines, stepIcon(s.Status)+" "+label)
	}
	return strings.Join(lines, "\n")
}

// renderReady formats the message that replaces the progress once the
// session is usable.
func renderReady(prURL, agentName, keyword string) string {
	return "✓ **Ready!**\n\n" +
		fmt.Sprintf("**PR:** %s\n\n", prURL) +
		fmt.Sprintf("Send messages to instruct %s.\n", agentName) +
		fmt.Sprintf("Say `%s` when finished.", keyword)
}

// progress is the single in-place-edited bootstrap message.
type progress struct {
	thread      conversation.Thread
	description string
	steps       []model.ProgressStep
	ref         conversation.MessageRef
	posted      bool
	onStep      func(model.ProgressStep)
	logger      *slog.Logger
}

// post sends the initial rendering with the first step active.
func (p *progress) post(ctx context.Context) error {
	p.set(0, model.StepActive)
	ref, err := p.thread.Send(ctx, renderProgress(p.steps, p.description))
	if err != nil {
		return fmt.Errorf("posting progress: %w", err)
	}
	p.ref = ref
	p.posted = true
	return nil
}

// set changes a step's status. Finished steps never change again.
func (p *progress) set(i int, st model.StepStatus) bool {
	cur := p.steps[i].Status
	if cur == model.StepDone || cur == model.StepError || cur == st {
		return false
	}
	p.steps[i].Status = st
	if p.onStep != nil {
		p.onStep(p.steps[i])
	}
	return true
}

// update marks step i and re-renders. Edit failures are logged only.
func (p *progress) update(ctx context.Context, i int, st model.StepStatus) {
	if !p.set(i, st) {
		return
	}
	p.edit(ctx, renderProgress(p.steps, p.description))
}

// fail marks the active step as errored.
func (p *progress) fail(ctx context.Context) {
	for i, s := range p.steps {
		if s.Status == model.StepActive {
			p.update(ctx, i, model.StepError)
			return
		}
	}
}

func (p *progress) edit(ctx context.Context, text string) {
	if !p.posted {
		return
	}
	if err := p.thread.Edit(ctx, p.ref, text); err != nil {
		p.logger.Debug("progress edit failed", "thread", p.thread.ID(), "err", err)
	}
}
