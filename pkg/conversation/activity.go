package conversation

import (
	"context"
	"sync"
	"time"
)

// Default cadence for chat "typing" indicators, which expire on their own
// after a few seconds.
const (
	DefaultPulseInterval = 8 * time.Second
	DefaultPulseMax      = 60 * time.Second
)

// PulseOptions configures StartPulse.
type PulseOptions struct {
	// Pulse refreshes the indicator. An error ends the pulse.
	Pulse func(ctx context.Context) error
	// OnStop runs once when the pulse ends for any reason. Optional.
	OnStop      func()
	Interval    time.Duration
	MaxDuration time.Duration // 0 means until stopped
}

// StartPulse calls Pulse immediately and then every Interval until stop is
// called, MaxDuration elapses, ctx ends, or Pulse fails. stop is idempotent
// and returns after OnStop has run.
func StartPulse(ctx context.Context, opts PulseOptions) (stop func()) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPulseInterval
	}

	var cancel context.CancelFunc
	if opts.MaxDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.MaxDuration)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		if opts.OnStop != nil {
			defer opts.OnStop()
		}

		if err := opts.Pulse(ctx); err != nil {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := opts.Pulse(ctx); err != nil {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
