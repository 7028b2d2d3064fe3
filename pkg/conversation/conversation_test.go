package conversation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartPulse_StopIsIdempotent(t *testing.T) {
	var pulses, stops atomic.Int32
	stop := StartPulse(context.Background(), PulseOptions{
		Pulse:    func(context.Context) error { pulses.Add(1); return nil },
		OnStop:   func() { stops.Add(1) },
		Interval: 5 * time.Millisecond,
	})

	assert.Eventually(t, func() bool { return pulses.Load() >= 3 }, time.Second, time.Millisecond)
	stop()
	stop()

	n := pulses.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, pulses.Load(), "no pulses after stop")
	assert.Equal(t, int32(1), stops.Load())
}

func TestStartPulse_StopsOnError(t *testing.T) {
	var pulses, stops atomic.Int32
	stop := StartPulse(context.Background(), PulseOptions{
		Pulse: func(context.Context) error {
			if pulses.Add(1) == 2 {
				return errors.New("rate limited")
			}
			return nil
		},
		OnStop:   func() { stops.Add(1) },
		Interval: time.Millisecond,
	})
	defer stop()

	assert.Eventually(t, func() bool { return stops.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(2), pulses.Load())
}

func TestStartPulse_MaxDuration(t *testing.T) {
	var stops atomic.Int32
	stop := StartPulse(context.Background(), PulseOptions{
		Pulse:       func(context.Context) error { return nil },
		OnStop:      func() { stops.Add(1) },
		Interval:    time.Millisecond,
		MaxDuration: 10 * time.Millisecond,
	})
	defer stop()

	assert.Eventually(t, func() bool { return stops.Load() == 1 }, time.Second, time.Millisecond)
}

func TestSlackMarkup(t *testing.T) {
	in := "**Building:** x\n► **Cloning**\n```\na**b\n```"
	assert.Equal(t, "*Building:* x\n► *Cloning*\n```\na**b\n```", SlackMarkup(in))
}

func TestFence(t *testing.T) {
	assert.Equal(t, "```\nboom\n```", Fence("boom"))
}
