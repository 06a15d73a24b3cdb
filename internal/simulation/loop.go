package simulation

import (
	"context"
	"sync"
	"time"
)

// MaxCatchUpSteps bounds how many steps one wake-up may run after a stall;
// the remaining backlog is dropped and counted as skipped.
const MaxCatchUpSteps = 5

// StepFunc advances the simulation to tick by one fixed timestep.
type StepFunc func(tick int32, step time.Duration)

// Loop drives a fixed timestep simulation at the configured target frequency.
type Loop struct {
	step      time.Duration
	stepFunc  StepFunc
	monitor   *TickMonitor
	newTicker func(time.Duration) (<-chan time.Time, func())

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	tick   int32
}

// NewLoop configures a loop that targets the provided ticks per second. A
// non-nil monitor observes the duration of every step.
func NewLoop(targetHz float64, step StepFunc, monitor *TickMonitor) *Loop {
	if targetHz <= 0 {
		targetHz = 50
	}
	if step == nil {
		step = func(int32, time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 50
	}
	return &Loop{
		step:     interval,
		stepFunc: step,
		monitor:  monitor,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			ticker := time.NewTicker(d)
			return ticker.C, ticker.Stop
		},
	}
}

// Start begins ticking until the context is cancelled or Stop is invoked.
// Calling Start on a running loop has no effect.
func (l *Loop) Start(ctx context.Context) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	ticks, stop := l.newTicker(l.step)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, ticks, stop, l.done)
}

func (l *Loop) run(ctx context.Context, ticks <-chan time.Time, stop func(), done chan struct{}) {
	defer close(done)
	defer stop()
	var last time.Time
	accumulator := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticks:
			//1.- Accumulate elapsed time; the first wake-up runs exactly one step.
			if last.IsZero() {
				accumulator = l.step
			} else {
				accumulator += now.Sub(last)
			}
			last = now
			steps := 0
			for accumulator >= l.step && steps < MaxCatchUpSteps {
				l.runStep()
				accumulator -= l.step
				steps++
			}
			//2.- A backlog beyond the catch-up budget is dropped rather than replayed.
			if accumulator >= l.step {
				skipped := int(accumulator / l.step)
				l.monitor.Skip(skipped)
				accumulator -= time.Duration(skipped) * l.step
			}
		}
	}
}

func (l *Loop) runStep() {
	l.tick++
	started := time.Now()
	l.stepFunc(l.tick, l.step)
	l.monitor.Observe(time.Since(started))
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// StepDuration exposes the configured timestep.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}
