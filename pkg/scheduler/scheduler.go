// Package scheduler implements the cooperative event pump the core runs on.
//
// All services and timers execute on the goroutine that drives the pump
// (RunOnce, RunUntilIdle or Run). Work from other goroutines enters through Post.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/openmost/mostd/pkg/telemetry"
)

// Event is a bit mask of pending service events.
type Event uint32

// Service is a prioritized callback run once per pass while it has pending events.
type Service struct {
	name     string
	priority uint8
	fn       func(Event)
	pending  Event
}

// Name returns the service name.
func (sv *Service) Name() string { return sv.name }

// SetEvent marks events pending. The service runs on the next pass.
// Must be called from the pump goroutine.
func (sv *Service) SetEvent(mask Event) {
	sv.pending |= mask
}

// Pending returns the events not yet delivered.
func (sv *Service) Pending() Event { return sv.pending }

// Timer calls its function once after an elapse, then every period when period is non-zero.
type Timer struct {
	s      *Scheduler
	name   string
	fn     func()
	due    time.Time
	period time.Duration
	active bool
}

// Set arms the timer. A zero period makes it a one-shot.
func (t *Timer) Set(elapse, period time.Duration) {
	t.due = t.s.clk.Now().Add(elapse)
	t.period = period
	t.active = true
}

// Stop disarms the timer.
func (t *Timer) Stop() {
	t.active = false
}

// Active reports whether the timer is armed.
func (t *Timer) Active() bool { return t.active }

// Scheduler runs services and timers on a single goroutine.
type Scheduler struct {
	clk    clock.Clock
	logger *telemetry.Logger

	services []*Service
	timers   []*Timer

	mu     sync.Mutex
	posted []func()
	wake   chan struct{}
}

// New creates a scheduler. A nil clock uses the wall clock.
func New(clk clock.Clock, logger *telemetry.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Scheduler{
		clk:    clk,
		logger: logger.NewComponentLogger("scheduler"),
		wake:   make(chan struct{}, 1),
	}
}

// Clock returns the clock driving the timers.
func (s *Scheduler) Clock() clock.Clock { return s.clk }

// RegisterService adds a service. Higher priority services run first in a pass;
// equal priorities run in registration order.
func (s *Scheduler) RegisterService(priority uint8, name string, fn func(Event)) *Service {
	sv := &Service{name: name, priority: priority, fn: fn}
	s.services = append(s.services, sv)
	sort.SliceStable(s.services, func(i, j int) bool {
		return s.services[i].priority > s.services[j].priority
	})
	return sv
}

// NewTimer creates a disarmed timer.
func (s *Scheduler) NewTimer(name string, fn func()) *Timer {
	t := &Timer{s: s, name: name, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Post queues fn to run on the pump goroutine. Safe for concurrent use.
func (s *Scheduler) Post(fn func()) {
	s.mu.Lock()
	s.posted = append(s.posted, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RunOnce executes one pass: posted functions, due timers, then every service
// with pending events in priority order. Events set while the pass runs are
// delivered on the next pass. It reports whether anything ran.
func (s *Scheduler) RunOnce() bool {
	ran := false

	s.mu.Lock()
	posted := s.posted
	s.posted = nil
	s.mu.Unlock()
	for _, fn := range posted {
		fn()
		ran = true
	}

	now := s.clk.Now()
	for _, t := range s.timers {
		if !t.active || t.due.After(now) {
			continue
		}
		if t.period > 0 {
			t.due = t.due.Add(t.period)
			if !t.due.After(now) {
				t.due = now.Add(t.period)
			}
		} else {
			t.active = false
		}
		s.logger.Tracef("timer %s fired", t.name)
		t.fn()
		ran = true
	}

	events := make([]Event, len(s.services))
	for i, sv := range s.services {
		events[i] = sv.pending
		sv.pending = 0
	}
	for i, sv := range s.services {
		if events[i] == 0 {
			continue
		}
		sv.fn(events[i])
		ran = true
	}

	return ran
}

// RunUntilIdle runs passes until one does nothing or max passes ran (max <= 0 is unlimited).
// It returns the number of passes that did work.
func (s *Scheduler) RunUntilIdle(max int) int {
	n := 0
	for max <= 0 || n < max {
		if !s.RunOnce() {
			break
		}
		n++
	}
	return n
}

// Run drives the pump until ctx is cancelled. It sleeps until the next timer
// is due or work is posted. Run returns nil on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		for s.RunOnce() {
			if ctx.Err() != nil {
				return nil
			}
		}

		var timerC <-chan time.Time
		var timer *clock.Timer
		if next, ok := s.nextDue(); ok {
			timer = s.clk.Timer(next.Sub(s.clk.Now()))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Scheduler) nextDue() (time.Time, bool) {
	var next time.Time
	found := false
	for _, t := range s.timers {
		if !t.active {
			continue
		}
		if !found || t.due.Before(next) {
			next = t.due
			found = true
		}
	}
	return next, found
}
