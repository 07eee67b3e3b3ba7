// Package suspend implements the per-instance debounce timer that drives
// automatic power-saving suspension of the flash device. After every
// completed access the coordinator re-arms the window; any new access aborts
// it. Only when a full window elapses quietly does the scheduler notify the
// worker, which then performs the actual device suspension under the
// instance mutex.
package suspend

import (
	"log/slog"
	"sync"
	"time"

	"github.com/flashfs/flashfs/internal/config"
)

// Scheduler manages one debounce timer per filesystem instance. Expiries
// are delivered as instance ids on the Notifications channel. The channel
// is buffered; when the consumer lags, an expiry is dropped rather than
// blocking the timer goroutine — suspends are opportunistic and the next
// quiet period re-arms the window anyway.
type Scheduler struct {
	logger   *slog.Logger
	debounce time.Duration

	mu     sync.Mutex
	timers [config.MaxInstances]*time.Timer
	closed bool

	notify chan int
}

// NewScheduler creates a scheduler with the given debounce window.
func NewScheduler(debounce time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:   logger.With("component", "suspend"),
		debounce: debounce,
		notify:   make(chan int, config.MaxInstances),
	}
}

// Plan (re)arms the debounce window for an instance. Called by the
// coordinator after every completed access, which keeps the device awake
// under sustained traffic.
func (s *Scheduler) Plan(instance int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if t := s.timers[instance]; t != nil {
		t.Stop()
	}
	s.timers[instance] = time.AfterFunc(s.debounce, func() {
		s.expire(instance)
	})
}

// Abort cancels a pending window. Called by the coordinator before every
// new access. The invariant: a timer is armed only between the end of one
// access and either its expiry or the start of the next access.
func (s *Scheduler) Abort(instance int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := s.timers[instance]; t != nil {
		t.Stop()
		s.timers[instance] = nil
	}
}

// Notifications delivers instance ids whose debounce window elapsed.
func (s *Scheduler) Notifications() <-chan int {
	return s.notify
}

// Close stops all timers. Pending notifications remain readable.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for i, t := range s.timers {
		if t != nil {
			t.Stop()
			s.timers[i] = nil
		}
	}
}

func (s *Scheduler) expire(instance int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.timers[instance] = nil
	s.mu.Unlock()

	select {
	case s.notify <- instance:
	default:
		s.logger.Debug("suspend notification dropped", "instance", instance)
	}
}
