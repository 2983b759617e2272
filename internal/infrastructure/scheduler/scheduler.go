package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is the work run when a named timer fires.
type Job = func(ctx context.Context)

// Scheduler keeps at most one pending timer per job name. Scheduling a name
// that is already pending replaces the earlier timer.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.SugaredLogger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler(logger *zap.SugaredLogger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

// Schedule runs job after delay under the given name.
func (s *Scheduler) Schedule(name string, delay time.Duration, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if t, ok := s.timers[name]; ok {
		t.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.stopped || s.timers[name] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, name)
		s.wg.Add(1)
		s.mu.Unlock()

		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorw("scheduled job panicked", "job", name, "panic", r)
			}
		}()
		job(s.ctx)
	})
	s.timers[name] = timer
}

// Cancel drops a pending timer. It reports whether one was pending.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[name]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, name)
	return true
}

// Pending reports whether a timer is waiting under name.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

// Stop cancels all timers, cancels the context passed to running jobs and
// waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
