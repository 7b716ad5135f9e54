package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInitialWait   = 3 * time.Second
	defaultInterruptPoll = 5 * time.Second
)

// Supervisor starts and stops every goroutine of the engine in the order
// spec §4.6 specifies, captures the first error raised by any of them,
// and exposes cooperative Stop/Terminate. Go's context cancellation
// stands in for the source engine's queue-join-based shutdown: every
// managed Runnable observes ctx.Done() at its next loop head or barrier
// acquire, which is the channel-based redesign spec §9's design notes
// call out as an equally valid choice.
type Supervisor struct {
	Observer     Runnable // the packet Observer, or an external listener
	Meter        Runnable // optional external meter subprocess/listener
	Merger       Runnable
	Configurator Runnable
	Workers      []Runnable

	// CheckInterrupt is polled every InterruptPoll; a true result drains
	// Jobs and initiates an orderly Stop, per spec §4.6/§7.
	CheckInterrupt func() bool
	Jobs           interface{ Drain() int }

	InitialWait   time.Duration
	InterruptPoll time.Duration

	Log *zap.Logger

	mu         sync.Mutex
	err        error
	errOnce    sync.Once
	running    atomic.Bool
	cancel     context.CancelFunc
	hardCancel context.CancelFunc
	wg         sync.WaitGroup
}

// hardContextSetter is implemented by Runnables (*Worker, *Observer) that
// accept the Supervisor's fast-path abort context. Runnable stays a
// plain Run(ctx) interface; this optional interface lets Supervisor wire
// the hard context into the concrete types without widening Runnable.
type hardContextSetter interface {
	SetHardContext(context.Context)
}

func wireHardContext(hard context.Context, runnables ...Runnable) {
	for _, r := range runnables {
		if s, ok := r.(hardContextSetter); ok {
			s.SetHardContext(hard)
		}
	}
}

// Run starts every managed goroutine and blocks until the engine stops,
// either because parentCtx was cancelled, Stop/Terminate was called, or
// an unhandled error from any Runnable triggered a Terminate. It returns
// the first captured error, or nil on a clean stop.
func (s *Supervisor) Run(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancel = cancel
	hardCtx, hardCancel := context.WithCancel(context.Background())
	s.hardCancel = hardCancel
	defer hardCancel()
	s.running.Store(true)

	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}

	// Wire the fast-path abort context into every Runnable that accepts
	// one, before any of them starts: Terminate must be able to reach an
	// already-running Worker/Observer, never just ones spawned after.
	wireHardContext(hardCtx, s.Observer, s.Meter, s.Merger, s.Configurator)
	wireHardContext(hardCtx, s.Workers...)

	spawn := func(name string, r Runnable) {
		if r == nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := r.Run(ctx); err != nil {
				log.Error("engine thread failed", zap.String("thread", name), zap.Error(err))
				s.fail(fmt.Errorf("engine: %s: %w", name, err))
			}
		}()
	}

	spawn("observer", s.Observer)
	spawn("meter", s.Meter)
	spawn("merger", s.Merger)

	sleepCtx(ctx, s.initialWait())

	spawn("configurator", s.Configurator)
	for i, w := range s.Workers {
		spawn(fmt.Sprintf("worker-%d", i), w)
	}

	if s.CheckInterrupt != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.interrupt(ctx)
		}()
	}

	<-ctx.Done()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) initialWait() time.Duration {
	if s.InitialWait == 0 {
		return defaultInitialWait
	}
	return s.InitialWait
}

func (s *Supervisor) interrupt(ctx context.Context) {
	poll := s.InterruptPoll
	if poll == 0 {
		poll = defaultInterruptPoll
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if s.CheckInterrupt() {
				if s.Jobs != nil {
					s.Jobs.Drain()
				}
				s.Stop()
				return
			}
		}
	}
}

func (s *Supervisor) fail(err error) {
	s.errOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	})
	s.Terminate()
}

// Stop initiates an orderly shutdown: every Runnable observes context
// cancellation at its next loop head or barrier acquire. A Worker that
// has already popped a job, or an Observer mid-emit, ignores this signal
// until it has finished what it committed to (see withHardAbort and
// Observer.emit) — per spec §4.6, stop() waits for the job and result
// queues to drain rather than abandoning in-flight work.
func (s *Supervisor) Stop() {
	if s.running.CompareAndSwap(true, false) && s.cancel != nil {
		s.cancel()
	}
}

// Terminate is the fast-path abort used only on unhandled failure
// (spec §7, "terminate() is invoked"). Unlike Stop, it also cancels the
// hard abort context wired into every Worker/Observer, so an in-flight
// probe or a stalled emit is cut short rather than allowed to drain.
func (s *Supervisor) Terminate() {
	if s.hardCancel != nil {
		s.hardCancel()
	}
	s.Stop()
}
