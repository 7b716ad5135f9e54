package engine

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/agermann93/pathspider/internal/barrier"
	"github.com/agermann93/pathspider/internal/flowrec"
	"github.com/agermann93/pathspider/internal/job"
	"github.com/agermann93/pathspider/internal/metrics"
)

// defaultIdleDelay is Δ, the per-branch sleep an idle worker takes before
// cycling the barrier again (spec §4.3).
const defaultIdleDelay = 500 * time.Millisecond

// JobSource is the subset of job.UnboundedQueue a Worker needs: a
// non-blocking try-get, matching jobqueue.try_get() in spec §4.3.
type JobSource interface {
	TryGet() (job.Job, bool)
}

// Worker runs the paired-probe loop of spec §4.3. When the job queue is
// empty it still cycles both barrier rendezvous points, with a Δ sleep
// on each branch, so the configurator never deadlocks once the queue
// empties.
type Worker struct {
	Jobs     JobSource
	Resqueue chan<- flowrec.Record
	Prober   Prober

	SemZero    *barrier.Barrier
	SemZeroRdy *barrier.Barrier
	SemOne     *barrier.Barrier
	SemOneRdy  *barrier.Barrier

	IdleDelay time.Duration
	Log       *zap.Logger
	Metrics   *metrics.Metrics

	// HardCtx, when set (by Supervisor, via SetHardContext), is the
	// fast-path abort signal used only by Terminate. A job that has
	// already been popped off Jobs is committed: probe ignores ctx
	// (Stop's graceful signal) once started and only bails out early on
	// HardCtx, so a plain Stop always lets it finish both phases.
	HardCtx context.Context
}

// SetHardContext wires the Supervisor's fast-path abort context in. It is
// invoked through the optional hardContextSetter interface, since Worker
// is otherwise only known to the Supervisor as a Runnable.
func (w *Worker) SetHardContext(hard context.Context) {
	w.HardCtx = hard
}

func (w *Worker) hardCtx() context.Context {
	if w.HardCtx == nil {
		return context.Background()
	}
	return w.HardCtx
}

// Run pulls jobs until ctx is cancelled, probing each one under both
// configurations in lockstep with the configurator.
func (w *Worker) Run(ctx context.Context) error {
	idle := w.IdleDelay
	if idle == 0 {
		idle = defaultIdleDelay
	}
	log := w.Log
	if log == nil {
		log = zap.NewNop()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		j, ok := w.Jobs.TryGet()
		if !ok {
			if err := w.idleRound(ctx, idle); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}

		if err := w.probe(ctx, j); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("probe failed", zap.Error(err), zap.Stringer("job", j))
			return err
		}
	}
}

// idleRound participates in both barrier rendezvous points without a
// job, so the configurator's acquire_n(worker_count) calls are always
// satisfied regardless of queue occupancy.
func (w *Worker) idleRound(ctx context.Context, idle time.Duration) error {
	if err := w.SemZero.Acquire(ctx); err != nil {
		return err
	}
	sleepCtx(ctx, idle)
	if err := w.SemOneRdy.Release(); err != nil {
		return err
	}

	if err := w.SemOne.Acquire(ctx); err != nil {
		return err
	}
	sleepCtx(ctx, idle)
	return w.SemZeroRdy.Release()
}

// probe runs the two-phase connect for j, pushing one result record per
// phase onto Resqueue in ascending config_id order (invariant 1).
//
// Once Jobs.TryGet has handed j to this worker, the job is committed:
// per spec §4.6 a graceful Stop must let an in-flight probe finish, so
// probe runs under a context that ignores ctx's cancellation and only
// observes the Supervisor's hard abort context (armed by Terminate).
func (w *Worker) probe(ctx context.Context, j job.Job) error {
	pctx, done := withHardAbort(ctx, w.hardCtx())
	defer done()

	state, err := w.Prober.PreConnect(pctx, j)
	if err != nil {
		return err
	}

	if err := w.SemZero.Acquire(pctx); err != nil {
		return err
	}
	conn0, err := w.Prober.Connect(pctx, j, state, 0)
	if err != nil {
		return err
	}
	w.countOutcome(conn0)
	if err := w.SemOneRdy.Release(); err != nil {
		return err
	}

	if err := w.SemOne.Acquire(pctx); err != nil {
		return err
	}
	conn1, err := w.Prober.Connect(pctx, j, state, 1)
	if err != nil {
		return err
	}
	w.countOutcome(conn1)
	if err := w.SemZeroRdy.Release(); err != nil {
		return err
	}

	if err := w.pushResult(pctx, w.Prober.PostConnect(j, conn0, state, 0)); err != nil {
		return err
	}
	return w.pushResult(pctx, w.Prober.PostConnect(j, conn1, state, 1))
}

func (w *Worker) pushResult(ctx context.Context, rec flowrec.Record) error {
	select {
	case w.Resqueue <- rec:
		if w.Metrics != nil {
			w.Metrics.ResultsEmitted.Inc()
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (w *Worker) countOutcome(outcome ConnectionOutcome) {
	if w.Metrics == nil {
		return
	}
	result := "ok"
	if !outcome.OK {
		result = "failed"
	}
	w.Metrics.ConnectOutcome.WithLabelValues(strconv.Itoa(outcome.ConfigID), result).Inc()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
