package engine

import "context"

// withHardAbort derives a context that ignores cancellation of ctx (the
// engine's graceful-stop signal, cancelled by Supervisor.Stop) but still
// observes hard's cancellation (Supervisor.Terminate's fast-path abort).
//
// Once a Worker commits to a job by popping it off the queue, it must
// finish both probe phases per spec.md §3 invariant 1, "each Job
// produces exactly two Outcomes" — a graceful Stop is not allowed to cut
// that short, only a hard Terminate on unhandled failure is.
func withHardAbort(ctx, hard context.Context) (context.Context, context.CancelFunc) {
	out, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(hard, cancel)
	return out, func() {
		stop()
		cancel()
	}
}
