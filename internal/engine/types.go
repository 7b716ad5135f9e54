// Package engine implements the measurement engine's core choreography:
// the configurator/worker rendezvous across two alternating host-stack
// configurations, and the merger that joins active probe outcomes with
// passively observed flow records.
package engine

import (
	"context"
	"net"

	"github.com/agermann93/pathspider/internal/flowrec"
	"github.com/agermann93/pathspider/internal/job"
)

// ConnectionOutcome is the per-phase result of a worker's probe action.
// LocalPort is always populated, even on failure or timeout, using the
// ephemeral port the host network stack actually assigned, so that flow
// records that were observed before the connection gave up can still be
// joined on it.
type ConnectionOutcome struct {
	RemoteIP   net.IP
	RemotePort uint16
	LocalPort  uint16
	Hostname   string
	ConfigID   int
	OK         bool
}

// SystemConfig is the capability supplied by the measurement author to
// mutate host-wide state between the two legs of the differential
// measurement. Implementations must be idempotent and must restore
// system state on termination.
type SystemConfig interface {
	ConfigZero(ctx context.Context) error
	ConfigOne(ctx context.Context) error
}

// Prober is the capability supplied by the measurement author to drive a
// single job's two-phase probe. State returned by PreConnect is opaque
// to the engine and threaded through Connect and PostConnect unchanged.
type Prober interface {
	PreConnect(ctx context.Context, j job.Job) (state any, err error)
	Connect(ctx context.Context, j job.Job, state any, configID int) (ConnectionOutcome, error)
	PostConnect(j job.Job, outcome ConnectionOutcome, state any, configID int) flowrec.Record
}

// Runnable is anything the Supervisor starts and stops as a managed
// goroutine: the Observer/listener, the merger, the configurator, and
// each worker all satisfy it.
type Runnable interface {
	Run(ctx context.Context) error
}
