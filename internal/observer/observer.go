// Package observer reconstructs bidirectional flows from a packet
// capture source, running per-layer analyzer chains with timer-based
// expiry driven by packet time rather than wall time.
package observer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"go.uber.org/zap"

	"github.com/agermann93/pathspider/internal/flowrec"
	"github.com/agermann93/pathspider/internal/metrics"
)

const defaultExpiryDelay = 5 * time.Second

// Observer demultiplexes a packet stream into flows and emits completed
// Flow Records to Out. All of its state is owned by the single goroutine
// that calls Run; it is not safe to call PurgeIdle or Flush from another
// goroutine concurrently with Run.
type Observer struct {
	src    Source
	chains Chains
	out    chan<- flowrec.Record
	log    *zap.Logger

	expiryDelay time.Duration
	metrics     *metrics.Metrics

	tables    *tables
	timers    *timerHeap
	packetClk int64 // nanoseconds, advances only with packet timestamps

	nonip    atomic.Int64
	shortkey atomic.Int64
	emitted  atomic.Int64

	// hardCtx, when wired in by Supervisor via SetHardContext, is the
	// fast-path abort signal used only by Terminate. emit never races
	// against the normal run ctx: per spec §4.6 the Merger keeps
	// draining until the Observer has stopped, so a graceful Stop must
	// let Flush's bulk emission of still-active/expiring flows land.
	hardCtx context.Context
}

// SetHardContext wires the Supervisor's fast-path abort context in,
// through the optional hardContextSetter interface.
func (o *Observer) SetHardContext(hard context.Context) {
	o.hardCtx = hard
}

func (o *Observer) hardAbortCtx() context.Context {
	if o.hardCtx == nil {
		return context.Background()
	}
	return o.hardCtx
}

// Option configures an Observer at construction time.
type Option func(*Observer)

// WithExpiryDelay overrides the default 5s packet-time flow expiry.
func WithExpiryDelay(d time.Duration) Option {
	return func(o *Observer) { o.expiryDelay = d }
}

// WithLogger attaches a structured logger; a no-op logger is used if
// omitted.
func WithLogger(l *zap.Logger) Option {
	return func(o *Observer) { o.log = l }
}

// WithMetrics attaches the engine's Prometheus counters; nil (the
// default) disables metric recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Observer) { o.metrics = m }
}

// New constructs an Observer reading from src, running chains, and
// writing completed Flow Records to out.
func New(src Source, chains Chains, out chan<- flowrec.Record, opts ...Option) *Observer {
	o := &Observer{
		src:         src,
		chains:      chains,
		out:         out,
		log:         zap.NewNop(),
		expiryDelay: defaultExpiryDelay,
		tables:      newTables(),
		timers:      newTimerHeap(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run drives the main packet dispatch loop until ctx is cancelled or the
// capture source is exhausted, then flushes every outstanding flow. It
// returns the first capture error encountered, if any (a capture error
// is fatal per spec §7).
func (o *Observer) Run(ctx context.Context) error {
	defer o.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		raw, seconds, ok, err := o.src.NextPacket()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		o.dispatch(raw, seconds)
	}
}

// dispatch implements spec §4.4's per-packet main loop: advance the
// packet clock, compute flow keys, match against tables, run the
// new-flow chain for unseen flows, then the IP and transport chains,
// completing the flow if any analyzer vetoes it.
func (o *Observer) dispatch(raw gopacket.Packet, seconds time.Time) {
	o.tick(seconds)

	pkt, nonIP := FromGopacket(raw, seconds)
	if nonIP {
		o.nonip.Add(1)
		if o.metrics != nil {
			o.metrics.PacketsNonIP.Inc()
		}
		return
	}

	fwd, rev, err := flowIDs(pkt.SrcIP, pkt.DstIP, pkt.Proto, pkt.l4Payload)
	if err != nil {
		o.shortkey.Add(1)
		if o.metrics != nil {
			o.metrics.PacketsShortKey.Inc()
		}
		return
	}

	fid, rec, reverse, ignored, found := o.tables.lookup(fwd, rev)
	if ignored {
		return
	}

	if !found {
		rec = flowrec.New().Set(flowrec.FieldFirstTS, o.packetClk)
		if !runNewFlowChain(o.chains.NewFlow, rec, pkt) {
			o.tables.ignored.Add(fwd)
			return
		}
		fid = fwd
		reverse = false
		o.tables.active.Set(fid, rec)
	}

	rec.Set(flowrec.FieldLastTS, o.packetClk)

	keep := true
	if pkt.IsIPv6 {
		keep = runLayerChain(o.chains.IPv6, keep, rec, pkt, reverse)
	} else {
		keep = runLayerChain(o.chains.IPv4, keep, rec, pkt, reverse)
	}

	switch {
	case pkt.HasL4 && pkt.Proto == protoTCP:
		keep = runLayerChain(o.chains.TCP, keep, rec, pkt, reverse)
	case pkt.HasL4 && pkt.Proto == protoUDP:
		keep = runLayerChain(o.chains.UDP, keep, rec, pkt, reverse)
	default:
		keep = runLayerChain(o.chains.L4, keep, rec, pkt, reverse)
	}

	// rec wraps a *gabs.Container, so every Set above is already visible
	// through any other copy of this Record held by the tables — no
	// write-back is needed.
	if !keep {
		o.complete(fid)
	}
}

// tick advances the packet clock to pt and fires every timer whose
// deadline has passed, in non-decreasing deadline order (spec §4.4,
// invariant 3 of spec §3).
func (o *Observer) tick(pt time.Time) {
	nanos := pt.UnixNano()
	if nanos < o.packetClk {
		nanos = o.packetClk
	}
	o.packetClk = nanos

	for _, fid := range o.timers.popDue(o.packetClk) {
		o.finishExpiry(fid)
	}
}

func (o *Observer) finishExpiry(fid ID) {
	rec, ok := o.tables.finishExpiry(fid)
	if !ok {
		return // already finished; a double-complete is a no-op (invariant 4)
	}
	o.emit(rec)
}

func (o *Observer) emit(rec flowrec.Record) {
	o.emitted.Add(1)
	if o.metrics != nil {
		o.metrics.FlowsEmitted.Inc()
	}
	select {
	case o.out <- rec:
	case <-o.hardAbortCtx().Done():
	}
}

// complete moves a flow from active to expiring and schedules its
// emission timer, per spec §4.4 "Flow completion".
func (o *Observer) complete(fid ID) {
	if _, moved := o.tables.complete(fid); !moved {
		return
	}
	deadline := o.packetClk + o.expiryDelay.Nanoseconds()
	o.timers.schedule(deadline, fid)
}

// PurgeIdle completes every active flow whose last-seen time is older
// than timeout relative to the current packet clock. This is the
// corrected version of observer.py's purge_idle, which has a bug:
// indexing self._active['fid']['last'] with the literal string 'fid'
// instead of the loop variable, so it always raises KeyError in the
// original. The corrected semantics — look up each flow's own last-seen
// timestamp — is what is implemented here, per spec §9.
func (o *Observer) PurgeIdle(timeout time.Duration) {
	var toComplete []ID
	cutoff := o.packetClk - timeout.Nanoseconds()

	o.tables.active.ForEach(func(fid ID, rec flowrec.Record) bool {
		if rec.Int64(flowrec.FieldLastTS) < cutoff {
			toComplete = append(toComplete, fid)
		}
		return true
	})

	for _, fid := range toComplete {
		o.complete(fid)
	}
}

// Flush emits every record still in expiring, then every record still
// in active (flows that never completed, e.g. connections that never
// saw a FIN), per spec §4.4 "Flush". Called once, at shutdown.
func (o *Observer) Flush() {
	var expiring, active []flowrec.Record
	var expiringIDs, activeIDs []ID

	o.tables.expiring.ForEach(func(fid ID, rec flowrec.Record) bool {
		expiring = append(expiring, rec)
		expiringIDs = append(expiringIDs, fid)
		return true
	})
	for _, fid := range expiringIDs {
		o.tables.expiring.Del(fid)
	}

	o.tables.active.ForEach(func(fid ID, rec flowrec.Record) bool {
		active = append(active, rec)
		activeIDs = append(activeIDs, fid)
		return true
	})
	for _, fid := range activeIDs {
		o.tables.active.Del(fid)
	}

	for _, rec := range expiring {
		o.emit(rec)
	}
	for _, rec := range active {
		o.emit(rec)
	}
}

// Stats returns the Observer's packet-classification counters.
func (o *Observer) Stats() (nonip, shortkey, emitted int64) {
	return o.nonip.Load(), o.shortkey.Load(), o.emitted.Load()
}
