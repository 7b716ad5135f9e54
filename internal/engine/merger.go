package engine

import (
	"context"

	"github.com/alphadose/haxmap"
	"go.uber.org/zap"

	"github.com/agermann93/pathspider/internal/flowrec"
	"github.com/agermann93/pathspider/internal/metrics"
)

// MergeFunc decorates a Flow Record with fields from a Connection
// Outcome's result record, returning the merged record to emit. Abstract
// per spec §4.5; a typical implementation sets connstate/ecnstate.
type MergeFunc func(flow, result flowrec.Record) flowrec.Record

// Merger joins flow records from the Observer with result records from
// the worker pool on Flow Key, per spec §4.5. flowsByKey/resultsByKey
// are haxmap-backed, matching the teacher's concurrent-map idiom for
// per-key state, even though the Merger's own Run loop is the only
// goroutine that touches them (spec §5, "Shared resources").
type Merger struct {
	Flowqueue <-chan flowrec.Record
	Resqueue  <-chan flowrec.Record
	Out       chan<- flowrec.Record
	Merge     MergeFunc
	Log       *zap.Logger
	Metrics   *metrics.Metrics

	flowsByKey   *haxmap.Map[string, flowrec.Record]
	resultsByKey *haxmap.Map[string, flowrec.Record]
}

// NewMerger constructs a Merger over the given queues.
func NewMerger(flowqueue, resqueue <-chan flowrec.Record, out chan<- flowrec.Record, merge MergeFunc, log *zap.Logger) *Merger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Merger{
		Flowqueue:    flowqueue,
		Resqueue:     resqueue,
		Out:          out,
		Merge:        merge,
		Log:          log,
		flowsByKey:   haxmap.New[string, flowrec.Record](),
		resultsByKey: haxmap.New[string, flowrec.Record](),
	}
}

// Run drains Flowqueue and Resqueue, always choosing whichever is
// currently longer (fairness under asymmetry) and breaking a tie toward
// Resqueue, per spec §4.5 and the tie-break documented in spec §9 (kept
// as spec.md's prose states it, not the distilled source's literal
// comparison operator — see DESIGN.md).
//
// ctx cancellation (Supervisor.Stop) is only honored once both queues
// are observed empty: spec §4.6 has stop() wait for the flow and result
// queues to drain before the Merger itself stops, so a graceful Stop
// must never abandon a record a Worker or Observer has already enqueued.
func (m *Merger) Run(ctx context.Context) error {
	for {
		lf, lr := len(m.Flowqueue), len(m.Resqueue)
		switch {
		case lf == 0 && lr == 0:
			select {
			case <-ctx.Done():
				return nil
			case rec, ok := <-m.Resqueue:
				if !ok {
					return nil
				}
				m.handleResult(rec)
			case rec, ok := <-m.Flowqueue:
				if !ok {
					return nil
				}
				m.handleFlow(rec)
			}
		case lr >= lf:
			rec, ok := <-m.Resqueue
			if !ok {
				return nil
			}
			m.handleResult(rec)
		default:
			rec, ok := <-m.Flowqueue
			if !ok {
				return nil
			}
			m.handleFlow(rec)
		}
	}
}

func (m *Merger) handleFlow(rec flowrec.Record) {
	key := flowrec.KeyFromRecord(rec).String()
	if result, ok := m.resultsByKey.Get(key); ok {
		m.resultsByKey.Del(key)
		m.emit(m.Merge(rec, result))
		return
	}
	if _, exists := m.flowsByKey.Get(key); exists {
		m.Log.Info("dropping duplicate flow record", zap.String("key", key))
		m.countDuplicate()
		return
	}
	m.flowsByKey.Set(key, rec)
}

func (m *Merger) handleResult(rec flowrec.Record) {
	key := flowrec.KeyFromResult(rec).String()
	if flow, ok := m.flowsByKey.Get(key); ok {
		m.flowsByKey.Del(key)
		m.emit(m.Merge(flow, rec))
		return
	}
	if _, exists := m.resultsByKey.Get(key); exists {
		m.Log.Info("dropping duplicate result record", zap.String("key", key))
		m.countDuplicate()
		return
	}
	m.resultsByKey.Set(key, rec)
}

func (m *Merger) emit(rec flowrec.Record) {
	if m.Metrics != nil {
		m.Metrics.MergedRecords.Inc()
	}
	m.Out <- rec
}

func (m *Merger) countDuplicate() {
	if m.Metrics != nil {
		m.Metrics.DuplicateRecords.Inc()
	}
}
