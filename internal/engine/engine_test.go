package engine

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agermann93/pathspider/internal/flowrec"
	"github.com/agermann93/pathspider/internal/job"
)

// fakeConfig counts how many times each configuration is applied and
// never errors, for tests that only care about worker/configurator
// ordering.
type fakeConfig struct {
	zero, one atomic.Int64
}

func (c *fakeConfig) ConfigZero(ctx context.Context) error { c.zero.Add(1); return nil }
func (c *fakeConfig) ConfigOne(ctx context.Context) error  { c.one.Add(1); return nil }

// phaseEvent is one connect() call recorded with a global sequence
// number, used to check the ordering invariant of spec §8.2: no
// connect(_, _, 1) happens before every worker's connect(_, _, 0) for
// the same round.
type phaseEvent struct {
	seq    int64
	worker int
	phase  int
}

type orderedProber struct {
	mu     sync.Mutex
	seq    atomic.Int64
	events []phaseEvent
}

func (p *orderedProber) PreConnect(ctx context.Context, j job.Job) (any, error) {
	return nil, nil
}

func (p *orderedProber) Connect(ctx context.Context, j job.Job, state any, configID int) (ConnectionOutcome, error) {
	workerID := state.(int)
	ev := phaseEvent{seq: p.seq.Add(1), worker: workerID, phase: configID}
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return ConnectionOutcome{
		RemoteIP:  j.RemoteIP,
		LocalPort: uint16(40000 + configID),
		Hostname:  j.Hostname,
		ConfigID:  configID,
		OK:        true,
	}, nil
}

func (p *orderedProber) PostConnect(j job.Job, outcome ConnectionOutcome, state any, configID int) flowrec.Record {
	return flowrec.New().
		Set(flowrec.FieldRemoteIP, outcome.RemoteIP.String()).
		Set(flowrec.FieldLocalPort, int64(outcome.LocalPort)).
		Set(flowrec.FieldConfigID, int64(configID)).
		Set(flowrec.FieldOK, outcome.OK)
}

// workerIDProber wraps orderedProber's PreConnect to hand back a worker
// index instead of nil, since the ordering check needs to attribute each
// connect() call to a worker.
type workerIDProber struct {
	*orderedProber
	id int
}

func (p workerIDProber) PreConnect(ctx context.Context, j job.Job) (any, error) {
	return p.id, nil
}

func TestConfiguratorEnforcesPhasePartialOrder(t *testing.T) {
	const workerCount = 4
	cfg := &fakeConfig{}
	shared := &orderedProber{}
	configurator := NewConfigurator(workerCount, cfg, nil)

	resqueue := make(chan flowrec.Record, 64)
	var workers []Runnable
	jobSources := make([]*job.UnboundedQueue, workerCount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < workerCount; i++ {
		jobSources[i] = job.NewUnbounded(ctx)
		jobSources[i].AddJob(job.Job{RemoteIP: net.ParseIP("198.51.100.7"), Port: 80, Hostname: "example.test"})
		w := &Worker{
			Jobs:       jobSources[i],
			Resqueue:   resqueue,
			Prober:     workerIDProber{orderedProber: shared, id: i},
			SemZero:    configurator.SemZero,
			SemZeroRdy: configurator.SemZeroRdy,
			SemOne:     configurator.SemOne,
			SemOneRdy:  configurator.SemOneRdy,
			IdleDelay:  time.Millisecond,
		}
		workers = append(workers, w)
	}

	var wg sync.WaitGroup
	wg.Add(1 + len(workers))
	go func() { defer wg.Done(); _ = configurator.Run(ctx) }()
	for _, w := range workers {
		w := w
		go func() { defer wg.Done(); _ = w.Run(ctx) }()
	}

	// Let every worker complete its single job's two phases, then stop.
	deadline := time.After(500 * time.Millisecond)
	for {
		shared.mu.Lock()
		n := len(shared.events)
		shared.mu.Unlock()
		if n >= workerCount*2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for all workers to complete both phases")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	wg.Wait()

	shared.mu.Lock()
	events := append([]phaseEvent(nil), shared.events...)
	shared.mu.Unlock()

	var maxPhase0Seq, minPhase1Seq int64 = 0, -1
	for _, ev := range events[:workerCount*2] {
		if ev.phase == 0 && ev.seq > maxPhase0Seq {
			maxPhase0Seq = ev.seq
		}
		if ev.phase == 1 && (minPhase1Seq == -1 || ev.seq < minPhase1Seq) {
			minPhase1Seq = ev.seq
		}
	}
	if minPhase1Seq != -1 && minPhase1Seq < maxPhase0Seq {
		t.Fatalf("a phase-1 connect (seq=%d) happened before every phase-0 connect completed (max seq=%d)", minPhase1Seq, maxPhase0Seq)
	}
	if cfg.zero.Load() == 0 || cfg.one.Load() == 0 {
		t.Fatal("expected both ConfigZero and ConfigOne to have been applied")
	}
}

func TestWorkerProducesTwoOutcomesInOrder(t *testing.T) {
	cfg := &fakeConfig{}
	configurator := NewConfigurator(1, cfg, nil)
	resqueue := make(chan flowrec.Record, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := job.NewUnbounded(ctx)
	q.AddJob(job.Job{RemoteIP: net.ParseIP("198.51.100.7"), Port: 80, Hostname: "example.test"})

	w := &Worker{
		Jobs:       q,
		Resqueue:   resqueue,
		Prober:     workerIDProber{orderedProber: &orderedProber{}, id: 0},
		SemZero:    configurator.SemZero,
		SemZeroRdy: configurator.SemZeroRdy,
		SemOne:     configurator.SemOne,
		SemOneRdy:  configurator.SemOneRdy,
		IdleDelay:  time.Millisecond,
	}

	go func() { _ = configurator.Run(ctx) }()
	go func() { _ = w.Run(ctx) }()

	rec0 := <-resqueue
	rec1 := <-resqueue
	cancel()

	if rec0.Int64(flowrec.FieldConfigID) != 0 || rec1.Int64(flowrec.FieldConfigID) != 1 {
		t.Fatalf("got config_id order %d,%d, want 0,1", rec0.Int64(flowrec.FieldConfigID), rec1.Int64(flowrec.FieldConfigID))
	}
}

func mergeFunc(flow, result flowrec.Record) flowrec.Record {
	flow.Set(flowrec.FieldConnOK, result.Bool(flowrec.FieldOK))
	flow.Set(flowrec.FieldECNState, result.Int64(flowrec.FieldConfigID))
	return flow
}

func flowRecord(remoteIP string, localPort uint16) flowrec.Record {
	return flowrec.New().
		Set(flowrec.FieldDstIP, remoteIP).
		Set(flowrec.FieldSrcPort, int64(localPort))
}

func resultRecord(remoteIP string, localPort uint16, configID int, ok bool) flowrec.Record {
	return flowrec.New().
		Set(flowrec.FieldRemoteIP, remoteIP).
		Set(flowrec.FieldLocalPort, int64(localPort)).
		Set(flowrec.FieldConfigID, int64(configID)).
		Set(flowrec.FieldOK, ok)
}

func TestMergerJoinsFlowThenResult(t *testing.T) {
	flowqueue := make(chan flowrec.Record, 10)
	resqueue := make(chan flowrec.Record, 10)
	out := make(chan flowrec.Record, 10)
	m := NewMerger(flowqueue, resqueue, out, mergeFunc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Run(ctx) }()

	flowqueue <- flowRecord("198.51.100.7", 40001)
	resqueue <- resultRecord("198.51.100.7", 40001, 0, true)

	select {
	case merged := <-out:
		if merged.Bool(flowrec.FieldConnOK) != true {
			t.Fatalf("expected connstate=true, got %v", merged.Bool(flowrec.FieldConnOK))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for merged record")
	}
	cancel()
}

func TestMergerDuplicateFlowIsDropped(t *testing.T) {
	flowqueue := make(chan flowrec.Record, 10)
	resqueue := make(chan flowrec.Record, 10)
	out := make(chan flowrec.Record, 10)
	m := NewMerger(flowqueue, resqueue, out, mergeFunc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Run(ctx) }()

	flowqueue <- flowRecord("198.51.100.7", 40001)
	flowqueue <- flowRecord("198.51.100.7", 40001) // duplicate, same key

	time.Sleep(50 * time.Millisecond)
	resqueue <- resultRecord("198.51.100.7", 40001, 0, true)

	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for merged record")
	}
	select {
	case rec := <-out:
		t.Fatalf("expected exactly one merged record, got a second: %+v", rec)
	case <-time.After(100 * time.Millisecond):
	}
	cancel()
}

func TestMergerPrefersLongerQueueTieTowardResqueue(t *testing.T) {
	flowqueue := make(chan flowrec.Record, 10)
	resqueue := make(chan flowrec.Record, 10)
	out := make(chan flowrec.Record, 10)

	// Pre-fill both queues equally (a tie) before starting Run, so the
	// first pop is deterministic: it must come from resqueue.
	resqueue <- resultRecord("198.51.100.7", 40001, 0, true)
	flowqueue <- flowRecord("203.0.113.9", 9999)

	m := NewMerger(flowqueue, resqueue, out, mergeFunc, nil)

	// Each queued record already has its partner waiting in the opposite
	// table, so every pop emits at once and the order of merged records on
	// out is the order of pops.
	m.flowsByKey.Set(flowrec.Key{RemoteIP: "198.51.100.7", LocalPort: 40001}.String(), flowRecord("198.51.100.7", 40001))
	m.resultsByKey.Set(flowrec.Key{RemoteIP: "203.0.113.9", LocalPort: 9999}.String(), resultRecord("203.0.113.9", 9999, 1, true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	select {
	case first := <-out:
		if got := first.String(flowrec.FieldDstIP); got != "198.51.100.7" {
			t.Fatalf("first merged record is for %s, want 198.51.100.7: on a tie the resqueue record must be popped first", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the first merged record")
	}
}
