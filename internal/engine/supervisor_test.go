package engine

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agermann93/pathspider/internal/barrier"
	"github.com/agermann93/pathspider/internal/flowrec"
	"github.com/agermann93/pathspider/internal/job"
)

// raceProber lets a test pin down the exact instant a probe reaches its
// second barrier acquire, so the worker-shutdown race described in the
// review (a barrier token becomes available in the same instant a
// graceful Stop cancels ctx) can be forced deterministically instead of
// relying on goroutine-scheduling luck.
type raceProber struct {
	afterConfigZero func()
}

func (p *raceProber) PreConnect(ctx context.Context, j job.Job) (any, error) {
	return nil, nil
}

func (p *raceProber) Connect(ctx context.Context, j job.Job, state any, configID int) (ConnectionOutcome, error) {
	out := ConnectionOutcome{
		RemoteIP:  j.RemoteIP,
		LocalPort: uint16(40000 + configID),
		Hostname:  j.Hostname,
		ConfigID:  configID,
		OK:        true,
	}
	if configID == 0 && p.afterConfigZero != nil {
		p.afterConfigZero()
	}
	return out, nil
}

func (p *raceProber) PostConnect(j job.Job, outcome ConnectionOutcome, state any, configID int) flowrec.Record {
	return resultRecord(outcome.RemoteIP.String(), outcome.LocalPort, configID, outcome.OK)
}

// TestWorkerProbeSurvivesGracefulStopRace pins down the exact race the
// review identified: a barrier token for the second phase becomes
// available in the same instant ctx is cancelled. Under the pre-fix
// code, Barrier.Acquire's select could pick ctx.Done() even though the
// token was ready, abandoning the job after only one of its two Outcomes
// (spec §3 invariant 1). probe must always finish once it has started.
func TestWorkerProbeSurvivesGracefulStopRace(t *testing.T) {
	semZero := barrier.New(1)
	semZeroRdy := barrier.New(1)
	semOne := barrier.New(1)
	semOneRdy := barrier.New(1)

	if err := semZero.Release(); err != nil {
		t.Fatalf("seed sem_zero: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	prober := &raceProber{}
	w := &Worker{
		Prober:     prober,
		SemZero:    semZero,
		SemZeroRdy: semZeroRdy,
		SemOne:     semOne,
		SemOneRdy:  semOneRdy,
	}
	resqueue := make(chan flowrec.Record, 2)
	w.Resqueue = resqueue

	// At the instant config-zero's connect finishes (just before probe
	// would acquire sem_one), hand it a token AND cancel the graceful
	// ctx in the same breath — the exact window the review describes.
	prober.afterConfigZero = func() {
		if err := semOne.Release(); err != nil {
			t.Errorf("release sem_one: %v", err)
		}
		cancel()
	}

	j := job.Job{RemoteIP: net.ParseIP("198.51.100.7"), Port: 80, Hostname: "example.test"}
	if err := w.probe(ctx, j); err != nil {
		t.Fatalf("probe: %v (a graceful Stop must never abandon an in-flight job)", err)
	}

	rec0 := <-resqueue
	rec1 := <-resqueue
	if rec0.Int64(flowrec.FieldConfigID) != 0 || rec1.Int64(flowrec.FieldConfigID) != 1 {
		t.Fatalf("got config_id order %d,%d, want 0,1", rec0.Int64(flowrec.FieldConfigID), rec1.Int64(flowrec.FieldConfigID))
	}
	select {
	case rec := <-resqueue:
		t.Fatalf("unexpected third outcome: %+v", rec)
	default:
	}
}

type countingProber struct {
	processed *atomic.Int64
}

func (p *countingProber) PreConnect(ctx context.Context, j job.Job) (any, error) {
	return nil, nil
}

func (p *countingProber) Connect(ctx context.Context, j job.Job, state any, configID int) (ConnectionOutcome, error) {
	time.Sleep(time.Millisecond)
	if configID == 1 {
		p.processed.Add(1)
	}
	return ConnectionOutcome{
		RemoteIP:  j.RemoteIP,
		LocalPort: uint16(40000 + configID),
		Hostname:  j.Hostname,
		ConfigID:  configID,
		OK:        true,
	}, nil
}

func (p *countingProber) PostConnect(j job.Job, outcome ConnectionOutcome, state any, configID int) flowrec.Record {
	return resultRecord(outcome.RemoteIP.String(), outcome.LocalPort, configID, outcome.OK)
}

// TestSupervisorInterruptDrainsQueueCleanly is the engine's version of
// spec §8 Scenario F "Interrupt": a CheckInterrupt that flips true after
// a handful of jobs finish must drain the remainder, stop every thread
// without hanging, and never lose or duplicate an Outcome for any job
// that did get processed. Before the fix, a Stop() racing a worker's
// probe could abandon a job mid-flight, and the Observer/Merger shutdown
// ordering could hang Supervisor.Run forever.
func TestSupervisorInterruptDrainsQueueCleanly(t *testing.T) {
	const workerCount = 4
	const totalJobs = 40

	cfg := &fakeConfig{}
	configurator := NewConfigurator(workerCount, cfg, nil)

	resqueue := make(chan flowrec.Record, 1000)
	flowqueue := make(chan flowrec.Record, 1000)
	merged := make(chan flowrec.Record, 1000)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()

	jobs := job.NewUnbounded(baseCtx)
	ips := make([]string, totalJobs)
	for i := 0; i < totalJobs; i++ {
		ip := fmt.Sprintf("10.0.%d.%d", i/256, i%256)
		ips[i] = ip
		jobs.AddJob(job.Job{RemoteIP: net.ParseIP(ip), Port: 80, Hostname: ip})
	}

	var processed atomic.Int64
	prober := &countingProber{processed: &processed}

	workers := make([]Runnable, workerCount)
	for i := 0; i < workerCount; i++ {
		workers[i] = &Worker{
			Jobs:       jobs,
			Resqueue:   resqueue,
			Prober:     prober,
			SemZero:    configurator.SemZero,
			SemZeroRdy: configurator.SemZeroRdy,
			SemOne:     configurator.SemOne,
			SemOneRdy:  configurator.SemOneRdy,
			IdleDelay:  time.Millisecond,
		}
	}

	merger := NewMerger(flowqueue, resqueue, merged, mergeFunc, nil)

	// Stand in for the Observer: push a matching flow record for both
	// phases of every job, racing the worker pool exactly as a packet
	// capture would.
	go func() {
		for _, ip := range ips {
			for configID := 0; configID < 2; configID++ {
				flowqueue <- flowRecord(ip, uint16(40000+configID))
			}
		}
	}()

	sup := &Supervisor{
		Configurator: configurator,
		Merger:       merger,
		Workers:      workers,
		Jobs:         jobs,
		CheckInterrupt: func() bool {
			return processed.Load() >= 10
		},
		InterruptPoll: time.Millisecond,
		InitialWait:   time.Millisecond,
	}

	done := make(chan error, 1)
	go func() { done <- sup.Run(baseCtx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Supervisor.Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Supervisor.Run did not return: the merger or a worker likely deadlocked on shutdown")
	}
	close(merged)

	var mergedCount int
	for range merged {
		mergedCount++
	}
	if mergedCount == 0 {
		t.Fatal("expected at least some jobs to have been merged before the interrupt stopped the engine")
	}
	if mergedCount > 2*totalJobs {
		t.Fatalf("mergedCount = %d, exceeds 2*totalJobs = %d (every job produces at most two outcomes)", mergedCount, 2*totalJobs)
	}
	if mergedCount%2 != 0 {
		t.Fatalf("mergedCount = %d is odd: a job produced one outcome instead of two", mergedCount)
	}
}
