// Package meter implements the engine's two interchangeable inputs for
// the "Flow Meter Ingress" component of spec.md §2/§4.4/§6: an in-
// process TCP listener that accepts namedict-encoded flow records from
// an external meter (e.g. QoF/goprobe), and a Spawner that launches that
// meter as a managed subprocess. Both feed the same flowqueue the
// Observer would otherwise write to — the two inputs are interchangeable
// per spec.md §2.
package meter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/agermann93/pathspider/internal/flowrec"
	"github.com/agermann93/pathspider/internal/metrics"
)

// Tupleizer transforms one namedict-decoded flow record into a Flow
// Record. An empty/false return discards the record, mirroring spec.md
// §6's tupleize_flow contract exactly ("Empty return ... discards the
// record").
type Tupleizer func(flow map[string]any) (flowrec.Record, bool)

// Ingress is a line-oriented TCP listener: each accepted connection is
// read line by line, each line JSON-decoded into a namedict
// (map[string]any), passed through Tupleize, and pushed onto Out. It
// accepts connections from one or more meter instances concurrently,
// per spec.md §6.
type Ingress struct {
	Addr     string
	Tupleize Tupleizer
	Out      chan<- flowrec.Record
	Log      *zap.Logger
	Metrics  *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
}

// Run opens Addr and serves connections until ctx is cancelled.
func (i *Ingress) Run(ctx context.Context) error {
	log := i.log()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", i.Addr)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.listener = ln
	i.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.Info("flow meter ingress listening", zap.String("addr", i.Addr))

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			i.serve(ctx, conn)
		}()
	}
}

func (i *Ingress) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := i.log()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var namedict map[string]any
		if err := json.Unmarshal(line, &namedict); err != nil {
			log.Warn("meter ingress: malformed record, dropping", zap.Error(err))
			continue
		}
		rec, ok := i.Tupleize(namedict)
		if !ok {
			continue
		}
		select {
		case i.Out <- rec:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		log.Warn("meter ingress: connection read error", zap.Error(err))
	}
}

func (i *Ingress) log() *zap.Logger {
	if i.Log == nil {
		return zap.NewNop()
	}
	return i.Log
}
