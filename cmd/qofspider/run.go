package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agermann93/pathspider/internal/config"
	"github.com/agermann93/pathspider/internal/ecn"
	"github.com/agermann93/pathspider/internal/engine"
	"github.com/agermann93/pathspider/internal/flowrec"
	"github.com/agermann93/pathspider/internal/job"
	"github.com/agermann93/pathspider/internal/logging"
	"github.com/agermann93/pathspider/internal/meter"
	"github.com/agermann93/pathspider/internal/metrics"
	"github.com/agermann93/pathspider/internal/observer"
)

var runFlags struct {
	configPath string
	jobsPath   string
	jobsFormat string
	logLevel   string
	logFormat  string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the measurement engine until interrupted",
	RunE:  runEngine,
}

func init() {
	runCmd.Flags().StringVar(&runFlags.configPath, "config", "qofspider.yaml", "engine config file")
	runCmd.Flags().StringVar(&runFlags.jobsPath, "jobs", "", "hostname or CSV job list file")
	runCmd.Flags().StringVar(&runFlags.jobsFormat, "jobs-format", "hostnames", "\"hostnames\" or \"csv\"")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "info", "debug|info|warn|error")
	runCmd.Flags().StringVar(&runFlags.logFormat, "log-format", "console", "console|json")
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(runFlags.configPath)
	if err != nil {
		return err
	}

	log, runID, err := logging.New(runFlags.logLevel, runFlags.logFormat)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	log.Info("starting qofspider", zap.String("run_id", runID))

	reg := prometheus.NewRegistry()
	mset := metrics.New(reg)
	stopMetricsServer := serveMetrics(cfg.Metrics.ListenAddr, reg, log)
	defer stopMetricsServer()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobs := job.NewUnbounded(ctx)
	jobs.Metrics = mset
	if runFlags.jobsPath != "" {
		if err := loadJobs(jobs); err != nil {
			return err
		}
	}

	flowqueue := make(chan flowrec.Record, 1000)
	resqueue := make(chan flowrec.Record, 1000)
	merged := make(chan flowrec.Record, 1000)

	observerRunnable, closeObserver, err := buildObserver(ctx, cfg, flowqueue, mset, log)
	if err != nil {
		return err
	}
	defer closeObserver()

	workerCount := cfg.Engine.WorkerCount
	sysConfig := ecn.SystemConfig{Log: log}
	configurator := engine.NewConfigurator(workerCount, sysConfig, log)

	prober := ecn.Prober{ConnTimeout: cfg.Engine.ConnTimeout, Log: log}
	workers := make([]engine.Runnable, workerCount)
	for i := 0; i < workerCount; i++ {
		workers[i] = &engine.Worker{
			Jobs:       jobs,
			Resqueue:   resqueue,
			Prober:     prober,
			SemZero:    configurator.SemZero,
			SemZeroRdy: configurator.SemZeroRdy,
			SemOne:     configurator.SemOne,
			SemOneRdy:  configurator.SemOneRdy,
			Log:        log,
			Metrics:    mset,
		}
	}

	merger := engine.NewMerger(flowqueue, resqueue, merged, ecn.Merge, log)
	merger.Metrics = mset

	// check_interrupt (spec.md §4.6/§6) is left nil: this CLI's own
	// os/signal handling already cancels ctx directly, which every
	// managed Runnable observes at its next loop head.
	sup := &engine.Supervisor{
		Observer:     observerRunnable,
		Merger:       merger,
		Configurator: configurator,
		Workers:      workers,
		Jobs:         jobs,
		Log:          log,
		InitialWait:  cfg.Engine.InitialWait,
	}

	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		writeMergedRecords(merged)
	}()

	err = sup.Run(ctx)
	close(merged)
	<-sinkDone

	if err != nil {
		log.Error("engine stopped with error", zap.Error(err))
		return err
	}
	log.Info("engine stopped cleanly")
	return nil
}

func loadJobs(dst job.Source) error {
	f, err := os.Open(runFlags.jobsPath)
	if err != nil {
		return fmt.Errorf("opening jobs file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(runFlags.jobsFormat) {
	case "csv":
		return job.CSVFileSource{}.Load(f, dst)
	case "hostnames", "":
		return job.HostnameFileSource{Port: 443}.Load(f, dst, nil)
	default:
		return fmt.Errorf("unknown jobs format %q", runFlags.jobsFormat)
	}
}

// buildObserver wires either a live/offline packet Observer or an
// external meter's TCP Ingress onto flowqueue, per spec.md §2's "Flow
// Meter Ingress ... Interchangeable with Observer": capture.uri selects
// the in-process Observer; an empty capture.uri with meter.listen_addr
// set falls back to the external ingress.
func buildObserver(ctx context.Context, cfg *config.Config, flowqueue chan flowrec.Record, mset *metrics.Metrics, log *zap.Logger) (engine.Runnable, func(), error) {
	if cfg.Capture.URI != "" {
		var handle interface {
			Close()
		}
		var src *observer.PcapSource

		if strings.HasSuffix(cfg.Capture.URI, ".pcap") || strings.HasSuffix(cfg.Capture.URI, ".pcapng") {
			h, err := observer.OpenOffline(cfg.Capture.URI, cfg.Capture.Filter)
			if err != nil {
				return nil, func() {}, fmt.Errorf("opening capture file: %w", err)
			}
			handle = h
			src = observer.NewPcapSource(ctx, h)
		} else {
			h, err := observer.OpenLive(cfg.Capture.URI, 262144, true, cfg.Capture.Filter)
			if err != nil {
				return nil, func() {}, fmt.Errorf("opening live capture: %w", err)
			}
			handle = h
			src = observer.NewPcapSource(ctx, h)
		}

		obs := observer.New(src, ecn.Chains(), flowqueue,
			observer.WithExpiryDelay(cfg.Engine.ExpiryDelay),
			observer.WithLogger(log),
			observer.WithMetrics(mset),
		)
		return obs, func() { handle.Close() }, nil
	}

	ing := &meter.Ingress{
		Addr:     cfg.Meter.ListenAddr,
		Tupleize: ecn.Tupleize,
		Out:      flowqueue,
		Log:      log,
		Metrics:  mset,
	}
	return ing, func() {}, nil
}

func writeMergedRecords(merged <-chan flowrec.Record) {
	enc := json.NewEncoder(os.Stdout)
	for rec := range merged {
		if err := enc.Encode(rec); err != nil {
			return
		}
	}
}

// serveMetrics starts the /metrics HTTP listener in the background and
// returns a function that shuts it down.
func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) func() {
	if addr == "" {
		addr = ":9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics listening", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
