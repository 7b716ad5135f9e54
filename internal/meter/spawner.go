package meter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/wissance/stringFormatter"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SpawnConfig describes how to launch and wait on the external flow
// meter subprocess, per spec.md §6 "Meter invocation".
type SpawnConfig struct {
	// Command is the meter binary and its fixed arguments (e.g. capture
	// interface URI, IPFIX output port); Spawner appends
	// "--config <path>" pointing at the YAML file it emits.
	Command []string
	// BaseDir is the parent directory under which a fresh per-run temp
	// directory is created (os.MkdirTemp). Defaults to os.TempDir().
	BaseDir string
	// ConfigData is marshaled to YAML and written into the temp dir.
	ConfigData any
	// ReadyFile is the name of the file the spawned meter process is
	// expected to create in the temp dir once it is ready to receive
	// packets; Spawner watches for its creation via fsnotify.
	ReadyFile string
	// ReadyTimeout bounds how long Start waits for ReadyFile to appear.
	ReadyTimeout time.Duration
}

const defaultReadyTimeout = 10 * time.Second

// Spawner launches the external meter subprocess.
type Spawner struct {
	Log *zap.Logger
}

// Meter is a running meter subprocess and its temp working directory.
type Meter struct {
	cmd    *exec.Cmd
	tmpDir string
	lock   *flock.Flock
	log    *zap.Logger

	doneOnce sync.Once
	done     chan error
}

// Start emits cfg's YAML config to a fresh temp directory, locks that
// directory with gofrs/flock so two engine instances never share a
// meter working directory, launches the meter, and blocks (via bounded
// retry-go retries) until ReadyFile appears or ReadyTimeout elapses.
func (s *Spawner) Start(ctx context.Context, cfg SpawnConfig) (*Meter, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("meter: empty command")
	}
	log := s.log()

	tmpDir, err := os.MkdirTemp(cfg.BaseDir, "qofspider-meter-*")
	if err != nil {
		return nil, fmt.Errorf("meter: creating work dir: %w", err)
	}

	lock := flock.New(filepath.Join(tmpDir, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("meter: locking work dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("meter: work dir %s already locked by another instance", tmpDir)
	}

	data, err := yaml.Marshal(cfg.ConfigData)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("meter: marshaling config: %w", err)
	}
	configPath := filepath.Join(tmpDir, "meter.yaml")
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("meter: writing config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("meter: creating watcher: %w", err)
	}
	if err := watcher.Add(tmpDir); err != nil {
		_ = watcher.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("meter: watching %s: %w", tmpDir, err)
	}

	args := append(append([]string{}, cfg.Command[1:]...), "--config", configPath)
	cmd := exec.CommandContext(ctx, cfg.Command[0], args...)
	cmd.Dir = tmpDir
	if err := cmd.Start(); err != nil {
		_ = watcher.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("meter: starting %s: %w", cfg.Command[0], err)
	}

	m := &Meter{cmd: cmd, tmpDir: tmpDir, lock: lock, log: log, done: make(chan error, 1)}
	go func() { m.done <- cmd.Wait() }()

	ready := filepath.Join(tmpDir, cfg.ReadyFile)
	timeout := cfg.ReadyTimeout
	if timeout == 0 {
		timeout = defaultReadyTimeout
	}
	waitErr := waitForFile(ctx, watcher, ready, timeout)
	_ = watcher.Close()

	if waitErr != nil {
		_ = m.Stop()
		_ = m.Wait()
		return nil, fmt.Errorf("meter: waiting for %s: %w", cfg.ReadyFile, waitErr)
	}

	log.Info("meter ready", zap.String("work_dir", tmpDir), zap.Int("pid", cmd.Process.Pid))
	return m, nil
}

// waitForFile blocks until path is created (observed via watcher),
// bounding the wait with retry-go's attempt/delay policy rather than a
// single fixed sleep, so a meter that becomes ready early returns early.
func waitForFile(ctx context.Context, watcher *fsnotify.Watcher, path string, timeout time.Duration) error {
	ready := make(chan struct{})
	errs := make(chan error, 1)

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name == path && (ev.Op&(fsnotify.Create|fsnotify.Write)) != 0 {
					close(ready)
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				errs <- err
				return
			}
		}
	}()

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	attempts := uint(timeout / (150 * time.Millisecond))
	if attempts == 0 {
		attempts = 1
	}

	return retry.Do(
		func() error {
			select {
			case <-ready:
				return nil
			case err := <-errs:
				return retry.Unrecoverable(err)
			default:
				return fmt.Errorf("meter: %s not yet observed", path)
			}
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(150*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// Stop sends the meter a termination signal, matching spec.md §6's
// "privilege-elevated termination signal" (SIGTERM here, since the
// process capability grant itself is an operational concern outside
// this repository's scope).
func (m *Meter) Stop() error {
	if m.cmd.Process == nil {
		return nil
	}
	return m.cmd.Process.Signal(syscall.SIGTERM)
}

// Wait blocks for the meter subprocess to exit and classifies its exit
// status per spec.md §6: 0 is ok, a positive code is an error, -15 (i.e.
// terminated by SIGTERM) is a normal termination, and any other signal
// is an abort.
func (m *Meter) Wait() error {
	err := <-m.done
	m.cleanup()

	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("meter: wait: %w", err)
	}

	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return fmt.Errorf("meter: exited: %w", exitErr)
	}
	switch {
	case ws.Exited() && ws.ExitStatus() == 0:
		return nil
	case ws.Exited() && ws.ExitStatus() > 0:
		return errors.New(stringFormatter.Format("meter: exited with status {0}", ws.ExitStatus()))
	case ws.Signaled() && ws.Signal() == syscall.SIGTERM:
		return nil
	case ws.Signaled():
		return errors.New(stringFormatter.Format("meter: killed by signal {0}", ws.Signal()))
	default:
		return fmt.Errorf("meter: unexpected wait status %v", ws)
	}
}

func (m *Meter) cleanup() {
	m.doneOnce.Do(func() {
		_ = m.lock.Unlock()
		_ = os.RemoveAll(m.tmpDir)
	})
}

func (s *Spawner) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}
