package meter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
)

// fakeMeter is a tiny shell script standing in for the real flow-meter
// binary: it writes its config path into a readback file (so the test
// can confirm the YAML config reached the process), touches the ready
// file Spawner is watching for, then sleeps until signaled.
const fakeMeterScript = `#!/bin/sh
config=""
while [ "$1" != "" ]; do
  if [ "$1" = "--config" ]; then
    shift
    config="$1"
  fi
  shift
done
cp "$config" "$(dirname "$config")/readback.yaml"
touch "$(dirname "$config")/ready"
trap 'exit 0' TERM
while true; do sleep 1; done
`

func writeFakeMeter(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-meter.sh")
	if err := os.WriteFile(path, []byte(fakeMeterScript), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSpawnerStartWaitsForReadyThenStops(t *testing.T) {
	script := writeFakeMeter(t)
	base := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := &Spawner{}
	m, err := s.Start(ctx, SpawnConfig{
		Command:      []string{"sh", script},
		BaseDir:      base,
		ConfigData:   map[string]any{"interface": "eth0", "port": 4739},
		ReadyFile:    "ready",
		ReadyTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	readback, err := os.ReadFile(filepath.Join(m.tmpDir, "readback.yaml"))
	if err != nil {
		t.Fatalf("reading readback config: %v", err)
	}
	if len(readback) == 0 {
		t.Fatal("readback config is empty")
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if _, err := os.Stat(m.tmpDir); !os.IsNotExist(err) {
		t.Fatalf("work dir %s should have been removed after Wait", m.tmpDir)
	}
}

func TestSpawnerRejectsAlreadyLockedWorkDir(t *testing.T) {
	script := writeFakeMeter(t)
	base := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := &Spawner{}
	first, err := s.Start(ctx, SpawnConfig{
		Command:      []string{"sh", script},
		BaseDir:      base,
		ConfigData:   map[string]any{},
		ReadyFile:    "ready",
		ReadyTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		_ = first.Stop()
		_ = first.Wait()
	}()

	// first's own lock file is still held by the running meter's Meter
	// value; a second flock.Flock against the same path must fail to
	// acquire it, which is the guarantee Start relies on.
	reLock := flock.New(filepath.Join(first.tmpDir, ".lock"))
	defer reLock.Close()
	locked, err := reLock.TryLock()
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if locked {
		t.Fatal("expected the already-running meter's lock file to be held")
	}
}
