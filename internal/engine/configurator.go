package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agermann93/pathspider/internal/barrier"
)

// Configurator alternates the host between configuration zero and
// configuration one, synchronized with the worker pool through four
// barriers, per spec §4.2.
type Configurator struct {
	SemZero    *barrier.Barrier
	SemZeroRdy *barrier.Barrier
	SemOne     *barrier.Barrier
	SemOneRdy  *barrier.Barrier

	WorkerCount int
	Config      SystemConfig
	Log         *zap.Logger
}

// NewConfigurator builds a Configurator with four fresh, drained barriers
// of capacity workerCount.
func NewConfigurator(workerCount int, cfg SystemConfig, log *zap.Logger) *Configurator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Configurator{
		SemZero:     barrier.New(workerCount),
		SemZeroRdy:  barrier.New(workerCount),
		SemOne:      barrier.New(workerCount),
		SemOneRdy:   barrier.New(workerCount),
		WorkerCount: workerCount,
		Config:      cfg,
		Log:         log,
	}
}

// Run loops applying configuration zero then one, rendezvousing with the
// worker pool through the four barriers, until ctx is cancelled. On exit
// it releases worker_count tokens on both sem_zero and sem_one so that
// any straggling worker can drain (spec §4.2, "On shutdown").
func (c *Configurator) Run(ctx context.Context) error {
	defer func() {
		_ = c.SemZero.ReleaseN(c.WorkerCount)
		_ = c.SemOne.ReleaseN(c.WorkerCount)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := c.Config.ConfigZero(ctx); err != nil {
			return fmt.Errorf("engine: config_zero: %w", err)
		}
		if err := c.SemZero.ReleaseN(c.WorkerCount); err != nil {
			return fmt.Errorf("engine: release sem_zero: %w", err)
		}
		if err := c.SemOneRdy.AcquireN(ctx, c.WorkerCount); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.Config.ConfigOne(ctx); err != nil {
			return fmt.Errorf("engine: config_one: %w", err)
		}
		if err := c.SemOne.ReleaseN(c.WorkerCount); err != nil {
			return fmt.Errorf("engine: release sem_one: %w", err)
		}
		if err := c.SemZeroRdy.AcquireN(ctx, c.WorkerCount); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
