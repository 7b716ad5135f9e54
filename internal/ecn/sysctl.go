package ecn

import (
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"
)

const sysctlBin = "/sbin/sysctl"

// SystemConfig toggles net.ipv4.tcp_ecn via sysctl, grounded directly on
// ecnspider3.py's config_zero/config_one.
type SystemConfig struct {
	Log *zap.Logger
}

// ConfigZero disables ECN negotiation.
func (c SystemConfig) ConfigZero(ctx context.Context) error {
	if err := runSysctl(ctx, "net.ipv4.tcp_ecn=2"); err != nil {
		return err
	}
	c.log().Info("configurator disabled ECN")
	return nil
}

// ConfigOne enables ECN negotiation.
func (c SystemConfig) ConfigOne(ctx context.Context) error {
	if err := runSysctl(ctx, "net.ipv4.tcp_ecn=1"); err != nil {
		return err
	}
	c.log().Info("configurator enabled ECN")
	return nil
}

func (c SystemConfig) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

func runSysctl(ctx context.Context, setting string) error {
	cmd := exec.CommandContext(ctx, sysctlBin, "-w", setting)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ecn: sysctl -w %s: %w: %s", setting, err, out)
	}
	return nil
}
