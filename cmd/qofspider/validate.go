package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agermann93/pathspider/internal/config"
)

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config <path>",
	Short: "Load and validate an engine config file without starting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ok: %d workers, capture=%q, meter-listen=%q\n",
			cfg.Engine.WorkerCount, cfg.Capture.URI, cfg.Meter.ListenAddr)
		return nil
	},
}
