package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCircuitCmd(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circuit",
		Short: "Control the Tor circuit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return &cliError{Code: 2, ShowUsage: true, Cmd: cmd}
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Ask Tor for a new circuit (SIGNAL NEWNYM)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.env.Tor.Direct {
				return usageErr(cmd, errors.New("circuit rotate has no effect with --direct"))
			}
			return cfg.withMetrics(cmd.Context(), func() error {
				if err := cfg.rotator().NewCircuit(cmd.Context()); err != nil {
					cfg.metrics.Rotations.WithLabelValues("error").Inc()
					return runtimeErr(cmd, err)
				}
				cfg.metrics.Rotations.WithLabelValues("ok").Inc()
				fmt.Fprintf(os.Stdout, "new circuit requested via %s\n", cfg.env.Tor.ControlAddr)
				return nil
			})
		},
	})
	return cmd
}
