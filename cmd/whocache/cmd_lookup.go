package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benithors/whocache/internal/batch"
)

func newLookupCmd(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup [identity...]",
		Short: "Look up domains, URLs or IP literals (args and/or stdin), serving repeats from the cache",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := readIdentitiesFromArgsAndStdin(args, os.Stdin)
			if err != nil {
				return runtimeErr(cmd, fmt.Errorf("failed to read identities: %w", err))
			}
			if len(inputs) == 0 {
				return &cliError{Code: 2, ShowUsage: true, Cmd: cmd}
			}

			a, err := cfg.newApp(cmd.Context(), nil)
			if err != nil {
				return runtimeErr(cmd, err)
			}
			defer a.Close()

			var results []batch.Result
			_ = cfg.withMetrics(cmd.Context(), func() error {
				results = a.runner.Run(cmd.Context(), inputs)
				return nil
			})

			if err := writeResults(os.Stdout, cfg.outFormat, results); err != nil {
				return runtimeErr(cmd, fmt.Errorf("failed to write output: %w", err))
			}
			if err := cmd.Context().Err(); err != nil {
				return runtimeErr(cmd, err)
			}
			if cfg.Strict && anyFailed(results) {
				return &cliError{Code: 1}
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(usageErr)
	return cmd
}

func anyFailed(results []batch.Result) bool {
	for _, r := range results {
		if r.Err != nil {
			return true
		}
	}
	return false
}
