package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/benithors/whocache/internal/batch"
	"github.com/benithors/whocache/internal/domain"
	"github.com/benithors/whocache/internal/metadata"
	"github.com/benithors/whocache/internal/report"
)

func newScanCmd(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan FILE OUTPUT",
		Short: "Look up every .com/.com.au mentioned in the *.info.json files listed in FILE and write a CSV",
		Long: "FILE lists one *.info.json path per line, e.g. the output of\n" +
			"  find 'Some Channel' -name '*.info.json' > channel.txt\n" +
			"Mentions are looked up in order of the date each URL was first seen.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return usageErr(cmd, fmt.Errorf("scan takes FILE and OUTPUT, got %d argument(s)", len(args)))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			listPath, outPath := args[0], args[1]

			paths, err := readList(listPath)
			if err != nil {
				return runtimeErr(cmd, err)
			}
			mentions, err := metadata.Scan(paths)
			if err != nil {
				return runtimeErr(cmd, err)
			}
			cfg.log.Info().Int("files", len(paths)).Int("mentions", len(mentions)).Msg("metadata scanned")

			a, err := cfg.newApp(cmd.Context(), func(i int) string {
				return mentions[i].Date + " / " + mentions[i].URL
			})
			if err != nil {
				return runtimeErr(cmd, err)
			}
			defer a.Close()

			urls := make([]string, len(mentions))
			for i, m := range mentions {
				urls[i] = m.URL
			}
			var results []batch.Result
			_ = cfg.withMetrics(cmd.Context(), func() error {
				results = a.runner.Run(cmd.Context(), urls)
				return nil
			})

			rows := make([]report.Row, len(mentions))
			for i := range mentions {
				rows[i] = report.Row{Mention: mentions[i], Result: results[i]}
			}
			if err := writeCSV(outPath, rows); err != nil {
				return runtimeErr(cmd, fmt.Errorf("failed to write %s: %w", outPath, err))
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

func readList(path string) ([]string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("file does not exist FILE=%s: %w", path, err)
	}
	defer f.Close()
	return domain.ReadLines(f)
}

func writeCSV(path string, rows []report.Row) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.Write(f, rows); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
