package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benithors/whocache/internal/whois"
)

func newCacheCmd(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the lookup cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return &cliError{Code: 2, ShowUsage: true, Cmd: cmd}
		},
	}
	cmd.AddCommand(newCacheShowCmd(cfg))
	return cmd
}

func newCacheShowCmd(cfg *cliConfig) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "show <identity> | --all",
		Short: "Print the cached raw WHOIS text for an identity, or list cached identities",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return usageErr(cmd, errors.New("pass exactly one identity or --all"))
			}

			st, err := cfg.openStore(cmd.Context())
			if err != nil {
				return runtimeErr(cmd, err)
			}
			defer st.Close()

			if all {
				keys, err := st.Keys(cmd.Context())
				if err != nil {
					return runtimeErr(cmd, err)
				}
				for _, k := range keys {
					fmt.Fprintln(os.Stdout, k)
				}
				return nil
			}

			id, err := cfg.normalizer().Normalize(cmd.Context(), args[0])
			if err != nil {
				return usageErr(cmd, err)
			}
			text, ok, err := st.Get(cmd.Context(), id.Key)
			if err != nil {
				return runtimeErr(cmd, err)
			}
			if !ok {
				return runtimeErr(cmd, fmt.Errorf("%s is not cached", id.Key))
			}

			rec, cerr := whois.Classifier{RateLimitMarkers: cfg.env.Whois.RateLimitMarkers}.Classify(text)
			if cerr == nil {
				cfg.log.Debug().Str("key", id.Key).Stringer("record", rec).Msg("cache entry")
			}
			fmt.Fprint(os.Stdout, text)
			if len(text) > 0 && text[len(text)-1] != '\n' {
				fmt.Fprintln(os.Stdout)
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(usageErr)
	cmd.Flags().BoolVar(&all, "all", false, "List every cached identity")
	return cmd
}
