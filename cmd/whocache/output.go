package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/benithors/whocache/internal/batch"
	"github.com/benithors/whocache/internal/domain"
)

type outputFormat int

const (
	formatTable outputFormat = iota
	formatNDJSON
	formatJSON
	formatPlain
)

func resolveFormat(flagVal string, stdout *os.File) outputFormat {
	switch strings.ToLower(strings.TrimSpace(flagVal)) {
	case "table":
		return formatTable
	case "ndjson":
		return formatNDJSON
	case "json":
		return formatJSON
	case "plain":
		return formatPlain
	case "auto", "":
	default:
		// Unknown format: fall back to auto.
	}

	if term.IsTerminal(int(stdout.Fd())) {
		return formatTable
	}
	return formatNDJSON
}

func activeString(r batch.Result) string {
	if r.Active == nil {
		return "-"
	}
	if *r.Active {
		return "yes"
	}
	return "no"
}

func sourceString(r batch.Result) string {
	switch {
	case !r.HasRecord():
		return "-"
	case r.Cached:
		return "cache"
	default:
		return "network"
	}
}

func writeResults(w io.Writer, format outputFormat, results []batch.Result) error {
	switch format {
	case formatNDJSON:
		enc := json.NewEncoder(w)
		for _, r := range results {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	case formatJSON:
		return json.NewEncoder(w).Encode(results)
	case formatPlain:
		for _, r := range results {
			// Stable, line-oriented output for piping.
			if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Input, r.Key, r.Kind, activeString(r), r.Registrant); err != nil {
				return err
			}
		}
		return nil
	case formatTable:
		fallthrough
	default:
		tw := domain.NewTabWriter(w)
		fmt.Fprintln(tw, "INPUT\tKEY\tKIND\tACTIVE\tREGISTRANT\tSOURCE\tDETAIL")
		for _, r := range results {
			detail := r.Error
			if detail == "" {
				switch {
				case r.Pattern != "":
					detail = r.Pattern
				case r.Registrar != "":
					detail = "registrar: " + r.Registrar
				}
			}
			kind := r.Kind
			if kind == "" {
				kind = "error"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Input, r.Key, kind, activeString(r), r.Registrant, sourceString(r), detail)
		}
		return tw.Flush()
	}
}
