package main

import (
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/benithors/whocache/internal/domain"
)

func readIdentitiesFromArgsAndStdin(args []string, stdin *os.File) ([]string, error) {
	var out []string

	for _, a := range args {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		out = append(out, a)
	}

	if term.IsTerminal(int(stdin.Fd())) {
		// Nothing piped in.
		return out, nil
	}

	lines, err := domain.ReadLines(stdin)
	if err != nil {
		return nil, err
	}
	return append(out, lines...), nil
}
