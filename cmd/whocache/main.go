package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd(version)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return exitCode(err, os.Stderr)
}

func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var ce *cliError
	if errors.As(err, &ce) {
		if ce.Err != nil && ce.Err.Error() != "" {
			fmt.Fprintln(stderr, ce.Err.Error())
		}
		if ce.ShowUsage && ce.Cmd != nil {
			fmt.Fprintln(stderr)
			_ = ce.Cmd.Usage()
		}
		return ce.Code
	}
	fmt.Fprintln(stderr, err.Error())
	return 1
}
