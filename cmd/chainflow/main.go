// Command chainflow runs the chainflow consumer service and its operator
// tooling.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/drblury/chainflow"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := newRootCommand(viper.New(), stdin, stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "chainflow:", err)
	}
	return exitCode(err)
}

// exitCode maps a command error to the process exit status. A topology
// conflict fails with exitFailed before anything is consumed.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var cfgErr chainflow.ConfigValidationError
	if errors.As(err, &cfgErr) || errors.Is(err, errUsage) {
		return exitUsage
	}
	return exitFailed
}
