// Command leaserun is a claim-based batch job runner.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rshade/leaserun/internal/cli"
	"github.com/rshade/leaserun/internal/runner"
	"github.com/rshade/leaserun/pkg/version"
)

// Process exit codes.
const (
	exitOK               = 0
	exitError            = 1
	exitAdmissionBlocked = 2
	exitLeaseLost        = 3
	exitJobFailed        = 4
)

func run(ctx context.Context) error {
	return cli.Execute(ctx, version.GetVersion())
}

// exitCode maps a command error to the process exit status. When several
// workers fail, a lost lease outranks a halted failure, which outranks a
// blocked admission.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var (
		lost      *runner.LeaseLostError
		failed    *runner.JobFailedError
		admission *runner.AdmissionError
	)
	switch {
	case errors.As(err, &lost):
		return exitLeaseLost
	case errors.As(err, &failed):
		return exitJobFailed
	case errors.As(err, &admission):
		return exitAdmissionBlocked
	default:
		return exitError
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}
