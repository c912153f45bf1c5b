package main

// ============================================================================
// stasis-pool entry point
// All logic lives in internal/cli; main only maps errors to exit codes.
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spacetelescope/stasis-sub001/internal/cli"
	"github.com/spacetelescope/stasis-sub001/internal/pool"
)

// Exit codes
const (
	exitOK      = 0
	exitFailed  = 1 // at least one task failed
	exitAborted = 2 // fail-fast or signal cancelled the drain
	exitUsage   = 3 // bad config, manifest or flags
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(exitUsage)
		}
	}()

	rootCmd := cli.BuildCLI()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, cli.ErrTasksFailed):
		return exitFailed
	case errors.Is(err, pool.ErrAborted), errors.Is(err, context.Canceled):
		return exitAborted
	default:
		return exitUsage
	}
}
