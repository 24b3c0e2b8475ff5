// Package sandbox runs operator command lines through the host shell with a
// hard wall-clock timeout. It bounds time and captured output; it does not
// isolate the process from the host.
package sandbox

import (
	"context"
	"time"
)

// TimeoutExitCode is reported when a command is killed on timeout.
const TimeoutExitCode = 124

// Executor runs a command line and reports its outcome.
type Executor interface {
	Run(ctx context.Context, commandLine string, timeout time.Duration) (*ExecutionResult, error)
}

// ExecutionResult captures the outcome of one command.
//
// On timeout ExitCode is TimeoutExitCode, Stdout is empty, Stderr reads
// "Timeout after Ns" and TimedOut is set. A command that exits 124 on its own
// has TimedOut unset. Truncated is set when either stream produced more than
// OutputLimit bytes and the excess was dropped.
type ExecutionResult struct {
	ExitCode    int
	Stdout      []byte
	Stderr      []byte
	TimedOut    bool
	Truncated   bool
	OutputLimit int
	Duration    time.Duration
}
