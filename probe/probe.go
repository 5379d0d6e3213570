package probe

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Probe produces line oriented ping output.
type Probe interface {
	// Run streams probe output into w, one line per write including its
	// terminator, until the probe finishes or ctx is done. A failed write
	// ends the run.
	Run(ctx context.Context, w io.Writer) error
	// Stop ends a running probe early.
	Stop()
	// Session identifies this probe invocation in logs.
	Session() uuid.UUID
	String() string
}

// ArgumentError means the probe was asked to run with unusable arguments.
type ArgumentError struct {
	Reason string
}

func (e *ArgumentError) Error() string { return "probe arguments: " + e.Reason }

// LaunchError means the probe could not be started at all.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string { return "launch " + e.Command + ": " + e.Err.Error() }

func (e *LaunchError) Unwrap() error { return e.Err }

// IsSetup reports whether err kept the probe from ever running.
func IsSetup(err error) bool {
	var ae *ArgumentError
	var le *LaunchError
	return errors.As(err, &ae) || errors.As(err, &le)
}
