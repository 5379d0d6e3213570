package fifo

import (
	"github.com/pkg/errors"
)

// ErrInterrupted is returned by a blocking read or wait that was cut short by
// Channel.Interrupt. Callers recheck their stop flag and retry.
var ErrInterrupted = errors.New("fifo: wait interrupted")

// SetupError reports a failure to create or open the relay channel. It is
// fatal for the role that hit it.
type SetupError struct {
	Op   string
	Path string
	Err  error
}

func (e *SetupError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *SetupError) Unwrap() error { return e.Err }

// IsSetup reports whether err carries a SetupError.
func IsSetup(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}
