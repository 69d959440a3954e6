package errorutil

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

const (
	ExitFailure   = 1
	ExitCancelled = 2
)

// ExitError carries the process exit status up to main.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Cancelled marks a run that ended on request rather than on a fault.
func Cancelled(err error) error {
	return &ExitError{Code: ExitCancelled, Err: err}
}

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return ExitFailure
}

// HandleError is a utility function for handling errors with logging
func HandleError(log zerolog.Logger, err error, msg string) {
	if err != nil {
		log.Error().Err(err).Msg(msg)
	}
}

// WrapError wraps an error with additional context
func WrapError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
