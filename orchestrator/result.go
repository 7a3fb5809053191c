package orchestrator

import (
	"errors"
	"fmt"
)

// Status classifies a failed command for the caller.
type Status string

const (
	// StatusFatal means resubmitting the same command will not help.
	StatusFatal Status = "FATAL_ERROR"
	// StatusRetry means the command may succeed if retried later.
	StatusRetry Status = "ERROR_RETRY"
)

// Failure is the error returned by orchestrator commands.
type Failure struct {
	Status  Status
	Message string
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Status, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func fatal(err error, format string, args ...interface{}) *Failure {
	return &Failure{Status: StatusFatal, Message: fmt.Sprintf(format, args...), Err: err}
}

func retry(err error, format string, args ...interface{}) *Failure {
	return &Failure{Status: StatusRetry, Message: fmt.Sprintf(format, args...), Err: err}
}

// StatusOf returns the status carried by err. Errors that are not a Failure
// are fatal; nil has no status.
func StatusOf(err error) Status {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Status
	}
	return StatusFatal
}

// IsRetryable reports whether err carries StatusRetry.
func IsRetryable(err error) bool {
	return StatusOf(err) == StatusRetry
}
