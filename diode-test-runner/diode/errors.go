package diode

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStartupFailure is the error returned when a supervised process exits
	// before it is considered ready.
	ErrStartupFailure = errors.New("diode: process failed to start")

	// ErrConfigWrite is the error returned when a configuration artifact
	// cannot be written.
	ErrConfigWrite = errors.New("diode: failed to write configuration")

	// ErrArrivalTimeout is the error returned when a file did not arrive,
	// complete and intact, before the deadline.
	ErrArrivalTimeout = errors.New("diode: file did not arrive before deadline")

	// ErrIntegrityMismatch is the error returned when a file completed at the
	// expected size with a different fingerprint.
	ErrIntegrityMismatch = errors.New("diode: received file fingerprint mismatch")

	// ErrUnexpectedArrival is the error returned when a file that must not
	// arrive did arrive, complete and intact.
	ErrUnexpectedArrival = errors.New("diode: file arrived unexpectedly")

	// ErrUsage is the error returned on malformed requests, e.g. an unknown
	// size unit or roles started out of order.
	ErrUsage = errors.New("diode: usage error")

	// ErrTransferFailed is the error returned when a file-ingest client run
	// does not exit successfully.
	ErrTransferFailed = errors.New("diode: transfer client failed")
)

// StartupError is a startup failure of a named process, with the output it
// produced before exiting.
type StartupError struct {
	Name   string
	Output string
	Err    error
}

// Error implements error.
func (e *StartupError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "diode: %s failed to start", e.Name)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintf(&b, "\noutput:\n%s", out)
	}
	return b.String()
}

// Is makes the error match ErrStartupFailure.
func (e *StartupError) Is(target error) bool {
	return target == ErrStartupFailure
}

// Unwrap returns the underlying cause.
func (e *StartupError) Unwrap() error {
	return e.Err
}

// UsageError describes a usage error.
type UsageError struct {
	Msg string
}

// Error implements error.
func (e *UsageError) Error() string {
	return "diode: usage error: " + e.Msg
}

// Is makes the error match ErrUsage.
func (e *UsageError) Is(target error) bool {
	return target == ErrUsage
}

func usageErrorf(format string, args ...interface{}) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}
