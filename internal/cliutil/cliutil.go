// Package cliutil gives both CLI entry points (cmd/lspmux, cmd/lspmuxd) a
// shared way to distinguish a usage mistake from an operational failure, so
// main can map errors onto spec.md §6's exit codes: 0 success, 2 usage
// error, 1 operational failure.
package cliutil

import (
	"errors"
	"fmt"
)

// UsageError marks an error as a CLI usage mistake — wrong argument count,
// a missing required flag, an unrecognized flag — rather than a failure
// that happened while doing the work the command was asked to do.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// Usagef builds a *UsageError from a format string, the same way
// fmt.Errorf builds a plain error.
func Usagef(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// ExitCode maps err to spec.md §6's exit codes.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ue *UsageError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}
