package cliutil

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCodeNil(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Fatalf("ExitCode(nil) = %d, want 0", got)
	}
}

func TestExitCodeUsageError(t *testing.T) {
	err := Usagef("need exactly one server name")
	if got := ExitCode(err); got != 2 {
		t.Fatalf("ExitCode(usage error) = %d, want 2", got)
	}
}

func TestExitCodeWrappedUsageError(t *testing.T) {
	err := fmt.Errorf("connect: %w", Usagef("need a server name"))
	if got := ExitCode(err); got != 2 {
		t.Fatalf("ExitCode(wrapped usage error) = %d, want 2", got)
	}
}

func TestExitCodeOperationalError(t *testing.T) {
	err := errors.New("dial unix: connection refused")
	if got := ExitCode(err); got != 1 {
		t.Fatalf("ExitCode(operational error) = %d, want 1", got)
	}
}

func TestUsagefUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := fmt.Errorf("kill: %w", &UsageError{Err: inner})
	if !errors.Is(err, inner) {
		t.Fatalf("expected errors.Is to find the wrapped inner error")
	}
}
