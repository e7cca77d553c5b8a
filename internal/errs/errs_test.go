package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrorsAreDistinct(t *testing.T) {
	all := []error{
		ErrValidation, ErrStateConflict, ErrInsufficientBalance,
		ErrStorage, ErrProtocol, ErrNetwork, ErrTimeout,
	}
	for i, a := range all {
		for j, b := range all {
			if i != j && errors.Is(a, b) {
				t.Fatalf("sentinel %d (%v) should not match sentinel %d (%v)", i, a, j, b)
			}
		}
	}
}

func TestSentinelErrorsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("applying block: %w", ErrStateConflict)
	if !errors.Is(wrapped, ErrStateConflict) {
		t.Fatal("errors.Is should see through fmt.Errorf's %w wrapping")
	}
	if errors.Is(wrapped, ErrValidation) {
		t.Fatal("a wrapped ErrStateConflict should not also match ErrValidation")
	}
}
