package utils

import (
	"errors"
	"strings"
	"testing"
)

func TestWrapReturnsNilForNilError(t *testing.T) {
	if err := Wrap(nil, "context"); err != nil {
		t.Fatalf("Wrap(nil, ...) = %v, want nil", err)
	}
}

func TestWrapPrependsMessage(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, "read config file")
	if err == nil {
		t.Fatal("Wrap should not return nil for a non-nil error")
	}
	if !strings.Contains(err.Error(), "read config file") || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err.Error() = %q, want it to contain both the message and the original error", err.Error())
	}
}

func TestWrapPreservesErrorsIsChain(t *testing.T) {
	base := errors.New("sentinel")
	err := Wrap(base, "context")
	if !errors.Is(err, base) {
		t.Fatal("Wrap should preserve errors.Is matching against the wrapped error")
	}
}
