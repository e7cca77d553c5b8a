// Package utils provides shared helpers (env lookups, atomic file writes,
// error wrapping) used across qbitcoind's components.
package utils

import "fmt"

// Wrap adds context to an error message. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
