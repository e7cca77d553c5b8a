// Package errs defines the sentinel error kinds shared across qbitcoind's
// components, so callers can distinguish failure classes with errors.Is
// instead of string matching or panics.
package errs

import "errors"

var (
	// ErrValidation marks a structurally or semantically invalid block,
	// transaction, or message (bad hash, bad signature, malformed field).
	ErrValidation = errors.New("validation failed")

	// ErrStateConflict marks a state-transition that cannot apply cleanly:
	// height mismatch, double-spend, stale tip, orphaned parent.
	ErrStateConflict = errors.New("state conflict")

	// ErrInsufficientBalance marks a transaction whose sender cannot cover
	// amount plus fee given the account DB's current balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrStorage marks a failure reading or writing the block store or
	// account database (disk, corruption, missing index entry).
	ErrStorage = errors.New("storage error")

	// ErrProtocol marks a peer violating the wire protocol: bad framing,
	// unknown message type, oversized payload, rate-limit breach.
	ErrProtocol = errors.New("protocol violation")

	// ErrNetwork marks a transport-level failure: dial failure, reset
	// connection, unexpected EOF.
	ErrNetwork = errors.New("network error")

	// ErrTimeout marks an operation that exceeded its deadline: a sync
	// request awaiting a response, a handshake, a pooled dial.
	ErrTimeout = errors.New("operation timed out")
)
