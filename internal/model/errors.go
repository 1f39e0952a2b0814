package model

import "errors"

var (
	// ErrNotFound is returned for operations on an unknown recording or chunk.
	ErrNotFound = errors.New("recording not found")

	// ErrIllegalTransition marks a stage event that is not valid from the
	// recording's current stage. Callers log and drop it; redelivery and
	// out-of-order delivery are expected.
	ErrIllegalTransition = errors.New("illegal stage transition")

	// ErrNoChunks is returned when combine finds no active chunks.
	ErrNoChunks = errors.New("no active chunks")

	// ErrStorageFault marks a permanent object-store failure. It is not
	// retried; the recording moves to failed.
	ErrStorageFault = errors.New("permanent storage fault")

	// ErrLeaseConflict means another worker holds the per-recording lease.
	// The caller backs off and retries.
	ErrLeaseConflict = errors.New("lease held by another worker")

	// ErrCollaboratorTimeout marks an unresponsive external collaborator call.
	ErrCollaboratorTimeout = errors.New("collaborator timed out")

	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
)
