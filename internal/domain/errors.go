package domain

import "errors"

// Signaling failure taxonomy. Every operation failure maps to exactly one of
// these; the signaling boundary answers them as error events and never tears
// down the connection or the room.
var (
	ErrInvalidIdentity    = errors.New("invalid identity")
	ErrResourceNotFound   = errors.New("resource not found")
	ErrCapabilityMismatch = errors.New("capability mismatch")
	ErrEngineFailure      = errors.New("media engine failure")
)
