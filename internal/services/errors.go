package services

import "errors"

// Fatal preconditions. A run failing one of them performs no writes.
var (
	ErrInstanceNotFound     = errors.New("instance not found")
	ErrInstanceNotAllowed   = errors.New("instance not in the import allow-list")
	ErrInstanceNotConnected = errors.New("instance is not connected")
)

// ErrUnknownPhase rejects a request naming a phase outside the chain.
var ErrUnknownPhase = errors.New("unknown phase")
