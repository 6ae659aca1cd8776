package errors

import "errors"

// Engine errors.
var (
	ErrSubscription    = errors.New("snapshot subscription failed")
	ErrInvalidSnapshot = errors.New("invalid snapshot")
	ErrDisconnected    = errors.New("snapshot stream disconnected")
	ErrClosed          = errors.New("engine closed")
	ErrNoActiveNote    = errors.New("no active note")
)

// Store errors.
var (
	ErrWriteFailed  = errors.New("store write failed")
	ErrNoteNotFound = errors.New("note not found")
)
