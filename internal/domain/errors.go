package domain

import "errors"

var (
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrRegistryStopped     = errors.New("registry stopped")

	ErrUnknownAction  = errors.New("unknown action")
	ErrMalformedFrame = errors.New("malformed frame")

	ErrInvalidChannel   = errors.New("invalid channel")
	ErrForbiddenChannel = errors.New("channel not allowed")
	ErrImplicitChannel  = errors.New("channel is subscribed implicitly")

	ErrInvalidEventType = errors.New("invalid event type")
	ErrUnauthorized     = errors.New("unauthorized")

	// ErrSinkClosed is returned by a Sink whose transport is gone.
	ErrSinkClosed = errors.New("sink closed")
	// ErrSinkFull is returned by a Sink whose outbound buffer is full.
	ErrSinkFull = errors.New("sink buffer full")
)
