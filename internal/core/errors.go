package core

import "errors"

var (
	// ErrSignalingUnavailable means the relay connection is down. Transient; the caller may retry.
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	// ErrMediaAcquisitionDenied means the capture device was refused or missing.
	ErrMediaAcquisitionDenied = errors.New("media acquisition denied")
	// ErrNegotiationStale means an answer or candidate arrived with no matching link.
	ErrNegotiationStale = errors.New("negotiation stale")
	// ErrPersistenceFailure wraps session store write and read failures.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrConnectionFailed is reported when a peer connection reaches the failed state.
	ErrConnectionFailed = errors.New("connection failed")
	ErrNotJoined        = errors.New("not joined")
	ErrClosed           = errors.New("closed")
)
