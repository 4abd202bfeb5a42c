package ingest

import "errors"

// ErrNotFound is a store miss and not itself a failure. Transport,
// timeout, handler, and integrity errors are recovered locally via
// retry or restack; ErrFatalProvider is the only kind surfaced to the
// caller through the listener's reject callback.
var (
	ErrNotFound         = errors.New("ingest: not found")
	ErrTransport        = errors.New("ingest: transport error")
	ErrTimeout          = errors.New("ingest: block processing timed out")
	ErrHandler          = errors.New("ingest: handler error")
	ErrFatalProvider    = errors.New("ingest: fatal provider error")
	ErrIntegrity        = errors.New("ingest: integrity error")
	ErrListenerDetached = errors.New("ingest: listener detached")
	ErrChainLockHeld    = errors.New("ingest: chain already locked by another ingestor")
)
