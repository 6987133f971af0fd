package xrelay

import (
	"errors"
	"fmt"
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

var (
	// Lock registry
	ErrNoLocks         = errors.New("xrelay: lock registry requires at least one lock id")
	ErrEmptyLockID     = errors.New("xrelay: lock id must not be empty")
	ErrDuplicateLockID = errors.New("xrelay: duplicate lock id")
	ErrInvalidLockID   = errors.New("xrelay: empty or unknown lock id")

	// Lifecycle
	ErrInvalidTransition   = errors.New("xrelay: invalid lifecycle transition")
	ErrInvalidState        = errors.New("xrelay: component is not in a runnable state")
	ErrUnknownTracker      = errors.New("xrelay: no performance tracker registered")
	ErrOperationNotStarted = errors.New("xrelay: operation was not started")

	// Envelope
	ErrEmptyOrigin      = errors.New("xrelay: envelope origin must not be empty")
	ErrEmptyPayload     = errors.New("xrelay: envelope payload must not be empty")
	ErrAlreadyCollected = errors.New("xrelay: envelope already collected")

	// Routing
	ErrInvalidTopic        = errors.New("xrelay: topic must not be empty")
	ErrNilEnvelope         = errors.New("xrelay: envelope must not be nil")
	ErrInvalidMailboxCount = errors.New("xrelay: mailbox count must be > 0")
	ErrInvalidExpiry       = errors.New("xrelay: expiry must be >= 0")
	ErrDispatcherStopped   = errors.New("xrelay: dispatcher stopped")

	// Workers
	ErrInvalidWorker    = errors.New("xrelay: worker requires a name, a topic and a processor")
	ErrDuplicateWorker  = errors.New("xrelay: duplicate worker name")
	ErrNoReplyAddress   = errors.New("xrelay: envelope carries no reply address")
	ErrProcessorPanic   = errors.New("xrelay: processor panic")
	ErrRelayClosed      = errors.New("xrelay: relay closed")
	ErrNoTransport      = errors.New("xrelay: no transport configured")
	ErrTransportClosed  = errors.New("xrelay: transport closed")
	ErrCorrelatorClosed = errors.New("xrelay: correlator closed")

	// ErrAmbiguous reports that a unique lookup in a downstream collaborator
	// matched more than one record. Fatal to the single operation only.
	ErrAmbiguous = errors.New("xrelay: ambiguous state")

	ErrObserverPoolShutdownTimeout = errors.New("xrelay: observer pool shutdown timeout")
)
