package reconcile

import "errors"

var (
	// ErrSourceUnavailable aborts a tick before any event is processed.
	ErrSourceUnavailable = errors.New("chain source unavailable")
	// ErrUnresolvedIntentOrOwner means the matched intent or its owner
	// vanished between matching and settlement.
	ErrUnresolvedIntentOrOwner = errors.New("matched intent or owner could not be resolved")
	ErrSettlementCommit        = errors.New("settlement transaction failed")
	// ErrWindowHeld is returned when at least one event failed and the cursor
	// was left where it was.
	ErrWindowHeld = errors.New("scan window held")
)
