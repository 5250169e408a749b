// Package ledger persists funding intents, owner accounts, the scan cursor and
// balance notifications. Every balance mutation happens inside Store.Settle.
package ledger

import (
	"context"
	"errors"
	"time"

	"fundrails/internal/amount"
)

var (
	ErrIntentNotFound  = errors.New("funding intent not found")
	ErrIntentNotActive = errors.New("funding intent is not active")
	ErrOwnerNotFound   = errors.New("account owner not found")
	ErrTxRefSettled    = errors.New("transfer already settled")
)

// Store abstracts ledger persistence.
type Store interface {
	// CreateIntent allocates a payable amount against the active intents and
	// inserts the intent. Allocation and insertion are serialized so two
	// concurrent calls can never claim the same amount.
	CreateIntent(ctx context.Context, in NewIntent, allocate AllocateFunc) (FundingIntent, error)
	GetIntent(ctx context.Context, id string) (FundingIntent, error)
	// IntentByTxRef returns nil when no intent was settled by txRef.
	IntentByTxRef(ctx context.Context, txRef string) (*FundingIntent, error)
	// FindActiveByPayable returns the earliest-created active intent with the
	// given payable amount, or nil.
	FindActiveByPayable(ctx context.Context, payable amount.Units, now time.Time) (*FundingIntent, error)
	// Settle confirms the intent, credits the owner and queues a notification
	// in one transaction.
	Settle(ctx context.Context, s Settlement) (FundingIntent, error)
	RejectIntent(ctx context.Context, id string) error
	ExpireDue(ctx context.Context, now time.Time) (int64, error)

	Account(ctx context.Context, ownerID string) (*Account, error)
	Notifications(ctx context.Context, ownerID string) ([]Notification, error)

	// LoadCursor returns nil before the first scan.
	LoadCursor(ctx context.Context) (*ScanCursor, error)
	SaveCursor(ctx context.Context, c ScanCursor) error

	Ping(ctx context.Context) error
	Close() error
}
