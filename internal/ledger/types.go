package ledger

import (
	"time"

	"fundrails/internal/amount"
)

// IntentStatus is the lifecycle state of a funding intent.
type IntentStatus string

const (
	StatusPending   IntentStatus = "pending"
	StatusConfirmed IntentStatus = "confirmed"
	StatusRejected  IntentStatus = "rejected"
	StatusExpired   IntentStatus = "expired"
)

// FundingIntent records an expected transfer of exactly PayableAmount to the
// collection address.
type FundingIntent struct {
	ID                string
	OwnerID           string
	RequestedAmount   amount.Units
	PayableAmount     *amount.Units
	CollectionAddress string
	Status            IntentStatus
	CreatedAt         time.Time
	ExpiresAt         time.Time
	SettledTxRef      string
	SettledAmount     *amount.Units
	ConfirmedAt       *time.Time
}

// Active reports whether the intent can still be matched at now.
func (i FundingIntent) Active(now time.Time) bool {
	return i.Status == StatusPending && i.ExpiresAt.After(now)
}

// Account holds an owner's balances.
type Account struct {
	OwnerID          string
	AvailableBalance amount.Units
	FrozenBalance    amount.Units
	UpdatedAt        time.Time
}

// ScanCursor is the persisted reconciliation bookmark.
type ScanCursor struct {
	LastProcessedTime   time.Time
	LastProcessedHeight uint64
	LastSuccessAt       time.Time
}

// Notification is a balance-change message queued for delivery to the owner.
type Notification struct {
	ID        int64
	OwnerID   string
	Message   string
	CreatedAt time.Time
}

// NewIntent carries the caller-chosen fields of an intent to be created.
type NewIntent struct {
	ID                string
	OwnerID           string
	RequestedAmount   amount.Units
	CollectionAddress string
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// AllocateFunc picks a payable amount given the amounts claimed by active intents.
type AllocateFunc func(claimed []amount.Units) (amount.Units, error)

// Settlement describes one atomic confirmation of an intent.
type Settlement struct {
	IntentID    string
	TxRef       string
	Amount      amount.Units
	ConfirmedAt time.Time
	// AllowExpired lets operators resolve an intent whose deadline has passed.
	AllowExpired bool
	Message      string
}
