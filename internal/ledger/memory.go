package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fundrails/internal/amount"
)

// MemoryStore keeps the ledger in process memory. It is used by tests and by
// the "memory" database driver for local runs; nothing survives a restart.
type MemoryStore struct {
	mu            sync.Mutex
	intents       map[string]FundingIntent
	accounts      map[string]Account
	notifications []Notification
	cursor        *ScanCursor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:  make(map[string]FundingIntent),
		accounts: make(map[string]Account),
	}
}

func (m *MemoryStore) CreateIntent(_ context.Context, in NewIntent, allocate AllocateFunc) (FundingIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.intents[in.ID]; ok {
		return FundingIntent{}, fmt.Errorf("intent %s already exists", in.ID)
	}

	var claimed []amount.Units
	for _, it := range m.intents {
		if it.Active(in.CreatedAt) && it.PayableAmount != nil {
			claimed = append(claimed, *it.PayableAmount)
		}
	}
	payable, err := allocate(claimed)
	if err != nil {
		return FundingIntent{}, err
	}

	intent := FundingIntent{
		ID:                in.ID,
		OwnerID:           in.OwnerID,
		RequestedAmount:   in.RequestedAmount,
		PayableAmount:     &payable,
		CollectionAddress: in.CollectionAddress,
		Status:            StatusPending,
		CreatedAt:         in.CreatedAt,
		ExpiresAt:         in.ExpiresAt,
	}
	m.intents[in.ID] = intent
	if _, ok := m.accounts[in.OwnerID]; !ok {
		m.accounts[in.OwnerID] = Account{OwnerID: in.OwnerID, UpdatedAt: in.CreatedAt}
	}
	return intent, nil
}

func (m *MemoryStore) GetIntent(_ context.Context, id string) (FundingIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok {
		return FundingIntent{}, ErrIntentNotFound
	}
	return it, nil
}

func (m *MemoryStore) IntentByTxRef(_ context.Context, txRef string) (*FundingIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.intents {
		if it.SettledTxRef != "" && it.SettledTxRef == txRef {
			found := it
			return &found, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) FindActiveByPayable(_ context.Context, payable amount.Units, now time.Time) (*FundingIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []FundingIntent
	for _, it := range m.intents {
		if it.Active(now) && it.PayableAmount != nil && *it.PayableAmount == payable {
			matches = append(matches, it)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	return &matches[0], nil
}

func (m *MemoryStore) Settle(_ context.Context, s Settlement) (FundingIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.intents[s.IntentID]
	if !ok {
		return FundingIntent{}, ErrIntentNotFound
	}
	for _, other := range m.intents {
		if other.SettledTxRef == s.TxRef {
			return FundingIntent{}, ErrTxRefSettled
		}
	}
	if err := checkSettleable(it, s); err != nil {
		return FundingIntent{}, err
	}
	acct, ok := m.accounts[it.OwnerID]
	if !ok {
		return FundingIntent{}, ErrOwnerNotFound
	}
	balance, err := acct.AvailableBalance.Add(s.Amount)
	if err != nil {
		return FundingIntent{}, err
	}

	settled := s.Amount
	confirmedAt := s.ConfirmedAt
	it.Status = StatusConfirmed
	it.SettledTxRef = s.TxRef
	it.SettledAmount = &settled
	it.ConfirmedAt = &confirmedAt
	acct.AvailableBalance = balance
	acct.UpdatedAt = s.ConfirmedAt

	m.intents[it.ID] = it
	m.accounts[acct.OwnerID] = acct
	m.notifications = append(m.notifications, Notification{
		ID:        int64(len(m.notifications) + 1),
		OwnerID:   it.OwnerID,
		Message:   s.Message,
		CreatedAt: s.ConfirmedAt,
	})
	return it, nil
}

func (m *MemoryStore) RejectIntent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok {
		return ErrIntentNotFound
	}
	if it.Status != StatusPending {
		return fmt.Errorf("%w: status %s", ErrIntentNotActive, it.Status)
	}
	it.Status = StatusRejected
	m.intents[id] = it
	return nil
}

func (m *MemoryStore) ExpireDue(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, it := range m.intents {
		if it.Status == StatusPending && it.ExpiresAt.Before(now) {
			it.Status = StatusExpired
			m.intents[id] = it
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Account(_ context.Context, ownerID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[ownerID]
	if !ok {
		return nil, nil
	}
	return &acct, nil
}

func (m *MemoryStore) Notifications(_ context.Context, ownerID string) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Notification
	for _, n := range m.notifications {
		if n.OwnerID == ownerID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *MemoryStore) LoadCursor(context.Context) (*ScanCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor == nil {
		return nil, nil
	}
	c := *m.cursor
	return &c, nil
}

func (m *MemoryStore) SaveCursor(_ context.Context, c ScanCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = &c
	return nil
}

// RemoveAccount drops an owner's account. Operators use it to close an owner;
// tests use it to simulate an owner vanishing mid-settlement.
func (m *MemoryStore) RemoveAccount(ownerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, ownerID)
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// checkSettleable enforces the in-transaction ordering check: the intent must
// still be pending and unexpired unless an operator resolves it explicitly.
func checkSettleable(it FundingIntent, s Settlement) error {
	switch it.Status {
	case StatusPending:
		if !s.AllowExpired && !it.ExpiresAt.After(s.ConfirmedAt) {
			return fmt.Errorf("%w: expired at %s", ErrIntentNotActive, it.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	case StatusExpired:
		if s.AllowExpired {
			return nil
		}
	}
	return fmt.Errorf("%w: status %s", ErrIntentNotActive, it.Status)
}
