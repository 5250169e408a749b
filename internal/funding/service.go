// Package funding creates funding intents with disambiguated payable amounts,
// expires stale ones and exposes the operator reject/resolve actions.
package funding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fundrails/internal/amount"
	"fundrails/internal/ledger"
	"fundrails/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config configures a Service.
type Config struct {
	Allocator         AllocatorConfig
	IntentTTL         time.Duration
	CollectionAddress string
}

// Receipt is returned to the caller that requested the intent.
type Receipt struct {
	IntentID          string       `json:"intentId"`
	PayableAmount     amount.Units `json:"payableAmount"`
	RequestedAmount   amount.Units `json:"requestedAmount"`
	CollectionAddress string       `json:"collectionAddress"`
	ExpiresAt         time.Time    `json:"expiresAt"`
}

type Service struct {
	store     ledger.Store
	allocator *Allocator
	ttl       time.Duration
	address   string
	log       *zap.Logger
	metrics   *metrics.Registry

	Now   func() time.Time
	NewID func() string
}

func NewService(store ledger.Store, cfg Config, log *zap.Logger, m *metrics.Registry) (*Service, error) {
	alloc, err := NewAllocator(cfg.Allocator)
	if err != nil {
		return nil, err
	}
	if cfg.IntentTTL <= 0 {
		return nil, errors.New("funding: intent ttl must be positive")
	}
	if strings.TrimSpace(cfg.CollectionAddress) == "" {
		return nil, errors.New("funding: collection address is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:     store,
		allocator: alloc,
		ttl:       cfg.IntentTTL,
		address:   cfg.CollectionAddress,
		log:       log.Named("funding"),
		metrics:   m,
		Now:       time.Now,
		NewID:     uuid.NewString,
	}, nil
}

// CreateFundingIntent allocates a unique payable amount and persists a pending
// intent that expires after the configured TTL.
func (s *Service) CreateFundingIntent(ctx context.Context, ownerID string, requested amount.Units) (Receipt, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Receipt{}, errors.New("owner id is required")
	}
	if err := s.allocator.CheckRange(requested); err != nil {
		s.metrics.IncIntent("out_of_range")
		return Receipt{}, err
	}

	now := s.Now().UTC()
	it, err := s.store.CreateIntent(ctx, ledger.NewIntent{
		ID:                s.NewID(),
		OwnerID:           ownerID,
		RequestedAmount:   requested,
		CollectionAddress: s.address,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.ttl),
	}, s.allocator.Func(requested))
	if err != nil {
		if errors.Is(err, ErrAllocationExhausted) {
			s.metrics.IncIntent("exhausted")
			s.log.Warn("payable amount space exhausted",
				zap.String("owner_id", ownerID), zap.Stringer("amount", requested))
		} else {
			s.metrics.IncIntent("failed")
		}
		return Receipt{}, fmt.Errorf("create funding intent: %w", err)
	}

	s.metrics.IncIntent("created")
	s.log.Info("funding intent created",
		zap.String("intent_id", it.ID),
		zap.String("owner_id", ownerID),
		zap.Stringer("amount", requested),
		zap.Stringer("payable_amount", *it.PayableAmount),
	)
	return Receipt{
		IntentID:          it.ID,
		PayableAmount:     *it.PayableAmount,
		RequestedAmount:   it.RequestedAmount,
		CollectionAddress: it.CollectionAddress,
		ExpiresAt:         it.ExpiresAt,
	}, nil
}

// ExpireDue transitions every pending intent past its deadline to expired.
func (s *Service) ExpireDue(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireDue(ctx, s.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire intents: %w", err)
	}
	s.metrics.AddExpired(n)
	if n > 0 {
		s.log.Info("expired funding intents", zap.Int64("count", n))
	}
	return n, nil
}

// Reject marks a pending intent rejected; its amount becomes free at once.
func (s *Service) Reject(ctx context.Context, intentID string) error {
	if err := s.store.RejectIntent(ctx, intentID); err != nil {
		return fmt.Errorf("reject intent %s: %w", intentID, err)
	}
	s.log.Info("funding intent rejected", zap.String("intent_id", intentID))
	return nil
}

// ResolveManually settles a pending or expired intent for a transfer the
// scanner could not match. Repeating the call with the same txRef is a no-op.
func (s *Service) ResolveManually(ctx context.Context, intentID, txRef string, paid amount.Units) (ledger.FundingIntent, error) {
	txRef = strings.TrimSpace(txRef)
	if txRef == "" {
		return ledger.FundingIntent{}, errors.New("tx ref is required")
	}
	if paid <= 0 {
		return ledger.FundingIntent{}, fmt.Errorf("%w: amount must be positive", amount.ErrInvalidAmount)
	}

	if prior, err := s.store.IntentByTxRef(ctx, txRef); err != nil {
		return ledger.FundingIntent{}, err
	} else if prior != nil {
		if prior.ID != intentID {
			return ledger.FundingIntent{}, fmt.Errorf("%w: by intent %s", ledger.ErrTxRefSettled, prior.ID)
		}
		return *prior, nil
	}

	it, err := s.store.Settle(ctx, ledger.Settlement{
		IntentID:     intentID,
		TxRef:        txRef,
		Amount:       paid,
		ConfirmedAt:  s.Now().UTC(),
		AllowExpired: true,
		Message:      CreditMessage(paid, intentID),
	})
	if err != nil {
		return ledger.FundingIntent{}, fmt.Errorf("resolve intent %s: %w", intentID, err)
	}
	s.log.Info("funding intent resolved manually",
		zap.String("intent_id", intentID), zap.String("tx_ref", txRef), zap.Stringer("amount", paid))
	return it, nil
}

// CreditMessage is the balance notification text for a settled intent.
func CreditMessage(credited amount.Units, intentID string) string {
	return fmt.Sprintf("Balance credited: +%s (funding intent %s)", credited, intentID)
}
