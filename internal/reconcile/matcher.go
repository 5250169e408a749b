// Package reconcile matches observed token transfers to pending funding
// intents by exact amount and settles them exactly once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundrails/internal/chain"
	"fundrails/internal/dlq"
	"fundrails/internal/funding"
	"fundrails/internal/ledger"
	"fundrails/internal/metrics"

	"go.uber.org/zap"
)

// Outcome is what happened to one transfer event.
type Outcome string

const (
	OutcomeSettled     Outcome = "settled"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeUnmatched   Outcome = "unmatched"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeFailed      Outcome = "failed"
	OutcomeQuarantined Outcome = "quarantined"
)

// DeadLetters receives settlement failures for manual review.
type DeadLetters interface {
	Append(rec dlq.Record) error
}

type Matcher struct {
	store   ledger.Store
	dead    DeadLetters
	address string
	log     *zap.Logger
	metrics *metrics.Registry

	Now func() time.Time
}

func NewMatcher(store ledger.Store, dead DeadLetters, collectionAddress string, log *zap.Logger, m *metrics.Registry) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{
		store:   store,
		dead:    dead,
		address: collectionAddress,
		log:     log.Named("matcher"),
		metrics: m,
		Now:     time.Now,
	}
}

// Process handles one transfer. Every outcome except OutcomeFailed is a
// success for cursor purposes; OutcomeFailed always comes with an error.
func (m *Matcher) Process(ctx context.Context, ev chain.TransferEvent) (Outcome, error) {
	outcome, err := m.process(ctx, ev)
	m.metrics.IncTransferEvent(string(outcome))
	return outcome, err
}

func (m *Matcher) process(ctx context.Context, ev chain.TransferEvent) (Outcome, error) {
	if !chain.SameAddress(ev.To, m.address) || ev.Value <= 0 {
		return OutcomeIgnored, nil
	}
	fields := []zap.Field{zap.String("tx_ref", ev.TxRef), zap.Stringer("amount", ev.Value)}

	prior, err := m.store.IntentByTxRef(ctx, ev.TxRef)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("check tx ref %s: %w", ev.TxRef, err)
	}
	if prior != nil {
		m.log.Debug("transfer already settled", append(fields, zap.String("intent_id", prior.ID))...)
		return OutcomeDuplicate, nil
	}

	now := m.Now().UTC()
	intent, err := m.store.FindActiveByPayable(ctx, ev.Value, now)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("match amount %s: %w", ev.Value, err)
	}
	if intent == nil {
		m.log.Warn("no matching funding intent for transfer", append(fields, zap.String("from", ev.From))...)
		return OutcomeUnmatched, nil
	}
	fields = append(fields, zap.String("intent_id", intent.ID), zap.String("owner_id", intent.OwnerID))

	_, err = m.store.Settle(ctx, ledger.Settlement{
		IntentID:    intent.ID,
		TxRef:       ev.TxRef,
		Amount:      ev.Value,
		ConfirmedAt: now,
		Message:     funding.CreditMessage(ev.Value, intent.ID),
	})
	switch {
	case err == nil:
		m.log.Info("funding intent settled", fields...)
		return OutcomeSettled, nil
	case errors.Is(err, ledger.ErrTxRefSettled):
		return OutcomeDuplicate, nil
	case errors.Is(err, ledger.ErrIntentNotActive):
		// Expired or rejected between match and settlement.
		m.log.Warn("matched funding intent no longer active", append(fields, zap.Error(err))...)
		return OutcomeUnmatched, nil
	case errors.Is(err, ledger.ErrIntentNotFound), errors.Is(err, ledger.ErrOwnerNotFound):
		m.deadLetter(dlq.KindUnresolved, intent.ID, ev, err, fields)
		return OutcomeFailed, fmt.Errorf("%w: %w", ErrUnresolvedIntentOrOwner, err)
	default:
		m.deadLetter(dlq.KindCommitFailed, intent.ID, ev, err, fields)
		return OutcomeFailed, fmt.Errorf("%w: %w", ErrSettlementCommit, err)
	}
}

func (m *Matcher) deadLetter(kind dlq.Kind, intentID string, ev chain.TransferEvent, cause error, fields []zap.Field) {
	m.metrics.IncSettlementFailure(string(kind))
	m.log.Error("settlement failed", append(fields, zap.String("kind", string(kind)), zap.Error(cause))...)
	if m.dead == nil {
		return
	}
	if err := m.dead.Append(dlq.Record{
		Kind:     kind,
		IntentID: intentID,
		TxRef:    ev.TxRef,
		Amount:   ev.Value,
		Reason:   cause.Error(),
	}); err != nil {
		m.log.Error("dead-letter append failed", append(fields, zap.Error(err))...)
	}
}
