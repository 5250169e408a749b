package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"fundrails/internal/amount"
	"fundrails/internal/funding"
	"fundrails/internal/idempotency"
	"fundrails/internal/ledger"
	"fundrails/internal/logger"

	"go.uber.org/zap"
)

const idempotencyHeader = "X-Idempotency-Key"

// retryAfterSeconds is advertised when every candidate amount is taken.
const retryAfterSeconds = "5"

type createIntentRequest struct {
	OwnerID string `json:"ownerId"`
	Amount  string `json:"amount"`
}

type resolveIntentRequest struct {
	TxRef  string `json:"txRef"`
	Amount string `json:"amount"`
}

type intentView struct {
	ID                string        `json:"intentId"`
	OwnerID           string        `json:"ownerId"`
	RequestedAmount   amount.Units  `json:"requestedAmount"`
	PayableAmount     *amount.Units `json:"payableAmount,omitempty"`
	CollectionAddress string        `json:"collectionAddress"`
	Status            string        `json:"status"`
	CreatedAt         time.Time     `json:"createdAt"`
	ExpiresAt         time.Time     `json:"expiresAt"`
	SettledTxRef      string        `json:"settledTxRef,omitempty"`
	SettledAmount     *amount.Units `json:"settledAmount,omitempty"`
	ConfirmedAt       *time.Time    `json:"confirmedAt,omitempty"`
}

func newIntentView(it ledger.FundingIntent) intentView {
	return intentView{
		ID:                it.ID,
		OwnerID:           it.OwnerID,
		RequestedAmount:   it.RequestedAmount,
		PayableAmount:     it.PayableAmount,
		CollectionAddress: it.CollectionAddress,
		Status:            string(it.Status),
		CreatedAt:         it.CreatedAt,
		ExpiresAt:         it.ExpiresAt,
		SettledTxRef:      it.SettledTxRef,
		SettledAmount:     it.SettledAmount,
		ConfirmedAt:       it.ConfirmedAt,
	}
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing X-Idempotency-Key header"))
		return
	}

	ctx := r.Context()
	log := logger.FromContext(ctx, s.log)

	var payload createIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json payload"))
		return
	}
	if strings.TrimSpace(payload.OwnerID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("ownerId is required"))
		return
	}
	requested, err := amount.Parse(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Keys are scoped per owner so two callers cannot replay each other.
	scoped := payload.OwnerID + ":" + key
	existing, err := s.deps.Idempotency.Get(ctx, scoped)
	if err != nil {
		log.Warn("idempotency lookup failed", zap.Error(err))
	}
	if existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.IncIntent("cached")
		return
	}

	receipt, err := s.deps.Funding.CreateFundingIntent(ctx, payload.OwnerID, requested)
	switch {
	case errors.Is(err, funding.ErrAmountOutOfRange):
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	case errors.Is(err, funding.ErrAllocationExhausted):
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		log.Error("create funding intent failed", zap.String("owner_id", payload.OwnerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("failed to create funding intent"))
		return
	}

	body, _ := json.Marshal(receipt)
	now := s.Now()
	record := idempotency.Record{
		StatusCode: http.StatusCreated,
		Response:   body,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.IdempotencyWindow),
	}
	if err := s.deps.Idempotency.Save(ctx, scoped, record); err != nil {
		log.Warn("idempotency save failed", zap.String("intent_id", receipt.IntentID), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	it, err := s.deps.Ledger.GetIntent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, ledgerStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newIntentView(it))
}

func (s *Server) handleRejectIntent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Funding.Reject(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, ledgerStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolveIntent(w http.ResponseWriter, r *http.Request) {
	var payload resolveIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json payload"))
		return
	}
	if strings.TrimSpace(payload.TxRef) == "" {
		writeError(w, http.StatusBadRequest, errors.New("txRef is required"))
		return
	}
	paid, err := amount.Parse(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	it, err := s.deps.Funding.ResolveManually(r.Context(), r.PathValue("id"), payload.TxRef, paid)
	switch {
	case errors.Is(err, amount.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, ledgerStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newIntentView(it))
}
