// Package chain reads token transfers to the collection address from a
// blockchain, either through an Ethereum JSON-RPC node or a scripted fake.
package chain

import (
	"context"
	"strings"
	"time"

	"fundrails/internal/amount"
)

// Head is the newest block the source considers final.
type Head struct {
	Height uint64
	Time   time.Time
}

// TransferEvent is one observed token transfer. TxRef is unique per transfer,
// not per transaction.
type TransferEvent struct {
	TxRef  string
	From   string
	To     string
	Value  amount.Units
	Time   time.Time
	Height uint64
}

// Query selects transfers in a closed time window. Heights are hints that
// block-indexed sources use to bound their search.
type Query struct {
	MinTime    time.Time
	MaxTime    time.Time
	FromHeight uint64
	ToHeight   uint64
	PageToken  string
	PageSize   int
}

// Page is one slice of a query result. An empty NextPageToken ends the query.
// Checkpoint, when set, is the newest point through which every matching
// transfer has been returned by this page or earlier ones.
type Page struct {
	Events        []TransferEvent
	NextPageToken string
	Checkpoint    *Checkpoint
}

// Checkpoint marks a fully scanned prefix of the chain.
type Checkpoint struct {
	Height uint64
	Time   time.Time
}

// Source abstracts the chain data provider.
type Source interface {
	GetChainHead(ctx context.Context) (Head, error)
	GetTransferEvents(ctx context.Context, collectionAddress string, q Query) (Page, error)
}

// HealthChecker is implemented by sources that can cheaply check their backend.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// SameAddress compares two hex addresses ignoring case and surrounding space.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
