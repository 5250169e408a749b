package ledger

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// advisoryLockKey serializes payable amount allocation across connections.
const advisoryLockKey = 7_306_551_204

type dialect struct {
	name      string
	schema    []string
	forUpdate string
	// lockAllocation is executed first in every CreateIntent transaction.
	lockAllocation string
	numbered       bool
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: commonSchema(
		`CREATE TABLE IF NOT EXISTS notifications (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at BIGINT NOT NULL
)`),
}

var postgresDialect = dialect{
	name: "postgres",
	schema: commonSchema(
		`CREATE TABLE IF NOT EXISTS notifications (
    id BIGSERIAL PRIMARY KEY,
    owner_id TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at BIGINT NOT NULL
)`),
	forUpdate:      " FOR UPDATE",
	lockAllocation: "SELECT pg_advisory_xact_lock(" + strconv.Itoa(advisoryLockKey) + ")",
	numbered:       true,
}

func commonSchema(notifications string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
    owner_id TEXT PRIMARY KEY,
    available_balance TEXT NOT NULL DEFAULT '0.00000000',
    frozen_balance TEXT NOT NULL DEFAULT '0.00000000',
    updated_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS funding_intents (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    requested_amount TEXT NOT NULL,
    payable_amount TEXT,
    collection_address TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    expires_at BIGINT NOT NULL,
    settled_tx_ref TEXT UNIQUE,
    settled_amount TEXT,
    confirmed_at BIGINT
)`,
		`CREATE INDEX IF NOT EXISTS funding_intents_active_idx
    ON funding_intents (status, payable_amount, expires_at)`,
		notifications,
		`CREATE INDEX IF NOT EXISTS notifications_owner_idx ON notifications (owner_id)`,
		`CREATE TABLE IF NOT EXISTS scan_cursor (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    last_processed_time BIGINT NOT NULL,
    last_processed_height BIGINT NOT NULL,
    last_success_at BIGINT NOT NULL
)`,
	}
}

// rebind rewrites ? placeholders into $n for drivers that need numbered ones.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
