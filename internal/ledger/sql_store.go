package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fundrails/internal/amount"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore persists the ledger in PostgreSQL (through pgx) or SQLite.
// Amounts are stored as fixed 8-digit decimal strings and times as unix
// milliseconds so both engines compare them identically.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	pool    *pgxpool.Pool
}

// OpenPostgres connects to Postgres using the DSN and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := newSQLStore(stdlib.OpenDBFromPool(pool), postgresDialect)
	s.pool = pool
	if err := s.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens or creates a SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer; one connection also serializes allocation.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := newSQLStore(db, sqliteDialect)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Pool returns the underlying pgx pool, or nil for SQLite.
func (s *SQLStore) Pool() *pgxpool.Pool {
	return s.pool
}

const intentColumns = `id, owner_id, requested_amount, payable_amount, collection_address, status,
created_at, expires_at, settled_tx_ref, settled_amount, confirmed_at`

func (s *SQLStore) CreateIntent(ctx context.Context, in NewIntent, allocate AllocateFunc) (FundingIntent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FundingIntent{}, err
	}
	defer tx.Rollback()

	if s.dialect.lockAllocation != "" {
		if _, err := tx.ExecContext(ctx, s.dialect.lockAllocation); err != nil {
			return FundingIntent{}, fmt.Errorf("lock allocation: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, s.dialect.rebind(`
SELECT payable_amount FROM funding_intents
WHERE status = ? AND expires_at > ? AND payable_amount IS NOT NULL
`), string(StatusPending), toMillis(in.CreatedAt))
	if err != nil {
		return FundingIntent{}, fmt.Errorf("load active amounts: %w", err)
	}
	var claimed []amount.Units
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return FundingIntent{}, err
		}
		u, err := amount.Parse(raw)
		if err != nil {
			rows.Close()
			return FundingIntent{}, err
		}
		claimed = append(claimed, u)
	}
	if err := rows.Close(); err != nil {
		return FundingIntent{}, err
	}
	if err := rows.Err(); err != nil {
		return FundingIntent{}, err
	}

	payable, err := allocate(claimed)
	if err != nil {
		return FundingIntent{}, err
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO accounts (owner_id, available_balance, frozen_balance, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (owner_id) DO NOTHING
`), in.OwnerID, amount.Units(0).String(), amount.Units(0).String(), toMillis(in.CreatedAt)); err != nil {
		return FundingIntent{}, fmt.Errorf("ensure account: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO funding_intents (id, owner_id, requested_amount, payable_amount, collection_address, status, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`), in.ID, in.OwnerID, in.RequestedAmount.String(), payable.String(), in.CollectionAddress,
		string(StatusPending), toMillis(in.CreatedAt), toMillis(in.ExpiresAt)); err != nil {
		return FundingIntent{}, fmt.Errorf("insert intent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return FundingIntent{}, fmt.Errorf("commit intent: %w", err)
	}

	return FundingIntent{
		ID:                in.ID,
		OwnerID:           in.OwnerID,
		RequestedAmount:   in.RequestedAmount,
		PayableAmount:     &payable,
		CollectionAddress: in.CollectionAddress,
		Status:            StatusPending,
		CreatedAt:         fromMillis(toMillis(in.CreatedAt)),
		ExpiresAt:         fromMillis(toMillis(in.ExpiresAt)),
	}, nil
}

func (s *SQLStore) GetIntent(ctx context.Context, id string) (FundingIntent, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+intentColumns+` FROM funding_intents WHERE id = ?`), id)
	it, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FundingIntent{}, ErrIntentNotFound
	}
	return it, err
}

func (s *SQLStore) IntentByTxRef(ctx context.Context, txRef string) (*FundingIntent, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+intentColumns+` FROM funding_intents WHERE settled_tx_ref = ?`), txRef)
	it, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *SQLStore) FindActiveByPayable(ctx context.Context, payable amount.Units, now time.Time) (*FundingIntent, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
SELECT `+intentColumns+` FROM funding_intents
WHERE status = ? AND payable_amount = ? AND expires_at > ?
ORDER BY created_at ASC, id ASC
LIMIT 1
`), string(StatusPending), payable.String(), toMillis(now))
	it, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *SQLStore) Settle(ctx context.Context, st Settlement) (FundingIntent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FundingIntent{}, fmt.Errorf("begin settlement: %w", err)
	}
	defer tx.Rollback()

	it, err := scanIntent(tx.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+intentColumns+` FROM funding_intents WHERE id = ?`+s.dialect.forUpdate), st.IntentID))
	if errors.Is(err, sql.ErrNoRows) {
		return FundingIntent{}, ErrIntentNotFound
	}
	if err != nil {
		return FundingIntent{}, fmt.Errorf("load intent: %w", err)
	}

	var seen int
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT 1 FROM funding_intents WHERE settled_tx_ref = ?`), st.TxRef).Scan(&seen)
	switch {
	case err == nil:
		return FundingIntent{}, ErrTxRefSettled
	case !errors.Is(err, sql.ErrNoRows):
		return FundingIntent{}, fmt.Errorf("check tx ref: %w", err)
	}

	if err := checkSettleable(it, st); err != nil {
		return FundingIntent{}, err
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`
UPDATE funding_intents
SET status = ?, settled_tx_ref = ?, settled_amount = ?, confirmed_at = ?
WHERE id = ?
`), string(StatusConfirmed), st.TxRef, st.Amount.String(), toMillis(st.ConfirmedAt), it.ID); err != nil {
		if isUniqueViolation(err) {
			return FundingIntent{}, ErrTxRefSettled
		}
		return FundingIntent{}, fmt.Errorf("confirm intent: %w", err)
	}

	var rawBalance string
	err = tx.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT available_balance FROM accounts WHERE owner_id = ?`+s.dialect.forUpdate), it.OwnerID).Scan(&rawBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return FundingIntent{}, ErrOwnerNotFound
	}
	if err != nil {
		return FundingIntent{}, fmt.Errorf("load account: %w", err)
	}
	current, err := amount.Parse(rawBalance)
	if err != nil {
		return FundingIntent{}, fmt.Errorf("account %s balance: %w", it.OwnerID, err)
	}
	balance, err := current.Add(st.Amount)
	if err != nil {
		return FundingIntent{}, err
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`
UPDATE accounts SET available_balance = ?, updated_at = ? WHERE owner_id = ?
`), balance.String(), toMillis(st.ConfirmedAt), it.OwnerID); err != nil {
		return FundingIntent{}, fmt.Errorf("credit account: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO notifications (owner_id, message, created_at) VALUES (?, ?, ?)
`), it.OwnerID, st.Message, toMillis(st.ConfirmedAt)); err != nil {
		return FundingIntent{}, fmt.Errorf("queue notification: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return FundingIntent{}, fmt.Errorf("commit settlement: %w", err)
	}

	settled := st.Amount
	confirmedAt := fromMillis(toMillis(st.ConfirmedAt))
	it.Status = StatusConfirmed
	it.SettledTxRef = st.TxRef
	it.SettledAmount = &settled
	it.ConfirmedAt = &confirmedAt
	return it, nil
}

func (s *SQLStore) RejectIntent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
UPDATE funding_intents SET status = ? WHERE id = ? AND status = ?
`), string(StatusRejected), id, string(StatusPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	it, err := s.GetIntent(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: status %s", ErrIntentNotActive, it.Status)
}

func (s *SQLStore) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
UPDATE funding_intents SET status = ? WHERE status = ? AND expires_at < ?
`), string(StatusExpired), string(StatusPending), toMillis(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) Account(ctx context.Context, ownerID string) (*Account, error) {
	var (
		acct              Account
		available, frozen string
		updatedAt         int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
SELECT owner_id, available_balance, frozen_balance, updated_at FROM accounts WHERE owner_id = ?
`), ownerID).Scan(&acct.OwnerID, &available, &frozen, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if acct.AvailableBalance, err = amount.Parse(available); err != nil {
		return nil, err
	}
	if acct.FrozenBalance, err = amount.Parse(frozen); err != nil {
		return nil, err
	}
	acct.UpdatedAt = fromMillis(updatedAt)
	return &acct, nil
}

func (s *SQLStore) Notifications(ctx context.Context, ownerID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
SELECT id, owner_id, message, created_at FROM notifications WHERE owner_id = ? ORDER BY id ASC
`), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var (
			n  Notification
			at int64
		)
		if err := rows.Scan(&n.ID, &n.OwnerID, &n.Message, &at); err != nil {
			return nil, err
		}
		n.CreatedAt = fromMillis(at)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLStore) LoadCursor(ctx context.Context) (*ScanCursor, error) {
	var t, h, ok int64
	err := s.db.QueryRowContext(ctx, `
SELECT last_processed_time, last_processed_height, last_success_at FROM scan_cursor WHERE id = 1
`).Scan(&t, &h, &ok)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c := ScanCursor{
		LastProcessedTime:   fromMillis(t),
		LastProcessedHeight: uint64(h),
	}
	if ok != 0 {
		c.LastSuccessAt = fromMillis(ok)
	}
	return &c, nil
}

func (s *SQLStore) SaveCursor(ctx context.Context, c ScanCursor) error {
	var okAt int64
	if !c.LastSuccessAt.IsZero() {
		okAt = toMillis(c.LastSuccessAt)
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO scan_cursor (id, last_processed_time, last_processed_height, last_success_at)
VALUES (1, ?, ?, ?)
ON CONFLICT (id) DO UPDATE
SET last_processed_time = EXCLUDED.last_processed_time,
    last_processed_height = EXCLUDED.last_processed_height,
    last_success_at = EXCLUDED.last_success_at
`), toMillis(c.LastProcessedTime), int64(c.LastProcessedHeight), okAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (FundingIntent, error) {
	var (
		it                         FundingIntent
		requested, status          string
		payable, txRef, settledAmt sql.NullString
		createdAt, expiresAt       int64
		confirmedAt                sql.NullInt64
	)
	if err := row.Scan(&it.ID, &it.OwnerID, &requested, &payable, &it.CollectionAddress, &status,
		&createdAt, &expiresAt, &txRef, &settledAmt, &confirmedAt); err != nil {
		return FundingIntent{}, err
	}

	var err error
	if it.RequestedAmount, err = amount.Parse(requested); err != nil {
		return FundingIntent{}, err
	}
	if payable.Valid {
		u, err := amount.Parse(payable.String)
		if err != nil {
			return FundingIntent{}, err
		}
		it.PayableAmount = &u
	}
	if settledAmt.Valid {
		u, err := amount.Parse(settledAmt.String)
		if err != nil {
			return FundingIntent{}, err
		}
		it.SettledAmount = &u
	}
	if confirmedAt.Valid {
		at := fromMillis(confirmedAt.Int64)
		it.ConfirmedAt = &at
	}
	it.Status = IntentStatus(status)
	it.SettledTxRef = txRef.String
	it.CreatedAt = fromMillis(createdAt)
	it.ExpiresAt = fromMillis(expiresAt)
	return it, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
