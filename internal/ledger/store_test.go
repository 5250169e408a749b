package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fundrails/internal/amount"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fixedAllocate returns the requested amount minus one unit per claimed slot
// that collides, mimicking a downward search.
func fixedAllocate(requested amount.Units) AllocateFunc {
	return func(claimed []amount.Units) (amount.Units, error) {
		taken := make(map[amount.Units]bool, len(claimed))
		for _, c := range claimed {
			taken[c] = true
		}
		for v := requested; v > requested-100; v-- {
			if !taken[v] {
				return v, nil
			}
		}
		return 0, errors.New("exhausted")
	}
}

func newIntent(id, owner string, requested string, created time.Time) NewIntent {
	return NewIntent{
		ID:                id,
		OwnerID:           owner,
		RequestedAmount:   amount.MustParse(requested),
		CollectionAddress: "0xcollect",
		CreatedAt:         created,
		ExpiresAt:         created.Add(10 * time.Minute),
	}
}

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	factories := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("POSTGRES_TEST_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store {
			ctx := context.Background()
			s, err := OpenPostgres(ctx, dsn)
			require.NoError(t, err)
			for _, table := range []string{"notifications", "funding_intents", "accounts", "scan_cursor"} {
				_, err := s.db.ExecContext(ctx, "TRUNCATE "+table)
				require.NoError(t, err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return factories
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestCreateIntentAvoidsActiveAmounts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, err := s.CreateIntent(ctx, newIntent("a", "owner-1", "50", t0), fixedAllocate(amount.MustParse("50")))
		require.NoError(t, err)
		b, err := s.CreateIntent(ctx, newIntent("b", "owner-2", "50", t0.Add(time.Second)), fixedAllocate(amount.MustParse("50")))
		require.NoError(t, err)

		assert.Equal(t, "50.00000000", a.PayableAmount.String())
		assert.Equal(t, "49.99999999", b.PayableAmount.String())
		assert.Equal(t, StatusPending, b.Status)

		acct, err := s.Account(ctx, "owner-2")
		require.NoError(t, err)
		require.NotNil(t, acct)
		assert.Equal(t, amount.Units(0), acct.AvailableBalance)
	})
}

func TestCreateIntentReusesExpiredAmounts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateIntent(ctx, newIntent("a", "owner-1", "10", t0), fixedAllocate(amount.MustParse("10")))
		require.NoError(t, err)

		later := t0.Add(11 * time.Minute)
		b, err := s.CreateIntent(ctx, newIntent("b", "owner-1", "10", later), fixedAllocate(amount.MustParse("10")))
		require.NoError(t, err)
		assert.Equal(t, "10.00000000", b.PayableAmount.String())
	})
}

func TestFindActiveByPayablePrefersEarliest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		same := func([]amount.Units) (amount.Units, error) { return amount.MustParse("25"), nil }
		_, err := s.CreateIntent(ctx, newIntent("late", "owner-1", "25", t0.Add(time.Minute)), same)
		require.NoError(t, err)
		_, err = s.CreateIntent(ctx, newIntent("early", "owner-2", "25", t0), same)
		require.NoError(t, err)

		found, err := s.FindActiveByPayable(ctx, amount.MustParse("25"), t0.Add(2*time.Minute))
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "early", found.ID)

		none, err := s.FindActiveByPayable(ctx, amount.MustParse("25"), t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}

func TestSettleCreditsAndNotifies(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateIntent(ctx, newIntent("a", "owner-1", "50", t0), fixedAllocate(amount.MustParse("50")))
		require.NoError(t, err)

		settled, err := s.Settle(ctx, Settlement{
			IntentID:    "a",
			TxRef:       "0xabc:0",
			Amount:      amount.MustParse("50"),
			ConfirmedAt: t0.Add(time.Minute),
			Message:     "funded 50",
		})
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmed, settled.Status)
		assert.Equal(t, "0xabc:0", settled.SettledTxRef)

		acct, err := s.Account(ctx, "owner-1")
		require.NoError(t, err)
		assert.Equal(t, "50.00000000", acct.AvailableBalance.String())

		notes, err := s.Notifications(ctx, "owner-1")
		require.NoError(t, err)
		require.Len(t, notes, 1)
		assert.Equal(t, "funded 50", notes[0].Message)

		byRef, err := s.IntentByTxRef(ctx, "0xabc:0")
		require.NoError(t, err)
		require.NotNil(t, byRef)
		assert.Equal(t, "a", byRef.ID)

		// The same transfer cannot settle a second intent.
		_, err = s.CreateIntent(ctx, newIntent("b", "owner-1", "50", t0.Add(2*time.Minute)), fixedAllocate(amount.MustParse("50")))
		require.NoError(t, err)
		_, err = s.Settle(ctx, Settlement{IntentID: "b", TxRef: "0xabc:0", Amount: amount.MustParse("50"), ConfirmedAt: t0.Add(3 * time.Minute)})
		assert.ErrorIs(t, err, ErrTxRefSettled)

		acct, err = s.Account(ctx, "owner-1")
		require.NoError(t, err)
		assert.Equal(t, "50.00000000", acct.AvailableBalance.String())
	})
}

func TestSettleRejectsInactiveIntent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateIntent(ctx, newIntent("a", "owner-1", "5", t0), fixedAllocate(amount.MustParse("5")))
		require.NoError(t, err)

		_, err = s.Settle(ctx, Settlement{IntentID: "a", TxRef: "t1", Amount: amount.MustParse("5"), ConfirmedAt: t0.Add(20 * time.Minute)})
		assert.ErrorIs(t, err, ErrIntentNotActive)

		n, err := s.ExpireDue(ctx, t0.Add(20*time.Minute))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = s.Settle(ctx, Settlement{IntentID: "a", TxRef: "t1", Amount: amount.MustParse("5"), ConfirmedAt: t0.Add(21 * time.Minute)})
		assert.ErrorIs(t, err, ErrIntentNotActive)

		// Operators may still resolve an expired intent by hand.
		settled, err := s.Settle(ctx, Settlement{IntentID: "a", TxRef: "t1", Amount: amount.MustParse("5"), ConfirmedAt: t0.Add(22 * time.Minute), AllowExpired: true})
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmed, settled.Status)

		_, err = s.Settle(ctx, Settlement{IntentID: "missing", TxRef: "t2", Amount: 1, ConfirmedAt: t0})
		assert.ErrorIs(t, err, ErrIntentNotFound)
	})
}

func TestRejectAndExpire(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateIntent(ctx, newIntent("a", "owner-1", "5", t0), fixedAllocate(amount.MustParse("5")))
		require.NoError(t, err)
		_, err = s.CreateIntent(ctx, newIntent("b", "owner-1", "6", t0), fixedAllocate(amount.MustParse("6")))
		require.NoError(t, err)

		require.NoError(t, s.RejectIntent(ctx, "a"))
		assert.ErrorIs(t, s.RejectIntent(ctx, "a"), ErrIntentNotActive)
		assert.ErrorIs(t, s.RejectIntent(ctx, "nope"), ErrIntentNotFound)

		// Exactly at expires_at the intent is not yet due.
		n, err := s.ExpireDue(ctx, t0.Add(10*time.Minute))
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)

		n, err = s.ExpireDue(ctx, t0.Add(10*time.Minute+time.Millisecond))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		n, err = s.ExpireDue(ctx, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)

		a, err := s.GetIntent(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, a.Status)
		b, err := s.GetIntent(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, b.Status)
	})
}

func TestCursorRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c, err := s.LoadCursor(ctx)
		require.NoError(t, err)
		assert.Nil(t, c)

		want := ScanCursor{LastProcessedTime: t0, LastProcessedHeight: 1200, LastSuccessAt: t0.Add(time.Second)}
		require.NoError(t, s.SaveCursor(ctx, want))
		want.LastProcessedHeight = 1300
		require.NoError(t, s.SaveCursor(ctx, want))

		got, err := s.LoadCursor(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, want.LastProcessedTime.Equal(got.LastProcessedTime))
		assert.Equal(t, uint64(1300), got.LastProcessedHeight)
		assert.True(t, want.LastSuccessAt.Equal(got.LastSuccessAt))
	})
}

func TestConcurrentCreateIntentsGetDistinctAmounts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const n = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			amounts = make(map[amount.Units]string)
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := string(rune('a' + i))
				it, err := s.CreateIntent(ctx, newIntent(id, "owner", "30", t0), fixedAllocate(amount.MustParse("30")))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				_, dup := amounts[*it.PayableAmount]
				assert.False(t, dup, "payable amount %s allocated twice", it.PayableAmount)
				amounts[*it.PayableAmount] = id
			}(i)
		}
		wg.Wait()
		assert.Len(t, amounts, n)
	})
}

func TestMemorySettleMissingOwner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.CreateIntent(ctx, newIntent("a", "owner-1", "5", t0), fixedAllocate(amount.MustParse("5")))
	require.NoError(t, err)
	s.RemoveAccount("owner-1")

	_, err = s.Settle(ctx, Settlement{IntentID: "a", TxRef: "t1", Amount: amount.MustParse("5"), ConfirmedAt: t0})
	assert.ErrorIs(t, err, ErrOwnerNotFound)

	it, err := s.GetIntent(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, it.Status)
}
