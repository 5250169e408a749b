package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"fundrails/internal/amount"
	"fundrails/internal/chain"
	"fundrails/internal/dlq"
	"fundrails/internal/funding"
	"fundrails/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const collectAddr = "0x00000000000000000000000000000000000000Cc"

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	now     time.Time
	store   *ledger.MemoryStore
	ledger  ledger.Store
	source  *chain.FakeSource
	src     chain.Source
	dead    *dlq.Log
	funding *funding.Service
	scanner *Scanner
	seq     int
}

func newHarness(t *testing.T, mutate func(*ScannerConfig)) *harness {
	t.Helper()
	h := &harness{t: t, now: t0, store: ledger.NewMemoryStore()}
	h.ledger = h.store
	h.source = chain.NewFakeSource(chain.Head{Height: 1000, Time: t0.Add(time.Minute)})
	h.dead = dlq.New(t.TempDir())
	h.build(mutate)
	return h
}

func (h *harness) build(mutate func(*ScannerConfig)) {
	log := zaptest.NewLogger(h.t)
	svc, err := funding.NewService(h.ledger, funding.Config{
		Allocator:         funding.DefaultAllocatorConfig(),
		IntentTTL:         10 * time.Minute,
		CollectionAddress: collectAddr,
	}, log, nil)
	require.NoError(h.t, err)
	svc.Now = h.clock
	h.funding = svc

	matcher := NewMatcher(h.ledger, h.dead, collectAddr, log, nil)
	matcher.Now = h.clock

	cfg := DefaultScannerConfig()
	cfg.CollectionAddress = collectAddr
	if mutate != nil {
		mutate(&cfg)
	}
	var src chain.Source = h.source
	if h.src != nil {
		src = h.src
	}
	sc, err := NewScanner(src, h.ledger, matcher, h.dead, cfg, log, nil)
	require.NoError(h.t, err)
	sc.Now = h.clock
	h.scanner = sc
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) intent(owner, requested string) funding.Receipt {
	h.t.Helper()
	r, err := h.funding.CreateFundingIntent(context.Background(), owner, amount.MustParse(requested))
	require.NoError(h.t, err)
	return r
}

func (h *harness) transfer(value amount.Units, at time.Time) chain.TransferEvent {
	h.seq++
	ev := chain.TransferEvent{
		TxRef:  fmt.Sprintf("0x%04x:0", h.seq),
		From:   "0xsender",
		To:     "0x00000000000000000000000000000000000000cc",
		Value:  value,
		Time:   at,
		Height: 990 + uint64(h.seq),
	}
	h.source.Push(ev)
	return ev
}

func (h *harness) balance(owner string) string {
	h.t.Helper()
	acct, err := h.store.Account(context.Background(), owner)
	require.NoError(h.t, err)
	require.NotNil(h.t, acct)
	return acct.AvailableBalance.String()
}

func (h *harness) cursor() *ledger.ScanCursor {
	h.t.Helper()
	c, err := h.store.LoadCursor(context.Background())
	require.NoError(h.t, err)
	return c
}

func TestTickSeedsCursorAndSettles(t *testing.T) {
	h := newHarness(t, nil)
	r := h.intent("alice", "50")
	h.transfer(r.PayableAmount, t0.Add(30*time.Second))

	report, err := h.scanner.RunScanTick(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Seeded)
	assert.True(t, t0.Add(-time.Minute).Equal(report.WindowStart))
	assert.Equal(t, 1, report.Outcomes[OutcomeSettled])
	assert.True(t, report.Advanced)

	c := h.cursor()
	require.NotNil(t, c)
	assert.True(t, t0.Add(time.Minute).Equal(c.LastProcessedTime))
	assert.Equal(t, uint64(1000), c.LastProcessedHeight)
	assert.True(t, t0.Equal(c.LastSuccessAt))

	assert.Equal(t, "50.00000000", h.balance("alice"))
	it, err := h.store.GetIntent(context.Background(), r.IntentID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, it.Status)
	notes, err := h.store.Notifications(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestSeedHeightLag(t *testing.T) {
	h := newHarness(t, nil)
	h.source.SetHead(chain.Head{Height: 25, Time: t0})
	report, err := h.scanner.RunScanTick(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Seeded)
	assert.True(t, report.Advanced)

	h2 := newHarness(t, func(c *ScannerConfig) { c.Lookback = 0 })
	require.NoError(t, h2.store.SaveCursor(context.Background(), ledger.ScanCursor{}))
	_, err = h2.scanner.RunScanTick(context.Background())
	require.NoError(t, err)
}

func TestRescanIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	r := h.intent("alice", "50")
	h.transfer(r.PayableAmount, t0.Add(30*time.Second))

	_, err := h.scanner.RunScanTick(context.Background())
	require.NoError(t, err)

	// Rewind the cursor so the same transfer is delivered again.
	require.NoError(t, h.store.SaveCursor(context.Background(), ledger.ScanCursor{LastProcessedTime: t0, LastProcessedHeight: 900}))
	h.intent("bob", "50")

	report, err := h.scanner.RunScanTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeDuplicate])
	assert.Zero(t, report.Outcomes[OutcomeSettled])
	assert.Equal(t, "50.00000000", h.balance("alice"))
	assert.Equal(t, "0.00000000", h.balance("bob"))
}

func TestZeroEventsAdvance(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.scanner.RunScanTick(context.Background())
	require.NoError(t, err)

	h.source.SetHead(chain.Head{Height: 1010, Time: t0.Add(2 * time.Minute)})
	report, err := h.scanner.RunScanTick(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Seeded)
	assert.Zero(t, report.Events)
	assert.True(t, report.Advanced)
	assert.Equal(t, uint64(1010), h.cursor().LastProcessedHeight)
}

func TestEmptyWindowIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.scanner.RunScanTick(context.Background())
	require.NoError(t, err)
	before := h.cursor()

	report, err := h.scanner.RunScanTick(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Advanced)
	assert.Equal(t, 1, h.source.EventsCalls)
	assert.Equal(t, before, h.cursor())
}

func TestFailedEventHoldsWholeWindow(t *testing.T) {
	h := newHarness(t, nil)
	ok := h.intent("alice", "40")
	lost := h.intent("bob", "45")
	h.store.RemoveAccount("bob")
	h.transfer(ok.PayableAmount, t0.Add(10*time.Second))
	h.transfer(lost.PayableAmount, t0.Add(20*time.Second))

	// Seed explicitly so the held cursor can be compared.
	seed := ledger.ScanCursor{LastProcessedTime: t0.Add(-time.Minute), LastProcessedHeight: 960}
	require.NoError(t, h.store.SaveCursor(context.Background(), seed))

	report, err := h.scanner.RunScanTick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWindowHeld)
	assert.ErrorIs(t, err, ErrUnresolvedIntentOrOwner)
	assert.False(t, report.Advanced)
	assert.Equal(t, 1, report.Outcomes[OutcomeSettled])
	assert.Equal(t, 1, report.Outcomes[OutcomeFailed])
	assert.Equal(t, &seed, h.cursor())

	recs, err := h.dead.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, dlq.KindUnresolved, recs[0].Kind)
	assert.Equal(t, lost.IntentID, recs[0].IntentID)

	// The retry re-delivers the settled event as a duplicate and still holds.
	report, err = h.scanner.RunScanTick(context.Background())
	assert.ErrorIs(t, err, ErrWindowHeld)
	assert.Equal(t, 1, report.Outcomes[OutcomeDuplicate])
	assert.Equal(t, "40.00000000", h.balance("alice"))

	// Held retries do not pile up dead letters for the same transfer.
	for i := 0; i < 3; i++ {
		_, err = h.scanner.RunScanTick(context.Background())
		assert.ErrorIs(t, err, ErrWindowHeld)
	}
	depth, err := h.dead.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

type failingSettleStore struct {
	ledger.Store
	err error
}

func (s failingSettleStore) Settle(context.Context, ledger.Settlement) (ledger.FundingIntent, error) {
	return ledger.FundingIntent{}, s.err
}

func TestCommitFailureIsDeadLettered(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger = failingSettleStore{Store: h.store, err: errors.New("connection reset")}
	h.build(nil)

	r := h.intent("alice", "33")
	h.transfer(r.PayableAmount, t0.Add(5*time.Second))

	_, err := h.scanner.RunScanTick(context.Background())
	assert.ErrorIs(t, err, ErrWindowHeld)
	assert.ErrorIs(t, err, ErrSettlementCommit)

	recs, err := h.dead.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, dlq.KindCommitFailed, recs[0].Kind)
	assert.Equal(t, "33.00000000", recs[0].Amount.String())
	assert.Equal(t, "0.00000000", h.balance("alice"))
}

func TestSourceFailuresAbortTick(t *testing.T) {
	h := newHarness(t, nil)
	h.source.FailHead(errors.New("rpc timeout"))

	_, err := h.scanner.RunScanTick(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Nil(t, h.cursor())

	h.source.FailEvents(errors.New("rate limited"))
	report, err := h.scanner.RunScanTick(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.True(t, report.Seeded)
	c := h.cursor()
	require.NotNil(t, c)
	assert.Equal(t, uint64(960), c.LastProcessedHeight)
	assert.True(t, c.LastSuccessAt.IsZero())
}

func TestExpiredIntentNeverMatches(t *testing.T) {
	h := newHarness(t, nil)
	r := h.intent("alice", "60")
	h.now = t0.Add(11 * time.Minute)
	h.source.SetHead(chain.Head{Height: 1100, Time: t0.Add(12 * time.Minute)})
	h.transfer(r.PayableAmount, t0.Add(11*time.Minute))
	require.NoError(t, h.store.SaveCursor(context.Background(), ledger.ScanCursor{LastProcessedTime: t0, LastProcessedHeight: 900}))

	report, err := h.scanner.RunScanTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeUnmatched])
	assert.True(t, report.Advanced)
	assert.Equal(t, "0.00000000", h.balance("alice"))
}

func TestForeignRecipientIgnored(t *testing.T) {
	h := newHarness(t, nil)
	r := h.intent("alice", "70")
	ev := h.transfer(r.PayableAmount, t0.Add(time.Second))
	ev.TxRef = "0xother:1"
	ev.To = "0x00000000000000000000000000000000000000dd"
	h.source.Push(ev)

	report, err := h.scanner.RunScanTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeIgnored])
	assert.Equal(t, 1, report.Outcomes[OutcomeSettled])
}

func TestAmountDisambiguation(t *testing.T) {
	h := newHarness(t, nil)
	first := h.intent("alice", "50")
	second := h.intent("bob", "50")
	third := h.intent("carol", "50")
	require.Equal(t, "49.99999998", third.PayableAmount.String())

	h.transfer(third.PayableAmount, t0.Add(time.Second))
	h.transfer(first.PayableAmount, t0.Add(2*time.Second))

	_, err := h.scanner.RunScanTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "50.00000000", h.balance("alice"))
	assert.Equal(t, "0.00000000", h.balance("bob"))
	assert.Equal(t, "49.99999998", h.balance("carol"))

	it, err := h.store.GetIntent(context.Background(), second.IntentID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, it.Status)
}

func TestTruncatedWindowAdvancesToLastEvent(t *testing.T) {
	h := newHarness(t, func(c *ScannerConfig) {
		c.PageSize = 2
		c.MaxPages = 1
	})
	a := h.intent("alice", "31")
	b := h.intent("bob", "32")
	c := h.intent("carol", "33")
	h.transfer(a.PayableAmount, t0.Add(10*time.Second))
	evB := h.transfer(b.PayableAmount, t0.Add(20*time.Second))
	h.transfer(c.PayableAmount, t0.Add(30*time.Second))

	report, err := h.scanner.RunScanTick(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Truncated)
	assert.Equal(t, 2, report.Outcomes[OutcomeSettled])
	cur := h.cursor()
	assert.True(t, evB.Time.Equal(cur.LastProcessedTime))
	assert.Equal(t, evB.Height, cur.LastProcessedHeight)

	report, err = h.scanner.RunScanTick(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Truncated)
	assert.Equal(t, 1, report.Outcomes[OutcomeDuplicate])
	assert.Equal(t, 1, report.Outcomes[OutcomeSettled])
	assert.Equal(t, uint64(1000), h.cursor().LastProcessedHeight)
	assert.Equal(t, "33.00000000", h.balance("carol"))
}

// spanSource serves fixed block spans like a log-filtering RPC source: one
// second per block, and a checkpoint at the end of every span.
type spanSource struct {
	head   uint64
	span   uint64
	events []chain.TransferEvent
	calls  int
}

func (s *spanSource) blockTime(h uint64) time.Time { return t0.Add(time.Duration(h) * time.Second) }

func (s *spanSource) GetChainHead(context.Context) (chain.Head, error) {
	return chain.Head{Height: s.head, Time: s.blockTime(s.head)}, nil
}

func (s *spanSource) GetTransferEvents(_ context.Context, _ string, q chain.Query) (chain.Page, error) {
	s.calls++
	from := q.FromHeight
	if q.PageToken != "" {
		if _, err := fmt.Sscanf(q.PageToken, "%d", &from); err != nil {
			return chain.Page{}, err
		}
	}
	to := min(from+s.span-1, q.ToHeight)
	var page chain.Page
	for _, ev := range s.events {
		if ev.Height >= from && ev.Height <= to && !ev.Time.Before(q.MinTime) && !ev.Time.After(q.MaxTime) {
			page.Events = append(page.Events, ev)
		}
	}
	page.Checkpoint = &chain.Checkpoint{Height: to, Time: s.blockTime(to)}
	if to < q.ToHeight {
		page.NextPageToken = fmt.Sprint(to + 1)
	}
	return page, nil
}

func TestTruncatedEmptyWindowAdvancesToCheckpoint(t *testing.T) {
	mutate := func(c *ScannerConfig) { c.MaxPages = 5 }
	h := newHarness(t, mutate)
	src := &spanSource{head: 300, span: 10}
	h.src = src
	h.build(mutate)

	r := h.intent("alice", "25")
	src.events = []chain.TransferEvent{{
		TxRef:  "0xfeed:0",
		From:   "0xsender",
		To:     collectAddr,
		Value:  r.PayableAmount,
		Time:   src.blockTime(120),
		Height: 120,
	}}
	ctx := context.Background()
	require.NoError(t, h.store.SaveCursor(ctx, ledger.ScanCursor{LastProcessedTime: src.blockTime(0)}))

	report, err := h.scanner.RunScanTick(ctx)
	require.NoError(t, err)
	assert.True(t, report.Truncated)
	assert.True(t, report.Advanced)
	assert.Zero(t, report.Events)
	assert.Equal(t, uint64(49), h.cursor().LastProcessedHeight)
	assert.True(t, src.blockTime(49).Equal(h.cursor().LastProcessedTime))

	report, err = h.scanner.RunScanTick(ctx)
	require.NoError(t, err)
	assert.True(t, report.Advanced)
	assert.Equal(t, uint64(98), h.cursor().LastProcessedHeight)

	report, err = h.scanner.RunScanTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeSettled])
	assert.Equal(t, uint64(147), h.cursor().LastProcessedHeight)
	assert.Equal(t, "25.00000000", h.balance("alice"))
	assert.Equal(t, 15, src.calls)
}

func TestQuarantineReleasesWindow(t *testing.T) {
	h := newHarness(t, func(c *ScannerConfig) { c.QuarantineAfter = 2 })
	r := h.intent("bob", "45")
	h.store.RemoveAccount("bob")
	h.transfer(r.PayableAmount, t0.Add(time.Second))

	_, err := h.scanner.RunScanTick(context.Background())
	assert.ErrorIs(t, err, ErrWindowHeld)

	report, err := h.scanner.RunScanTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeQuarantined])
	assert.True(t, report.Advanced)

	recs, err := h.dead.List()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, dlq.KindUnresolved, recs[0].Kind)
	assert.Equal(t, dlq.KindQuarantined, recs[1].Kind)
}

func TestNewScannerValidates(t *testing.T) {
	_, err := NewScanner(nil, nil, nil, nil, ScannerConfig{PageSize: 1, MaxPages: 1}, nil, nil)
	assert.Error(t, err)
	_, err = NewScanner(nil, nil, nil, nil, ScannerConfig{CollectionAddress: "x"}, nil, nil)
	assert.Error(t, err)
}
