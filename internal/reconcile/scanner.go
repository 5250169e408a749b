package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fundrails/internal/chain"
	"fundrails/internal/dlq"
	"fundrails/internal/ledger"
	"fundrails/internal/metrics"

	"go.uber.org/zap"
)

type ScannerConfig struct {
	CollectionAddress string
	Lookback          time.Duration
	SeedHeightLag     uint64
	PageSize          int
	MaxPages          int
	// QuarantineAfter parks an event in the dead-letter log once it has
	// failed this many consecutive ticks. Zero disables quarantine.
	QuarantineAfter int
}

func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		Lookback:      2 * time.Minute,
		SeedHeightLag: 40,
		PageSize:      200,
		MaxPages:      50,
	}
}

// TickReport summarizes one scan tick.
type TickReport struct {
	Seeded      bool              `json:"seeded"`
	WindowStart time.Time         `json:"windowStart"`
	WindowEnd   time.Time         `json:"windowEnd"`
	Pages       int               `json:"pages"`
	Events      int               `json:"events"`
	Outcomes    map[Outcome]int   `json:"outcomes"`
	Truncated   bool              `json:"truncated"`
	Advanced    bool              `json:"advanced"`
	Cursor      ledger.ScanCursor `json:"cursor"`
}

type Scanner struct {
	source  chain.Source
	store   ledger.Store
	matcher *Matcher
	dead    DeadLetters
	cfg     ScannerConfig
	log     *zap.Logger
	metrics *metrics.Registry

	Now func() time.Time

	mu          sync.Mutex
	failures    map[string]int
	quarantined map[string]struct{}
}

func NewScanner(source chain.Source, store ledger.Store, matcher *Matcher, dead DeadLetters, cfg ScannerConfig, log *zap.Logger, m *metrics.Registry) (*Scanner, error) {
	if cfg.CollectionAddress == "" {
		return nil, errors.New("scanner: collection address is required")
	}
	if cfg.PageSize <= 0 || cfg.MaxPages <= 0 {
		return nil, errors.New("scanner: page size and max pages must be positive")
	}
	if cfg.Lookback < 0 || cfg.QuarantineAfter < 0 {
		return nil, errors.New("scanner: lookback and quarantine threshold must not be negative")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{
		source:      source,
		store:       store,
		matcher:     matcher,
		dead:        dead,
		cfg:         cfg,
		log:         log.Named("scanner"),
		metrics:     m,
		Now:         time.Now,
		failures:    make(map[string]int),
		quarantined: make(map[string]struct{}),
	}, nil
}

// RunScanTick reconciles the window between the cursor and the chain head.
// The cursor moves only when every event in the window succeeded.
func (s *Scanner) RunScanTick(ctx context.Context) (TickReport, error) {
	report := TickReport{Outcomes: make(map[Outcome]int)}

	head, err := s.source.GetChainHead(ctx)
	if err != nil {
		s.metrics.IncScanTick("source_unavailable")
		return report, fmt.Errorf("%w: chain head: %w", ErrSourceUnavailable, err)
	}

	cursor, err := s.store.LoadCursor(ctx)
	if err != nil {
		s.metrics.IncScanTick("error")
		return report, fmt.Errorf("load cursor: %w", err)
	}
	if cursor == nil {
		seed := ledger.ScanCursor{LastProcessedTime: head.Time.Add(-s.cfg.Lookback)}
		if head.Height > s.cfg.SeedHeightLag {
			seed.LastProcessedHeight = head.Height - s.cfg.SeedHeightLag
		}
		if err := s.store.SaveCursor(ctx, seed); err != nil {
			s.metrics.IncScanTick("error")
			return report, fmt.Errorf("seed cursor: %w", err)
		}
		s.log.Info("scan cursor seeded",
			zap.Time("window_start", seed.LastProcessedTime), zap.Uint64("height", seed.LastProcessedHeight))
		cursor = &seed
		report.Seeded = true
	}
	report.Cursor = *cursor
	report.WindowStart = cursor.LastProcessedTime
	report.WindowEnd = head.Time

	if !head.Time.After(cursor.LastProcessedTime) {
		s.metrics.IncScanTick("empty_window")
		return report, nil
	}

	res, err := s.fetch(ctx, *cursor, head)
	report.Pages = res.pages
	if err != nil {
		s.metrics.IncScanTick("source_unavailable")
		return report, err
	}
	events, truncated := res.events, res.truncated
	report.Events = len(events)
	report.Truncated = truncated

	var (
		failed   int
		firstErr error
	)
	for _, ev := range events {
		outcome, err := s.processEvent(ctx, ev)
		report.Outcomes[outcome]++
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			s.log.Error("transfer event failed", zap.String("tx_ref", ev.TxRef), zap.Error(err))
		}
	}

	windowFields := []zap.Field{
		zap.Time("window_start", report.WindowStart),
		zap.Time("window_end", report.WindowEnd),
		zap.Int("events", len(events)),
	}
	if failed > 0 {
		s.metrics.IncScanTick("held")
		s.log.Warn("scan window held, cursor not advanced", append(windowFields, zap.Int("failed", failed))...)
		return report, fmt.Errorf("%w: %d of %d events failed: %w", ErrWindowHeld, failed, len(events), firstErr)
	}

	next := ledger.ScanCursor{
		LastProcessedTime:   head.Time,
		LastProcessedHeight: head.Height,
		LastSuccessAt:       s.Now().UTC(),
	}
	if truncated {
		resume, ok := resumePoint(events, res.checkpoint)
		if !ok {
			s.metrics.IncScanTick("truncated")
			s.log.Warn("scan window truncated before any event, cursor not advanced", windowFields...)
			return report, nil
		}
		next.LastProcessedTime = resume.Time
		next.LastProcessedHeight = resume.Height
	}
	if err := s.store.SaveCursor(ctx, next); err != nil {
		s.metrics.IncScanTick("error")
		return report, fmt.Errorf("advance cursor: %w", err)
	}
	report.Cursor = next
	report.Advanced = true
	s.metrics.SetCursorLag(head.Time.Sub(next.LastProcessedTime))

	if truncated {
		s.metrics.IncScanTick("truncated")
		s.log.Warn("scan window truncated, cursor advanced to last complete point",
			append(windowFields, zap.Time("cursor", next.LastProcessedTime))...)
	} else {
		s.metrics.IncScanTick("advanced")
		s.log.Info("scan window processed", windowFields...)
	}
	return report, nil
}

type fetchResult struct {
	events     []chain.TransferEvent
	pages      int
	truncated  bool
	checkpoint *chain.Checkpoint
}

// fetch collects the window's events in processing order.
func (s *Scanner) fetch(ctx context.Context, cursor ledger.ScanCursor, head chain.Head) (fetchResult, error) {
	q := chain.Query{
		MinTime:    cursor.LastProcessedTime,
		MaxTime:    head.Time,
		FromHeight: cursor.LastProcessedHeight,
		ToHeight:   head.Height,
		PageSize:   s.cfg.PageSize,
	}
	var res fetchResult
	for res.pages < s.cfg.MaxPages {
		page, err := s.source.GetTransferEvents(ctx, s.cfg.CollectionAddress, q)
		if err != nil {
			return fetchResult{pages: res.pages}, fmt.Errorf("%w: transfer events: %w", ErrSourceUnavailable, err)
		}
		res.pages++
		res.events = append(res.events, page.Events...)
		if cp := page.Checkpoint; cp != nil && (res.checkpoint == nil || cp.Height > res.checkpoint.Height) {
			res.checkpoint = cp
		}
		if page.NextPageToken == "" {
			q.PageToken = ""
			break
		}
		q.PageToken = page.NextPageToken
	}
	sort.SliceStable(res.events, func(i, j int) bool { return chain.Less(res.events[i], res.events[j]) })
	res.truncated = q.PageToken != ""
	return res, nil
}

// resumePoint picks where a truncated window may resume: the later of the
// last processed event and the newest point the source reported as complete.
func resumePoint(events []chain.TransferEvent, cp *chain.Checkpoint) (chain.Checkpoint, bool) {
	var (
		at chain.Checkpoint
		ok bool
	)
	if n := len(events); n > 0 {
		at = chain.Checkpoint{Height: events[n-1].Height, Time: events[n-1].Time}
		ok = true
	}
	if cp != nil && (!ok || cp.Time.After(at.Time) || (cp.Time.Equal(at.Time) && cp.Height > at.Height)) {
		at = *cp
		ok = true
	}
	return at, ok
}

func (s *Scanner) processEvent(ctx context.Context, ev chain.TransferEvent) (Outcome, error) {
	if s.isQuarantined(ev.TxRef) {
		return OutcomeQuarantined, nil
	}
	outcome, err := s.matcher.Process(ctx, ev)
	if s.cfg.QuarantineAfter <= 0 {
		return outcome, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, ev.TxRef)
		return outcome, nil
	}
	s.failures[ev.TxRef]++
	if s.failures[ev.TxRef] < s.cfg.QuarantineAfter {
		return outcome, err
	}

	delete(s.failures, ev.TxRef)
	s.quarantined[ev.TxRef] = struct{}{}
	s.metrics.IncSettlementFailure(string(dlq.KindQuarantined))
	s.log.Error("transfer event quarantined", zap.String("tx_ref", ev.TxRef), zap.Stringer("amount", ev.Value), zap.Error(err))
	if s.dead != nil {
		if derr := s.dead.Append(dlq.Record{
			Kind:   dlq.KindQuarantined,
			TxRef:  ev.TxRef,
			Amount: ev.Value,
			Reason: err.Error(),
		}); derr != nil {
			// Without a durable record the event must keep holding the window.
			delete(s.quarantined, ev.TxRef)
			s.log.Error("dead-letter append failed", zap.String("tx_ref", ev.TxRef), zap.Error(derr))
			return outcome, err
		}
	}
	return OutcomeQuarantined, nil
}

func (s *Scanner) isQuarantined(txRef string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.quarantined[txRef]
	return ok
}
