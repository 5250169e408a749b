// Package dlq is a durable, append-only dead-letter log of settlement failures.
// Each record is one JSON file in a directory, named so that lexical order is
// append order.
package dlq

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"fundrails/internal/amount"
)

// Kind classifies why an event was dead-lettered.
type Kind string

const (
	KindUnresolved   Kind = "unresolved_intent_or_owner"
	KindCommitFailed Kind = "settlement_commit_failure"
	KindQuarantined  Kind = "quarantined"
)

type Record struct {
	Timestamp time.Time    `json:"timestamp"`
	Kind      Kind         `json:"kind"`
	IntentID  string       `json:"intentId,omitempty"`
	TxRef     string       `json:"txRef"`
	Amount    amount.Units `json:"amount"`
	Reason    string       `json:"reason"`
}

type Log struct {
	Dir string
	Now func() time.Time

	mu      sync.Mutex
	last    int64
	written map[string]struct{}
}

func New(dir string) *Log {
	return &Log{Dir: dir}
}

// Append writes rec durably. A zero Timestamp is filled in. Only the first
// record for a given transfer and kind is kept; later ones are dropped.
func (l *Log) Append(rec Record) error {
	if l.Dir == "" {
		return errors.New("dead-letter directory not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.written == nil {
		existing, err := l.List()
		if err != nil {
			return err
		}
		l.written = make(map[string]struct{}, len(existing))
		for _, r := range existing {
			l.written[recordKey(r)] = struct{}{}
		}
	}
	key := recordKey(rec)
	if _, ok := l.written[key]; ok {
		return nil
	}

	now := time.Now()
	if l.Now != nil {
		now = l.Now()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now.UTC()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("dlq marshal: %w", err)
	}
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return fmt.Errorf("dlq mkdir: %w", err)
	}

	// Keep names strictly increasing even when the clock stalls.
	seq := now.UnixNano()
	if seq <= l.last {
		seq = l.last + 1
	}
	l.last = seq

	name := fmt.Sprintf("%020d-%s.json", seq, sanitize(rec.TxRef))
	tmp, err := os.CreateTemp(l.Dir, ".pending-*")
	if err != nil {
		return fmt.Errorf("dlq create: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("dlq write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("dlq sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("dlq close: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(l.Dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("dlq rename: %w", err)
	}
	l.written[key] = struct{}{}
	return nil
}

func recordKey(rec Record) string {
	return string(rec.Kind) + "\x00" + rec.TxRef
}

// List returns every record in append order.
func (l *Log) List() ([]Record, error) {
	names, err := l.names()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(l.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("dlq read %s: %w", name, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("dlq decode %s: %w", name, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Depth counts records; a missing directory has depth zero.
func (l *Log) Depth() (int, error) {
	names, err := l.names()
	return len(names), err
}

func (l *Log) names() ([]string, error) {
	if l.Dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(l.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dlq read dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func sanitize(ref string) string {
	if ref == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
