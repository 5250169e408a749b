package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// FakeSource is an in-memory chain used in tests and local runs without an
// RPC endpoint. Like many indexers it returns every transfer in the window,
// whatever the recipient; callers filter on To.
type FakeSource struct {
	mu         sync.Mutex
	head       Head
	events     []TransferEvent
	headErrs   []error
	eventsErrs []error

	HeadCalls   int
	EventsCalls int
}

func NewFakeSource(head Head) *FakeSource {
	return &FakeSource{head: head}
}

func (f *FakeSource) SetHead(h Head) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = h
}

// Push appends transfers to the chain.
func (f *FakeSource) Push(events ...TransferEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

// FailHead queues errors returned by the next GetChainHead calls.
func (f *FakeSource) FailHead(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headErrs = append(f.headErrs, errs...)
}

// FailEvents queues errors returned by the next GetTransferEvents calls.
func (f *FakeSource) FailEvents(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventsErrs = append(f.eventsErrs, errs...)
}

func (f *FakeSource) GetChainHead(ctx context.Context) (Head, error) {
	if err := ctx.Err(); err != nil {
		return Head{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HeadCalls++
	if len(f.headErrs) > 0 {
		err := f.headErrs[0]
		f.headErrs = f.headErrs[1:]
		return Head{}, err
	}
	return f.head, nil
}

func (f *FakeSource) GetTransferEvents(ctx context.Context, _ string, q Query) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EventsCalls++
	if len(f.eventsErrs) > 0 {
		err := f.eventsErrs[0]
		f.eventsErrs = f.eventsErrs[1:]
		return Page{}, err
	}

	var matched []TransferEvent
	for _, ev := range f.events {
		if ev.Time.Before(q.MinTime) || ev.Time.After(q.MaxTime) {
			continue
		}
		matched = append(matched, ev)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return Less(matched[i], matched[j])
	})

	offset := 0
	if q.PageToken != "" {
		n, err := strconv.Atoi(q.PageToken)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid page token %q", q.PageToken)
		}
		offset = n
	}
	if offset > len(matched) {
		return Page{}, errors.New("page token past end of results")
	}
	size := q.PageSize
	if size <= 0 {
		size = len(matched)
	}
	end := offset + size
	if end > len(matched) {
		end = len(matched)
	}

	page := Page{Events: append([]TransferEvent(nil), matched[offset:end]...)}
	if end < len(matched) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *FakeSource) Ping(context.Context) error { return nil }

// Less orders transfers by time, then height, then TxRef.
func Less(a, b TransferEvent) bool {
	if !a.Time.Equal(b.Time) {
		return a.Time.Before(b.Time)
	}
	if a.Height != b.Height {
		return a.Height < b.Height
	}
	return a.TxRef < b.TxRef
}
