package funding

import (
	"errors"
	"fmt"

	"fundrails/internal/amount"
)

var (
	ErrAmountOutOfRange    = errors.New("requested amount out of range")
	ErrAllocationExhausted = errors.New("no unique payable amount available")
)

// AllocatorConfig bounds the requested amount and the downward search.
type AllocatorConfig struct {
	Min         amount.Units
	Max         amount.Units
	Step        amount.Units
	MaxDelta    amount.Units
	MaxAttempts int
}

// DefaultAllocatorConfig accepts 30..20000 and searches at most 0.01 below the
// request, one unit at a time.
func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{
		Min:         30 * amount.Scale,
		Max:         20_000 * amount.Scale,
		Step:        1,
		MaxDelta:    amount.Scale / 100,
		MaxAttempts: 100,
	}
}

func (c AllocatorConfig) Validate() error {
	switch {
	case c.Min <= 0:
		return errors.New("allocator: min must be positive")
	case c.Max < c.Min:
		return errors.New("allocator: max must not be below min")
	case c.Step <= 0:
		return errors.New("allocator: step must be positive")
	case c.MaxDelta < 0:
		return errors.New("allocator: max delta must not be negative")
	case c.MaxAttempts < 0:
		return errors.New("allocator: max attempts must not be negative")
	}
	return nil
}

// Allocator picks payable amounts that no active intent has claimed. It holds
// no state; callers pass the claimed snapshot on every call.
type Allocator struct {
	cfg AllocatorConfig
}

func NewAllocator(cfg AllocatorConfig) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Allocator{cfg: cfg}, nil
}

func (a *Allocator) Config() AllocatorConfig { return a.cfg }

// CheckRange reports ErrAmountOutOfRange unless min <= requested <= max.
func (a *Allocator) CheckRange(requested amount.Units) error {
	if requested < a.cfg.Min || requested > a.cfg.Max {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrAmountOutOfRange, requested, a.cfg.Min, a.cfg.Max)
	}
	return nil
}

// Allocate returns requested when it is free, otherwise the closest unclaimed
// amount strictly below it within the configured delta and attempt budget.
func (a *Allocator) Allocate(requested amount.Units, claimed []amount.Units) (amount.Units, error) {
	if err := a.CheckRange(requested); err != nil {
		return 0, err
	}

	taken := make(map[amount.Units]struct{}, len(claimed))
	for _, c := range claimed {
		taken[c] = struct{}{}
	}
	if _, ok := taken[requested]; !ok {
		return requested, nil
	}

	delta := a.cfg.Step
	for attempts := 0; attempts < a.cfg.MaxAttempts && delta <= a.cfg.MaxDelta; attempts++ {
		candidate := requested - delta
		if candidate <= 0 {
			break
		}
		if _, ok := taken[candidate]; !ok {
			return candidate, nil
		}
		delta += a.cfg.Step
	}
	return 0, fmt.Errorf("%w: %s", ErrAllocationExhausted, requested)
}

// Func binds requested into a ledger allocation callback.
func (a *Allocator) Func(requested amount.Units) func([]amount.Units) (amount.Units, error) {
	return func(claimed []amount.Units) (amount.Units, error) {
		return a.Allocate(requested, claimed)
	}
}
