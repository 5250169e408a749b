package funding

import (
	"testing"

	"fundrails/internal/amount"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func units(ss ...string) []amount.Units {
	out := make([]amount.Units, 0, len(ss))
	for _, s := range ss {
		out = append(out, amount.MustParse(s))
	}
	return out
}

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := NewAllocator(DefaultAllocatorConfig())
	require.NoError(t, err)
	return a
}

func TestAllocate(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		claimed   []string
		want      string
	}{
		{"free amount returned as is", "50", nil, "50.00000000"},
		{"unrelated claims ignored", "50", []string{"40", "49.5"}, "50.00000000"},
		{"nearest smaller", "50", []string{"50", "49.99999999"}, "49.99999998"},
		{"skips gaps only downward", "10", []string{"10", "10.00000001"}, "9.99999999"},
		{"fractional request", "30.12345678", []string{"30.12345678"}, "30.12345677"},
	}
	a := newTestAllocator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Allocate(amount.MustParse(tt.requested), units(tt.claimed...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestAllocateNeverReturnsClaimed(t *testing.T) {
	a := newTestAllocator(t)
	requested := amount.MustParse("100")
	var claimed []amount.Units
	for i := 0; i < 50; i++ {
		got, err := a.Allocate(requested, claimed)
		require.NoError(t, err)
		assert.NotContains(t, claimed, got)
		assert.LessOrEqual(t, int64(got), int64(requested))
		claimed = append(claimed, got)
	}
}

func TestAllocateIsPure(t *testing.T) {
	a := newTestAllocator(t)
	claimed := units("75", "74.99999999")
	first, err := a.Allocate(amount.MustParse("75"), claimed)
	require.NoError(t, err)
	second, err := a.Allocate(amount.MustParse("75"), claimed)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, claimed, 2)
}

func TestAllocateOutOfRange(t *testing.T) {
	a := newTestAllocator(t)
	for _, s := range []string{"29.99999999", "20000.00000001", "0", "-5"} {
		_, err := a.Allocate(amount.MustParse(s), nil)
		assert.ErrorIs(t, err, ErrAmountOutOfRange, s)
	}
	_, err := a.Allocate(amount.MustParse("20000"), nil)
	assert.NoError(t, err)
}

func TestAllocateExhausted(t *testing.T) {
	cfg := DefaultAllocatorConfig()
	cfg.MaxAttempts = 3
	a, err := NewAllocator(cfg)
	require.NoError(t, err)

	claimed := units("40", "39.99999999", "39.99999998", "39.99999997")
	_, err = a.Allocate(amount.MustParse("40"), claimed)
	assert.ErrorIs(t, err, ErrAllocationExhausted)

	// The fourth candidate is free but beyond the attempt budget.
	cfg.MaxAttempts = 4
	a, err = NewAllocator(cfg)
	require.NoError(t, err)
	got, err := a.Allocate(amount.MustParse("40"), claimed)
	require.NoError(t, err)
	assert.Equal(t, "39.99999996", got.String())
}

func TestAllocateRespectsMaxDelta(t *testing.T) {
	cfg := DefaultAllocatorConfig()
	cfg.Step = amount.Scale / 1000 // 0.001
	cfg.MaxDelta = amount.Scale / 500
	a, err := NewAllocator(cfg)
	require.NoError(t, err)

	_, err = a.Allocate(amount.MustParse("30"), units("30", "29.999", "29.998"))
	assert.ErrorIs(t, err, ErrAllocationExhausted)

	got, err := a.Allocate(amount.MustParse("30"), units("30", "29.999"))
	require.NoError(t, err)
	assert.Equal(t, "29.99800000", got.String())
}

func TestAllocatorConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultAllocatorConfig().Validate())

	bad := DefaultAllocatorConfig()
	bad.Step = 0
	assert.Error(t, bad.Validate())

	bad = DefaultAllocatorConfig()
	bad.Max = bad.Min - 1
	assert.Error(t, bad.Validate())

	_, err := NewAllocator(AllocatorConfig{})
	assert.Error(t, err)
}
