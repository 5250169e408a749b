// Package amount implements the fixed-point money representation used by the
// ledger: an int64 count of 10^-8 units, persisted as a decimal string with
// exactly eight fractional digits.
package amount

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by a Units value.
const Decimals = 8

// Scale is the number of units in one whole token.
const Scale Units = 100_000_000

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrOverflow      = errors.New("amount overflows 64-bit units")
)

var (
	maxUnits = decimal.NewFromInt(math.MaxInt64)
	minUnits = decimal.NewFromInt(math.MinInt64)
)

// Units is a monetary amount scaled by 10^8.
type Units int64

// Parse converts a decimal string into Units, rounding half-up at the
// eighth fractional digit.
func Parse(s string) (Units, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Units {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// FromDecimal rounds d half away from zero at eight places and scales it.
func FromDecimal(d decimal.Decimal) (Units, error) {
	shifted := d.Round(Decimals).Shift(Decimals)
	if shifted.GreaterThan(maxUnits) || shifted.LessThan(minUnits) {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, d.String())
	}
	return Units(shifted.IntPart()), nil
}

// FromBaseUnits converts an integer token amount expressed with the given
// number of decimals (6 for USDT, 18 for most ERC-20s) into Units.
func FromBaseUnits(v *big.Int, decimals int) (Units, error) {
	if v == nil {
		return 0, fmt.Errorf("%w: nil value", ErrInvalidAmount)
	}
	if decimals < 0 || decimals > math.MaxInt32 {
		return 0, fmt.Errorf("%w: decimals %d", ErrInvalidAmount, decimals)
	}
	return FromDecimal(decimal.NewFromBigInt(v, int32(-decimals)))
}

// Decimal returns the exact decimal value of u.
func (u Units) Decimal() decimal.Decimal {
	return decimal.New(int64(u), -Decimals)
}

// String renders u with exactly eight fractional digits.
func (u Units) String() string {
	return u.Decimal().StringFixed(Decimals)
}

// Add returns u+o, failing instead of wrapping around.
func (u Units) Add(o Units) (Units, error) {
	if (o > 0 && u > math.MaxInt64-o) || (o < 0 && u < math.MinInt64-o) {
		return 0, fmt.Errorf("%w: %s + %s", ErrOverflow, u, o)
	}
	return u + o, nil
}

// MarshalJSON encodes u as a quoted fixed-point string.
func (u Units) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare JSON number.
func (u *Units) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	s := strings.Trim(string(b), `"`)
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*u = v
	return nil
}
