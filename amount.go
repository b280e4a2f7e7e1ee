package payguard

import (
	"math/big"
	"regexp"

	"github.com/shopspring/decimal"
)

// BaseUnitExponent is the number of base units in one display unit,
// expressed as a power of ten. One display unit equals 10^30 base units,
// matching ledgers that denominate balances in "raw".
const BaseUnitExponent = 30

// displayAmountPattern accepts plain non-negative decimals only. Signs,
// scientific notation and stray whitespace are rejected up front because
// decimal.NewFromString would happily parse them.
var displayAmountPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ToBaseUnits converts a display-unit decimal string to base units.
// Inputs with more than BaseUnitExponent fractional digits carry precision
// the ledger cannot represent and fail with ErrInvalidAmount, as do
// negative values, scientific notation and anything non-numeric.
func ToBaseUnits(display string) (*big.Int, error) {
	if !displayAmountPattern.MatchString(display) {
		return nil, Errorf(CodeInvalidAmount, "malformed display amount %q", display)
	}
	d, err := decimal.NewFromString(display)
	if err != nil {
		return nil, Errorf(CodeInvalidAmount, "malformed display amount %q: %w", display, err)
	}
	if d.Exponent() < -BaseUnitExponent {
		return nil, Errorf(CodeInvalidAmount, "amount %q exceeds supported precision of %d decimal places", display, BaseUnitExponent)
	}
	shifted := d.Shift(BaseUnitExponent)
	if !shifted.IsInteger() {
		return nil, Errorf(CodeInvalidAmount, "amount %q does not convert to whole base units", display)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts base units to a display-unit decimal string with
// trailing zeros trimmed. The round trip FromBaseUnits(ToBaseUnits(x)) == x
// holds for every representable x.
func FromBaseUnits(base *big.Int) (string, error) {
	if base == nil || base.Sign() < 0 {
		return "", Errorf(CodeInvalidAmount, "base amount must be non-negative")
	}
	return decimal.NewFromBigInt(base, -BaseUnitExponent).String(), nil
}
