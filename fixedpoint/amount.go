package fixedpoint

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Unit tags how an Amount's Value is encoded. It is set where the value is
// created and never guessed from magnitude.
type Unit uint8

const (
	UnitUnknown Unit = iota
	// UnitRawFixedPoint values are integers scaled by the asset's decimals.
	UnitRawFixedPoint
	// UnitDecimal values are already human decimals.
	UnitDecimal
)

func (u Unit) String() string {
	switch u {
	case UnitRawFixedPoint:
		return "raw"
	case UnitDecimal:
		return "decimal"
	default:
		return "unknown"
	}
}

func (u Unit) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *Unit) UnmarshalText(b []byte) error {
	switch string(b) {
	case "raw":
		*u = UnitRawFixedPoint
	case "decimal":
		*u = UnitDecimal
	case "", "unknown":
		*u = UnitUnknown
	default:
		return fmt.Errorf("unknown unit %q", string(b))
	}
	return nil
}

// Amount is a numeric string together with its encoding.
type Amount struct {
	Value string `json:"value"`
	Unit  Unit   `json:"unit"`
}

// Raw tags a wire-format scaled integer.
func Raw(v string) Amount { return Amount{Value: v, Unit: UnitRawFixedPoint} }

// Dec tags an already-scaled decimal.
func Dec(v string) Amount { return Amount{Value: v, Unit: UnitDecimal} }

func (a Amount) IsEmpty() bool { return a.Value == "" }

// Decimal resolves the amount into a decimal, scaling raw values by decimals.
func (a Amount) Decimal(decimals int) (decimal.Decimal, error) {
	switch a.Unit {
	case UnitRawFixedPoint:
		return ParseRaw(a.Value, decimals)
	case UnitDecimal:
		return ParseDecimal(a.Value)
	default:
		return decimal.Zero, ErrUnknownUnit
	}
}

// Normalize returns the UnitDecimal form of a.
func (a Amount) Normalize(decimals int) (Amount, error) {
	d, err := a.Decimal(decimals)
	if err != nil {
		return Amount{}, err
	}
	return Dec(d.String()), nil
}

func (a Amount) String() string {
	return a.Value + " (" + a.Unit.String() + ")"
}
