// Copyright 2025 The OpenCash Authors

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package currency implements exact, currency-qualified monetary amounts.
//
// Amounts are represented as an integer value part plus a fractional part in
// units of 1e-8, and serialize to the wire form "CUR:12.345". All arithmetic
// is exact; operations that would overflow, underflow or mix currencies
// return errors instead of silently producing wrong money.
package currency

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// FractionalBase is the number of fractional units per value unit.
	FractionalBase = 1e8
	// FractionalBaseDigits is the number of digits after the decimal separator.
	FractionalBaseDigits = 8
	// MaxValue is the largest representable value part. Chosen so that
	// amounts survive a round trip through an IEEE 754 double.
	MaxValue = 1<<52 - 1
)

var (
	// ErrInvalidAmount indicates an amount string could not be parsed.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrCurrencyMismatch indicates an operation mixed two different currencies.
	ErrCurrencyMismatch = errors.New("currency mismatch")
	// ErrOverflow indicates an amount exceeded the maximum representable value.
	ErrOverflow = errors.New("amount overflow")
	// ErrUnderflow indicates a subtraction would have produced a negative amount.
	ErrUnderflow = errors.New("amount underflow")
)

// Amount is an exact amount of a single currency. The zero Amount has no
// currency and is only useful as a target for unmarshalling.
type Amount struct {
	Currency string
	Value    uint64
	Fraction uint32
}

// Zero returns the zero amount of the given currency.
func Zero(cur string) Amount {
	return Amount{Currency: cur}
}

// Parse parses the wire form "CUR:12.345".
func Parse(s string) (Amount, error) {
	cur, rest, ok := strings.Cut(s, ":")
	if !ok || cur == "" {
		return Amount{}, fmt.Errorf("missing currency in %q: %w", s, ErrInvalidAmount)
	}

	valuePart, fracPart, hasFrac := strings.Cut(rest, ".")
	value, err := strconv.ParseUint(valuePart, 10, 64)
	if err != nil {
		return Amount{}, fmt.Errorf("bad value part in %q: %w", s, ErrInvalidAmount)
	}
	if value > MaxValue {
		return Amount{}, ErrOverflow
	}

	var fraction uint32
	if hasFrac {
		if fracPart == "" || len(fracPart) > FractionalBaseDigits {
			return Amount{}, fmt.Errorf("bad fractional part in %q: %w", s, ErrInvalidAmount)
		}
		f, err := strconv.ParseUint(fracPart, 10, 32)
		if err != nil {
			return Amount{}, fmt.Errorf("bad fractional part in %q: %w", s, ErrInvalidAmount)
		}
		for i := len(fracPart); i < FractionalBaseDigits; i++ {
			f *= 10
		}
		fraction = uint32(f)
	}

	return Amount{Currency: cur, Value: value, Fraction: fraction}, nil
}

// MustParse parses the wire form or panics. Should only be used in tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the wire form. Trailing fractional zeroes are trimmed.
func (a Amount) String() string {
	if a.Fraction == 0 {
		return fmt.Sprintf("%s:%d", a.Currency, a.Value)
	}
	frac := strconv.FormatUint(uint64(a.Fraction)+FractionalBase, 10)[1:]
	frac = strings.TrimRight(frac, "0")
	return fmt.Sprintf("%s:%d.%s", a.Currency, a.Value, frac)
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.Value == 0 && a.Fraction == 0
}

// sameCurrency errors unless both amounts carry the same currency.
func (a Amount) sameCurrency(b Amount) error {
	if a.Currency != b.Currency {
		return fmt.Errorf("%q vs %q: %w", a.Currency, b.Currency, ErrCurrencyMismatch)
	}
	return nil
}

// Cmp compares two amounts of the same currency. It returns -1, 0 or 1.
func (a Amount) Cmp(b Amount) (int, error) {
	if err := a.sameCurrency(b); err != nil {
		return 0, err
	}
	switch {
	case a.Value < b.Value:
		return -1, nil
	case a.Value > b.Value:
		return 1, nil
	case a.Fraction < b.Fraction:
		return -1, nil
	case a.Fraction > b.Fraction:
		return 1, nil
	}
	return 0, nil
}

// Add returns a+b.
func (a Amount) Add(b Amount) (Amount, error) {
	if err := a.sameCurrency(b); err != nil {
		return Amount{}, err
	}
	fraction := uint64(a.Fraction) + uint64(b.Fraction)
	value := a.Value + b.Value + fraction/FractionalBase
	if value < a.Value || value > MaxValue {
		return Amount{}, ErrOverflow
	}
	return Amount{Currency: a.Currency, Value: value, Fraction: uint32(fraction % FractionalBase)}, nil
}

// Sub returns a-b or [ErrUnderflow] if b is larger than a.
func (a Amount) Sub(b Amount) (Amount, error) {
	if err := a.sameCurrency(b); err != nil {
		return Amount{}, err
	}
	value, fraction := a.Value, a.Fraction
	if fraction < b.Fraction {
		if value == 0 {
			return Amount{}, ErrUnderflow
		}
		value--
		fraction += FractionalBase
	}
	if value < b.Value {
		return Amount{}, ErrUnderflow
	}
	return Amount{Currency: a.Currency, Value: value - b.Value, Fraction: fraction - b.Fraction}, nil
}

// SubSaturating returns a-b, or zero when b is larger than a.
func (a Amount) SubSaturating(b Amount) (Amount, error) {
	diff, err := a.Sub(b)
	if errors.Is(err, ErrUnderflow) {
		return Zero(a.Currency), nil
	}
	return diff, err
}

// Min returns the smaller of a and b.
func (a Amount) Min(b Amount) (Amount, error) {
	cmp, err := a.Cmp(b)
	if err != nil {
		return Amount{}, err
	}
	if cmp <= 0 {
		return a, nil
	}
	return b, nil
}

// Max returns the larger of a and b.
func (a Amount) Max(b Amount) (Amount, error) {
	cmp, err := a.Cmp(b)
	if err != nil {
		return Amount{}, err
	}
	if cmp >= 0 {
		return a, nil
	}
	return b, nil
}

// Divide splits the amount into n equal shares and returns one share,
// rounded up to the smallest fractional unit. Used to amortize a fee
// over n coins: n shares always cover the full amount.
func (a Amount) Divide(n uint32) (Amount, error) {
	if n == 0 {
		return Amount{}, fmt.Errorf("cannot divide by zero: %w", ErrInvalidAmount)
	}
	if n == 1 {
		return a, nil
	}
	value := a.Value / uint64(n)
	remFrac := (a.Value%uint64(n))*FractionalBase + uint64(a.Fraction)
	frac := remFrac / uint64(n)
	if remFrac%uint64(n) != 0 {
		frac++
	}
	return Amount{
		Currency: a.Currency,
		Value:    value + frac/FractionalBase,
		Fraction: uint32(frac % FractionalBase),
	}, nil
}

// Sum adds all amounts. It errors on an empty slice as the currency
// of the result would be unknown.
func Sum(amounts []Amount) (Amount, error) {
	if len(amounts) == 0 {
		return Amount{}, fmt.Errorf("cannot sum zero amounts: %w", ErrInvalidAmount)
	}
	total := amounts[0]
	var err error
	for _, a := range amounts[1:] {
		total, err = total.Add(a)
		if err != nil {
			return Amount{}, err
		}
	}
	return total, nil
}

// MarshalText implements [encoding.TextMarshaler] using the wire form.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler] using the wire form.
func (a *Amount) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
