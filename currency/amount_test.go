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

package currency_test

import (
	"testing"

	"github.com/opencash/opencash/currency"
	"github.com/stretchr/testify/require"
)

func TestParseErrors(t *testing.T) {
	tests := map[string]struct {
		in   string
		want error
	}{
		"no currency":         {in: "10.5", want: currency.ErrInvalidAmount},
		"empty currency":      {in: ":10.5", want: currency.ErrInvalidAmount},
		"empty value":         {in: "EUR:", want: currency.ErrInvalidAmount},
		"negative":            {in: "EUR:-4", want: currency.ErrInvalidAmount},
		"trailing dot":        {in: "EUR:4.", want: currency.ErrInvalidAmount},
		"too many digits":     {in: "EUR:4.123456789", want: currency.ErrInvalidAmount},
		"value out of range":  {in: "EUR:4503599627370496", want: currency.ErrOverflow},
		"garbage in fraction": {in: "EUR:4.x2", want: currency.ErrInvalidAmount},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := currency.Parse(tc.in)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParseStringRoundtrip(t *testing.T) {
	for _, s := range []string{"EUR:0", "EUR:10", "EUR:10.5", "EUR:0.00000001", "KUDOS:4503599627370495.99999999"} {
		a, err := currency.Parse(s)
		require.NoError(t, err)
		require.Equal(t, s, a.String())
	}
}

func TestParseTrailingZeroes(t *testing.T) {
	a, err := currency.Parse("EUR:1.50")
	require.NoError(t, err)
	require.Equal(t, "EUR:1.5", a.String())
	require.Equal(t, uint32(50_000_000), a.Fraction)
}

func TestAddSub(t *testing.T) {
	a := currency.MustParse("EUR:1.5")
	b := currency.MustParse("EUR:2.75")

	sum, err := a.Add(b)
	require.NoError(t, err)
	require.Equal(t, "EUR:4.25", sum.String())

	diff, err := sum.Sub(a)
	require.NoError(t, err)
	require.Equal(t, b, diff)

	_, err = a.Sub(b)
	require.ErrorIs(t, err, currency.ErrUnderflow)

	_, err = a.Add(currency.MustParse("USD:1"))
	require.ErrorIs(t, err, currency.ErrCurrencyMismatch)
}

func TestAddOverflow(t *testing.T) {
	max := currency.Amount{Currency: "EUR", Value: currency.MaxValue, Fraction: 0}
	_, err := max.Add(currency.MustParse("EUR:1"))
	require.ErrorIs(t, err, currency.ErrOverflow)
}

func TestSubSaturating(t *testing.T) {
	a := currency.MustParse("EUR:1")
	b := currency.MustParse("EUR:3")

	got, err := a.SubSaturating(b)
	require.NoError(t, err)
	require.True(t, got.IsZero())
	require.Equal(t, "EUR", got.Currency)

	got, err = b.SubSaturating(a)
	require.NoError(t, err)
	require.Equal(t, "EUR:2", got.String())
}

func TestCmp(t *testing.T) {
	a := currency.MustParse("EUR:1.5")
	b := currency.MustParse("EUR:1.6")

	cmp, err := a.Cmp(b)
	require.NoError(t, err)
	require.Equal(t, -1, cmp)

	cmp, err = b.Cmp(a)
	require.NoError(t, err)
	require.Equal(t, 1, cmp)

	cmp, err = a.Cmp(a)
	require.NoError(t, err)
	require.Equal(t, 0, cmp)

	_, err = a.Cmp(currency.MustParse("USD:1.5"))
	require.ErrorIs(t, err, currency.ErrCurrencyMismatch)
}

func TestDivideRoundsUp(t *testing.T) {
	a := currency.MustParse("EUR:1")

	share, err := a.Divide(3)
	require.NoError(t, err)
	require.Equal(t, "EUR:0.33333334", share.String())

	// n shares must always cover the full amount.
	total := currency.Zero("EUR")
	for i := 0; i < 3; i++ {
		total, err = total.Add(share)
		require.NoError(t, err)
	}
	cmp, err := total.Cmp(a)
	require.NoError(t, err)
	require.GreaterOrEqual(t, cmp, 0)

	_, err = a.Divide(0)
	require.ErrorIs(t, err, currency.ErrInvalidAmount)
}

func TestDivideLargeValue(t *testing.T) {
	a := currency.Amount{Currency: "EUR", Value: currency.MaxValue, Fraction: 0}
	share, err := a.Divide(2)
	require.NoError(t, err)

	doubled, err := share.Add(share)
	require.NoError(t, err)
	cmp, err := doubled.Cmp(a)
	require.NoError(t, err)
	require.GreaterOrEqual(t, cmp, 0)
}

func TestSum(t *testing.T) {
	_, err := currency.Sum(nil)
	require.ErrorIs(t, err, currency.ErrInvalidAmount)

	total, err := currency.Sum([]currency.Amount{
		currency.MustParse("EUR:1.25"),
		currency.MustParse("EUR:2"),
		currency.MustParse("EUR:0.75"),
	})
	require.NoError(t, err)
	require.Equal(t, "EUR:4", total.String())
}

func TestTextMarshalling(t *testing.T) {
	a := currency.MustParse("EUR:3.5")
	b, err := a.MarshalText()
	require.NoError(t, err)

	var got currency.Amount
	require.NoError(t, got.UnmarshalText(b))
	require.Equal(t, a, got)

	require.Error(t, got.UnmarshalText([]byte("nope")))
}
