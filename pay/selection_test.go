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

package pay_test

import (
	"testing"

	"github.com/opencash/opencash/currency"
	"github.com/opencash/opencash/pay"
	"github.com/stretchr/testify/require"
)

const testExchange = "https://exchange.example.com/"

func denom(hash, value, feeDeposit string, numAvailable int) pay.AvailableDenom {
	return pay.AvailableDenom{
		ExchangeBaseURL: testExchange,
		DenomPubHash:    hash,
		Value:           currency.MustParse(value),
		FeeDeposit:      currency.MustParse(feeDeposit),
		FeeRefresh:      currency.MustParse("EUR:0.01"),
		NumAvailable:    numAvailable,
		MaxAge:          pay.AgeUnrestricted,
	}
}

func noWireFees() map[string]currency.Amount {
	return map[string]currency.Amount{testExchange: currency.MustParse("EUR:0")}
}

func selectionTotal(t *testing.T, sel *pay.Selection) currency.Amount {
	t.Helper()
	total := currency.Zero("EUR")
	var err error
	for _, contribs := range sel.Result {
		for _, c := range contribs {
			total, err = total.Add(c)
			require.NoError(t, err)
		}
	}
	return total
}

func TestSelectGreedyCoversAmountWithLargestCoins(t *testing.T) {
	// Amount 10.00, max_fee 1.00, candidates [5,5,2,2,1] with deposit
	// fee 0.10 each: exactly two 5 EUR coins are used, total deposit
	// fee 0.20 stays within the limit.
	candidates := pay.Candidates{
		Denoms: []pay.AvailableDenom{
			denom("d5", "EUR:5", "EUR:0.1", 2),
			denom("d2", "EUR:2", "EUR:0.1", 2),
			denom("d1", "EUR:1", "EUR:0.1", 1),
		},
		WireFeesPerExchange: noWireFees(),
	}
	req := pay.SelectPayCoinsRequest{
		ContractAmount:  currency.MustParse("EUR:10"),
		DepositFeeLimit: currency.MustParse("EUR:1"),
		WireFeeLimit:    currency.MustParse("EUR:0"),
	}

	sel, ok, err := pay.SelectGreedy(req, candidates)
	require.NoError(t, err)
	require.True(t, ok)

	fiveKey := candidates.Denoms[0].Key()
	require.Len(t, sel.Result, 1)
	require.Len(t, sel.Result[fiveKey], 2)
	require.Equal(t, "EUR:10", selectionTotal(t, sel).String())

	require.True(t, sel.Tally.CustomerDepositFees.IsZero())
	require.True(t, sel.Tally.CustomerWireFees.IsZero())
	// 1.00 limit minus two 0.10 fees.
	require.Equal(t, "EUR:0.8", sel.Tally.AmountDepositFeeLimitRemaining.String())
}

func TestSelectGreedyInsufficientBalance(t *testing.T) {
	// Candidates total 8.00 against a 10.00 contract.
	candidates := pay.Candidates{
		Denoms: []pay.AvailableDenom{
			denom("d5", "EUR:5", "EUR:0.1", 1),
			denom("d2", "EUR:2", "EUR:0.1", 1),
			denom("d1", "EUR:1", "EUR:0.1", 1),
		},
		WireFeesPerExchange: noWireFees(),
	}
	req := pay.SelectPayCoinsRequest{
		ContractAmount:  currency.MustParse("EUR:10"),
		DepositFeeLimit: currency.MustParse("EUR:1"),
		WireFeeLimit:    currency.MustParse("EUR:0"),
	}

	sel, ok, err := pay.SelectGreedy(req, candidates)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, sel)
}

func TestSelectGreedyDeterministic(t *testing.T) {
	candidates := pay.Candidates{
		Denoms: []pay.AvailableDenom{
			denom("a", "EUR:2", "EUR:0.1", 3),
			denom("b", "EUR:2", "EUR:0.1", 3),
			denom("c", "EUR:1", "EUR:0.05", 5),
		},
		WireFeesPerExchange: noWireFees(),
	}
	req := pay.SelectPayCoinsRequest{
		ContractAmount:  currency.MustParse("EUR:7"),
		DepositFeeLimit: currency.MustParse("EUR:1"),
		WireFeeLimit:    currency.MustParse("EUR:0"),
	}

	first, ok, err := pay.SelectGreedy(req, candidates)
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 10; i++ {
		again, ok, err := pay.SelectGreedy(req, candidates)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, first.Result, again.Result)
	}
}

func TestSelectGreedySkipsUneconomicalDenoms(t *testing.T) {
	candidates := pay.Candidates{
		Denoms: []pay.AvailableDenom{
			// Fee above value: depositing loses money, never selected.
			denom("bad", "EUR:0.05", "EUR:0.1", 100),
			denom("ok", "EUR:1", "EUR:0.01", 2),
		},
		WireFeesPerExchange: noWireFees(),
	}
	req := pay.SelectPayCoinsRequest{
		ContractAmount:  currency.MustParse("EUR:2"),
		DepositFeeLimit: currency.MustParse("EUR:1"),
		WireFeeLimit:    currency.MustParse("EUR:0"),
	}

	sel, ok, err := pay.SelectGreedy(req, candidates)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, sel.Result, candidates.Denoms[0].Key())
}

func TestSelectGreedyContributionNeverExceedsCoinValue(t *testing.T) {
	candidates := pay.Candidates{
		Denoms: []pay.AvailableDenom{
			denom("d5", "EUR:5", "EUR:0.1", 4),
		},
		WireFeesPerExchange: noWireFees(),
	}
	req := pay.SelectPayCoinsRequest{
		ContractAmount:  currency.MustParse("EUR:12.5"),
		DepositFeeLimit: currency.MustParse("EUR:1"),
		WireFeeLimit:    currency.MustParse("EUR:0"),
	}

	sel, ok, err := pay.SelectGreedy(req, candidates)
	require.NoError(t, err)
	require.True(t, ok)

	for _, contribs := range sel.Result {
		for _, c := range contribs {
			cmp, err := c.Cmp(currency.MustParse("EUR:5"))
			require.NoError(t, err)
			require.LessOrEqual(t, cmp, 0)
		}
	}
	require.Equal(t, "EUR:12.5", selectionTotal(t, sel).String())
}

func TestSelectGreedyCustomerBearsExcessDepositFees(t *testing.T) {
	candidates := pay.Candidates{
		Denoms: []pay.AvailableDenom{
			denom("d5", "EUR:5", "EUR:0.5", 3),
		},
		WireFeesPerExchange: noWireFees(),
	}
	req := pay.SelectPayCoinsRequest{
		ContractAmount: currency.MustParse("EUR:10"),
		// Merchant covers only the first coin's fee.
		DepositFeeLimit: currency.MustParse("EUR:0.5"),
		WireFeeLimit:    currency.MustParse("EUR:0"),
	}

	sel, ok, err := pay.SelectGreedy(req, candidates)
	require.NoError(t, err)
	require.True(t, ok)

	// Second and third coin fees flow to the customer and are covered by
	// extra contribution.
	require.Equal(t, "EUR:1", sel.Tally.CustomerDepositFees.String())
	require.Equal(t, "EUR:11", selectionTotal(t, sel).String())
}

func TestSelectGreedyWireFeeAmortizedOncePerExchange(t *testing.T) {
	otherExchange := "https://other.example.com/"
	d := denom("d5", "EUR:5", "EUR:0.1", 2)
	other := d
	other.ExchangeBaseURL = otherExchange
	other.DenomPubHash = "o5"

	candidates := pay.Candidates{
		Denoms: []pay.AvailableDenom{d, other},
		WireFeesPerExchange: map[string]currency.Amount{
			testExchange:  currency.MustParse("EUR:0.4"),
			otherExchange: currency.MustParse("EUR:0.4"),
		},
	}
	req := pay.SelectPayCoinsRequest{
		ContractAmount:      currency.MustParse("EUR:10"),
		DepositFeeLimit:     currency.MustParse("EUR:1"),
		WireFeeLimit:        currency.MustParse("EUR:1"),
		WireFeeAmortization: 2,
	}

	sel, ok, err := pay.SelectGreedy(req, candidates)
	require.NoError(t, err)
	require.True(t, ok)

	// Both coins come from the first exchange; its wire fee share 0.4/2=0.2
	// is charged exactly once against the merchant limit.
	require.Equal(t, "EUR:0.8", sel.Tally.AmountWireFeeLimitRemaining.String())
	require.Contains(t, sel.Tally.WireFeeCoveredForExchange, testExchange)
	require.NotContains(t, sel.Tally.WireFeeCoveredForExchange, otherExchange)
}

func TestSelectGreedySeededWithPreviousCoins(t *testing.T) {
	candidates := pay.Candidates{
		Denoms: []pay.AvailableDenom{
			denom("d5", "EUR:5", "EUR:0.1", 1),
			denom("d2", "EUR:2", "EUR:0.1", 2),
			denom("d1", "EUR:1", "EUR:0.1", 1),
		},
		WireFeesPerExchange: noWireFees(),
	}
	req := pay.SelectPayCoinsRequest{
		ContractAmount:  currency.MustParse("EUR:10"),
		DepositFeeLimit: currency.MustParse("EUR:1"),
		WireFeeLimit:    currency.MustParse("EUR:0"),
		PrevPayCoins: []pay.PreviousPayCoin{{
			CoinPub:         "COIN1",
			ExchangeBaseURL: testExchange,
			Contribution:    currency.MustParse("EUR:5"),
			FeeDeposit:      currency.MustParse("EUR:0.1"),
		}},
	}

	sel, ok, err := pay.SelectGreedy(req, candidates)
	require.NoError(t, err)
	require.True(t, ok)

	// New coins only need to cover the 5 EUR shortfall.
	require.Equal(t, "EUR:5", selectionTotal(t, sel).String())
}

func TestSelectForcedExactMatches(t *testing.T) {
	candidates := pay.Candidates{
		Denoms: []pay.AvailableDenom{
			denom("d5", "EUR:5", "EUR:0.1", 1),
			denom("d2", "EUR:2", "EUR:0.1", 2),
		},
		WireFeesPerExchange: noWireFees(),
	}
	req := pay.SelectPayCoinsRequest{
		ContractAmount:  currency.MustParse("EUR:9"),
		DepositFeeLimit: currency.MustParse("EUR:1"),
		WireFeeLimit:    currency.MustParse("EUR:0"),
	}

	sel, err := pay.SelectForced(req, candidates, pay.ForcedCoinSel{Coins: []pay.ForcedCoin{
		{Value: currency.MustParse("EUR:5")},
		{Value: currency.MustParse("EUR:2")},
		{Value: currency.MustParse("EUR:2")},
	}})
	require.NoError(t, err)
	require.Equal(t, "EUR:9", selectionTotal(t, sel).String())
}

func TestSelectForcedFailsFastOnMissingValue(t *testing.T) {
	candidates := pay.Candidates{
		Denoms: []pay.AvailableDenom{
			denom("d5", "EUR:5", "EUR:0.1", 1),
		},
		WireFeesPerExchange: noWireFees(),
	}
	req := pay.SelectPayCoinsRequest{
		ContractAmount:  currency.MustParse("EUR:10"),
		DepositFeeLimit: currency.MustParse("EUR:1"),
		WireFeeLimit:    currency.MustParse("EUR:0"),
	}

	// Supply exhausted after the first 5 EUR coin.
	_, err := pay.SelectForced(req, candidates, pay.ForcedCoinSel{Coins: []pay.ForcedCoin{
		{Value: currency.MustParse("EUR:5")},
		{Value: currency.MustParse("EUR:5")},
	}})
	require.ErrorIs(t, err, pay.ErrNoMatchingCoin)

	// No denomination with the requested value at all.
	_, err = pay.SelectForced(req, candidates, pay.ForcedCoinSel{Coins: []pay.ForcedCoin{
		{Value: currency.MustParse("EUR:3")},
	}})
	require.ErrorIs(t, err, pay.ErrNoMatchingCoin)
}
