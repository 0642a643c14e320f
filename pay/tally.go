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

package pay

import (
	"github.com/opencash/opencash/currency"
)

// CoinSelectionTally is the running fee ledger of one selection pass. It has
// value semantics: every tally operation returns a new tally, so a selection
// attempt can be folded step by step and abandoned without cleanup.
type CoinSelectionTally struct {
	// AmountPayRemaining is what the selected coins still need to cover.
	// Customer-borne fees are added here, so contributions always pay them.
	AmountPayRemaining currency.Amount
	// AmountWireFeeLimitRemaining is what is left of the merchant's
	// max_wire_fee allowance.
	AmountWireFeeLimitRemaining currency.Amount
	// AmountDepositFeeLimitRemaining is what is left of the merchant's
	// max_fee allowance.
	AmountDepositFeeLimitRemaining currency.Amount
	CustomerDepositFees            currency.Amount
	CustomerWireFees               currency.Amount
	// WireFeeCoveredForExchange records exchanges whose wire fee has already
	// been charged into this selection. A wire fee is charged at most once
	// per exchange per selection.
	WireFeeCoveredForExchange map[string]struct{}
}

// NewTally starts a tally for one selection pass over the given contract
// limits.
func NewTally(contractAmount, wireFeeLimit, depositFeeLimit currency.Amount) CoinSelectionTally {
	return CoinSelectionTally{
		AmountPayRemaining:             contractAmount,
		AmountWireFeeLimitRemaining:    wireFeeLimit,
		AmountDepositFeeLimitRemaining: depositFeeLimit,
		CustomerDepositFees:            currency.Zero(contractAmount.Currency),
		CustomerWireFees:               currency.Zero(contractAmount.Currency),
		WireFeeCoveredForExchange:      map[string]struct{}{},
	}
}

func (t CoinSelectionTally) clone() CoinSelectionTally {
	covered := make(map[string]struct{}, len(t.WireFeeCoveredForExchange))
	for k := range t.WireFeeCoveredForExchange {
		covered[k] = struct{}{}
	}
	t.WireFeeCoveredForExchange = covered
	return t
}

// TallyCoinFees accounts for the fees of drawing one more coin from the
// given exchange: the exchange's amortized wire-fee share the first time the
// exchange appears in the selection, and the coin's deposit fee. Fees within
// the contract limits consume the limit; excess flows into the customer fee
// buckets and is added to AmountPayRemaining so it is never silently
// dropped.
func (t CoinSelectionTally) TallyCoinFees(
	exchangeBaseURL string,
	wireFeesPerExchange map[string]currency.Amount,
	wireFeeAmortization uint32,
	feeDeposit currency.Amount,
) (CoinSelectionTally, error) {
	t = t.clone()

	if _, covered := t.WireFeeCoveredForExchange[exchangeBaseURL]; !covered {
		wireFee, ok := wireFeesPerExchange[exchangeBaseURL]
		if ok && !wireFee.IsZero() {
			amortized, err := wireFee.Divide(wireFeeAmortization)
			if err != nil {
				return t, err
			}
			cmp, err := amortized.Cmp(t.AmountWireFeeLimitRemaining)
			if err != nil {
				return t, err
			}
			if cmp <= 0 {
				t.AmountWireFeeLimitRemaining, err = t.AmountWireFeeLimitRemaining.Sub(amortized)
				if err != nil {
					return t, err
				}
			} else {
				t.CustomerWireFees, err = t.CustomerWireFees.Add(amortized)
				if err != nil {
					return t, err
				}
				t.AmountPayRemaining, err = t.AmountPayRemaining.Add(amortized)
				if err != nil {
					return t, err
				}
			}
		}
		t.WireFeeCoveredForExchange[exchangeBaseURL] = struct{}{}
	}

	cmp, err := feeDeposit.Cmp(t.AmountDepositFeeLimitRemaining)
	if err != nil {
		return t, err
	}
	if cmp <= 0 {
		t.AmountDepositFeeLimitRemaining, err = t.AmountDepositFeeLimitRemaining.Sub(feeDeposit)
		if err != nil {
			return t, err
		}
	} else {
		t.CustomerDepositFees, err = t.CustomerDepositFees.Add(feeDeposit)
		if err != nil {
			return t, err
		}
		t.AmountPayRemaining, err = t.AmountPayRemaining.Add(feeDeposit)
		if err != nil {
			return t, err
		}
	}

	return t, nil
}

// Contribute subtracts a coin's contribution from the remaining amount,
// saturating at zero (the final coin of a selection may overshoot when its
// fee floor exceeds the remainder).
func (t CoinSelectionTally) Contribute(contribution currency.Amount) (CoinSelectionTally, error) {
	t = t.clone()
	remaining, err := t.AmountPayRemaining.SubSaturating(contribution)
	if err != nil {
		return t, err
	}
	t.AmountPayRemaining = remaining
	return t, nil
}

// PreviousPayCoin carries forward one already-committed coin of an existing
// selection, so that re-selection after an insufficient-funds conflict
// accounts for fees already charged.
type PreviousPayCoin struct {
	CoinPub         string
	ExchangeBaseURL string
	Contribution    currency.Amount
	FeeDeposit      currency.Amount
}

// SeedPrevious replays previously committed coins into the tally before a
// selection pass extends it.
func (t CoinSelectionTally) SeedPrevious(
	prev []PreviousPayCoin,
	wireFeesPerExchange map[string]currency.Amount,
	wireFeeAmortization uint32,
) (CoinSelectionTally, error) {
	var err error
	for _, p := range prev {
		t, err = t.TallyCoinFees(p.ExchangeBaseURL, wireFeesPerExchange, wireFeeAmortization, p.FeeDeposit)
		if err != nil {
			return t, err
		}
		t, err = t.Contribute(p.Contribution)
		if err != nil {
			return t, err
		}
	}
	return t, nil
}
