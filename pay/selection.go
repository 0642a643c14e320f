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
	"fmt"

	"github.com/opencash/opencash/currency"
)

// SelResult maps availability buckets to the per-coin contributions drawn
// from them. It is the intermediate selection output, resolved against
// concrete coin identities by the caller.
type SelResult map[AvailabilityKey][]currency.Amount

// Selection is a successful selection pass: the chosen contributions plus
// the final fee tally.
type Selection struct {
	Result SelResult
	Tally  CoinSelectionTally
}

// SelectPayCoinsRequest parametrizes one selection pass. Both strategies are
// pure functions of the request and the candidates.
type SelectPayCoinsRequest struct {
	ContractAmount      currency.Amount
	DepositFeeLimit     currency.Amount
	WireFeeLimit        currency.Amount
	WireFeeAmortization uint32
	// PrevPayCoins seed the tally with coins already committed by an earlier
	// selection that is being extended, e.g. after an insufficient-funds
	// conflict.
	PrevPayCoins []PreviousPayCoin
}

func (req *SelectPayCoinsRequest) newTally() (CoinSelectionTally, error) {
	if req.ContractAmount.Currency == "" {
		return CoinSelectionTally{}, fmt.Errorf("selection request without a contract amount: %w", currency.ErrInvalidAmount)
	}
	return NewTally(req.ContractAmount, req.WireFeeLimit, req.DepositFeeLimit), nil
}

func (req *SelectPayCoinsRequest) amortization() uint32 {
	if req.WireFeeAmortization == 0 {
		return 1
	}
	return req.WireFeeAmortization
}

// SelectGreedy walks the candidates in gathered order and keeps drawing
// coins until the contract amount (plus any customer-borne fees) is covered.
// It returns ok=false when the candidates are exhausted first, which the
// caller reports as insufficient balance.
func SelectGreedy(req SelectPayCoinsRequest, candidates Candidates) (*Selection, bool, error) {
	tally, err := req.newTally()
	if err != nil {
		return nil, false, err
	}
	tally, err = tally.SeedPrevious(req.PrevPayCoins, candidates.WireFeesPerExchange, req.amortization())
	if err != nil {
		return nil, false, err
	}

	result := SelResult{}
	for _, denom := range candidates.Denoms {
		if tally.AmountPayRemaining.IsZero() {
			break
		}

		// A coin whose deposit fee exceeds its value can never pay for
		// itself, regardless of the remaining amount.
		feeVsValue, err := denom.FeeDeposit.Cmp(denom.Value)
		if err != nil {
			return nil, false, err
		}
		if feeVsValue > 0 {
			continue
		}

		for n := 0; n < denom.NumAvailable && !tally.AmountPayRemaining.IsZero(); n++ {
			tally, err = tally.TallyCoinFees(
				denom.ExchangeBaseURL, candidates.WireFeesPerExchange, req.amortization(), denom.FeeDeposit,
			)
			if err != nil {
				return nil, false, err
			}

			contribution, err := tally.AmountPayRemaining.Min(denom.Value)
			if err != nil {
				return nil, false, err
			}
			contribution, err = contribution.Max(denom.FeeDeposit)
			if err != nil {
				return nil, false, err
			}

			tally, err = tally.Contribute(contribution)
			if err != nil {
				return nil, false, err
			}
			key := denom.Key()
			result[key] = append(result[key], contribution)
		}
	}

	if !tally.AmountPayRemaining.IsZero() {
		return nil, false, nil
	}

	return &Selection{Result: result, Tally: tally}, true, nil
}

// ForcedCoinSel pins the exact denomination values a selection must use.
// This is a test and diagnostic path.
type ForcedCoinSel struct {
	Coins []ForcedCoin
}

// ForcedCoin names one coin by its denomination value.
type ForcedCoin struct {
	Value currency.Amount
}

// SelectForced picks one available coin per forced entry, matching
// denomination values exactly. A forced entry without a matching available
// denomination is a hard logic error ([ErrNoMatchingCoin]), not an
// insufficient-balance condition.
func SelectForced(req SelectPayCoinsRequest, candidates Candidates, forced ForcedCoinSel) (*Selection, error) {
	tally, err := req.newTally()
	if err != nil {
		return nil, err
	}
	tally, err = tally.SeedPrevious(req.PrevPayCoins, candidates.WireFeesPerExchange, req.amortization())
	if err != nil {
		return nil, err
	}

	remaining := make([]int, len(candidates.Denoms))
	for i, d := range candidates.Denoms {
		remaining[i] = d.NumAvailable
	}

	result := SelResult{}
	for _, fc := range forced.Coins {
		matched := false
		for i, denom := range candidates.Denoms {
			if remaining[i] <= 0 {
				continue
			}
			cmp, err := denom.Value.Cmp(fc.Value)
			if err != nil {
				return nil, err
			}
			if cmp != 0 {
				continue
			}

			tally, err = tally.TallyCoinFees(
				denom.ExchangeBaseURL, candidates.WireFeesPerExchange, req.amortization(), denom.FeeDeposit,
			)
			if err != nil {
				return nil, err
			}
			tally, err = tally.Contribute(denom.Value)
			if err != nil {
				return nil, err
			}

			remaining[i]--
			key := denom.Key()
			result[key] = append(result[key], denom.Value)
			matched = true
			break
		}
		if !matched {
			return nil, fmt.Errorf("forced value %s: %w", fc.Value, ErrNoMatchingCoin)
		}
	}

	return &Selection{Result: result, Tally: tally}, nil
}
