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
	"sort"
	"time"

	"github.com/opencash/opencash/currency"
)

// AvailabilityKey identifies a bucket of interchangeable fresh coins.
type AvailabilityKey struct {
	ExchangeBaseURL string
	DenomPubHash    string
	MaxAge          int
}

// AvailableDenom is a usable denomination together with its fresh-coin
// availability. Ephemeral: recomputed per selection attempt, never persisted.
type AvailableDenom struct {
	ExchangeBaseURL string
	DenomPubHash    string
	Value           currency.Amount
	FeeDeposit      currency.Amount
	FeeRefresh      currency.Amount
	NumAvailable    int
	MaxAge          int
}

// Key returns the availability bucket this denomination draws from.
func (d AvailableDenom) Key() AvailabilityKey {
	return AvailabilityKey{
		ExchangeBaseURL: d.ExchangeBaseURL,
		DenomPubHash:    d.DenomPubHash,
		MaxAge:          d.MaxAge,
	}
}

// CandidateRequest describes what the gatherer should look for.
type CandidateRequest struct {
	// Amount is the contract amount; only exchanges operating in its
	// currency qualify.
	Amount           currency.Amount
	WireMethod       string
	AllowedExchanges []AllowedExchange
	AllowedAuditors  []AllowedAuditor
	// RequiredMinimumAge restricts candidates to coins whose age commitment
	// can attest at least this age group. Zero means unrestricted.
	RequiredMinimumAge int
	// Now is the wallet clock, used to exclude denominations whose deposit
	// window has closed.
	Now time.Time
}

// Candidates is the gatherer output consumed by both selection strategies.
type Candidates struct {
	// Denoms is sorted by value descending, then deposit fee ascending, then
	// denomination hash ascending. Both selection strategies rely on this
	// exact order for determinism.
	Denoms []AvailableDenom
	// WireFeesPerExchange maps exchange base URLs to the wire fee for the
	// requested wire method.
	WireFeesPerExchange map[string]currency.Amount
}

// exchangeTrusted applies the contract's trust policy: the exchange
// qualifies through a direct allow-list entry or through any one of its
// auditors, whichever matches first.
func exchangeTrusted(exch *ExchangeRecord, req *CandidateRequest) bool {
	for _, allowed := range req.AllowedExchanges {
		if allowed.ExchangePub == exch.MasterPub {
			return true
		}
	}
	for _, allowed := range req.AllowedAuditors {
		for _, pub := range exch.AuditorPubs {
			if allowed.AuditorPub == pub {
				return true
			}
		}
	}
	return false
}

// SelectCandidates filters the wallet's exchanges, denominations and
// availability buckets down to the denominations usable for this payment.
// It is a pure function of its inputs; the caller feeds it from the store.
func SelectCandidates(
	req CandidateRequest,
	exchanges []ExchangeRecord,
	denoms []DenominationInfo,
	avail []CoinAvailability,
) Candidates {
	accepted := make(map[string]*ExchangeRecord)
	wireFees := make(map[string]currency.Amount)
	for i := range exchanges {
		exch := &exchanges[i]
		if exch.Currency != req.Amount.Currency {
			continue
		}
		if !exch.SupportsWireMethod(req.WireMethod) {
			continue
		}
		if !exchangeTrusted(exch, &req) {
			continue
		}
		accepted[exch.BaseURL] = exch
		if fee, ok := exch.WireFees[req.WireMethod]; ok {
			wireFees[exch.BaseURL] = fee
		} else {
			wireFees[exch.BaseURL] = currency.Zero(req.Amount.Currency)
		}
	}

	denomByKey := make(map[string]*DenominationInfo)
	for i := range denoms {
		d := &denoms[i]
		if _, ok := accepted[d.ExchangeBaseURL]; !ok {
			continue
		}
		if d.IsRevoked || !d.IsOffered {
			continue
		}
		if d.Value.Currency != req.Amount.Currency ||
			d.FeeDeposit.Currency != req.Amount.Currency ||
			d.FeeRefresh.Currency != req.Amount.Currency {
			continue
		}
		if !req.Now.IsZero() && !d.StampExpireDeposit.IsZero() && req.Now.After(d.StampExpireDeposit) {
			continue
		}
		denomByKey[d.ExchangeBaseURL+"/"+d.DenomPubHash] = d
	}

	var out []AvailableDenom
	for _, bucket := range avail {
		if bucket.FreshCount <= 0 {
			continue
		}
		if req.RequiredMinimumAge > 0 && bucket.MaxAge < req.RequiredMinimumAge {
			continue
		}
		d, ok := denomByKey[bucket.ExchangeBaseURL+"/"+bucket.DenomPubHash]
		if !ok {
			continue
		}
		out = append(out, AvailableDenom{
			ExchangeBaseURL: d.ExchangeBaseURL,
			DenomPubHash:    d.DenomPubHash,
			Value:           d.Value,
			FeeDeposit:      d.FeeDeposit,
			FeeRefresh:      d.FeeRefresh,
			NumAvailable:    bucket.FreshCount,
			MaxAge:          bucket.MaxAge,
		})
	}

	// All candidate amounts share the requested currency at this point, so
	// the comparisons cannot fail.
	sort.SliceStable(out, func(i, j int) bool {
		byValue, _ := out[i].Value.Cmp(out[j].Value)
		if byValue != 0 {
			return byValue > 0
		}
		byFee, _ := out[i].FeeDeposit.Cmp(out[j].FeeDeposit)
		if byFee != 0 {
			return byFee < 0
		}
		return out[i].DenomPubHash < out[j].DenomPubHash
	})

	return Candidates{
		Denoms:              out,
		WireFeesPerExchange: wireFees,
	}
}
