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
	"time"

	"github.com/opencash/opencash/currency"
	"github.com/opencash/opencash/pay"
	"github.com/stretchr/testify/require"
)

func testExchangeRecord() pay.ExchangeRecord {
	return pay.ExchangeRecord{
		BaseURL:     testExchange,
		MasterPub:   "MASTER1",
		Currency:    "EUR",
		AuditorPubs: []string{"AUDITOR1"},
		Accounts: []pay.ExchangeAccount{
			{PaytoURI: "payto://iban/DE123", WireMethod: "iban"},
		},
		WireFees: map[string]currency.Amount{
			"iban": currency.MustParse("EUR:0.05"),
		},
	}
}

func testDenomInfo(hash, value, feeDeposit string) pay.DenominationInfo {
	return pay.DenominationInfo{
		ExchangeBaseURL:    testExchange,
		DenomPubHash:       hash,
		Value:              currency.MustParse(value),
		FeeDeposit:         currency.MustParse(feeDeposit),
		FeeRefresh:         currency.MustParse("EUR:0.01"),
		FeeRefund:          currency.MustParse("EUR:0.01"),
		IsOffered:          true,
		StampExpireDeposit: time.Now().Add(24 * time.Hour),
	}
}

func baseRequest() pay.CandidateRequest {
	return pay.CandidateRequest{
		Amount:     currency.MustParse("EUR:10"),
		WireMethod: "iban",
		AllowedExchanges: []pay.AllowedExchange{
			{ExchangeBaseURL: testExchange, ExchangePub: "MASTER1"},
		},
		Now: time.Now(),
	}
}

func TestSelectCandidatesTrustViaExchangeOrAuditor(t *testing.T) {
	exch := testExchangeRecord()
	denoms := []pay.DenominationInfo{testDenomInfo("d1", "EUR:5", "EUR:0.1")}
	avail := []pay.CoinAvailability{{
		ExchangeBaseURL: testExchange, DenomPubHash: "d1",
		MaxAge: pay.AgeUnrestricted, FreshCount: 3,
	}}

	t.Run("via exchange allow-list", func(t *testing.T) {
		got := pay.SelectCandidates(baseRequest(), []pay.ExchangeRecord{exch}, denoms, avail)
		require.Len(t, got.Denoms, 1)
		require.Equal(t, 3, got.Denoms[0].NumAvailable)
		require.Equal(t, "EUR:0.05", got.WireFeesPerExchange[testExchange].String())
	})

	t.Run("via auditor only", func(t *testing.T) {
		req := baseRequest()
		req.AllowedExchanges = nil
		req.AllowedAuditors = []pay.AllowedAuditor{{AuditorBaseURL: "https://auditor.example.com/", AuditorPub: "AUDITOR1"}}
		got := pay.SelectCandidates(req, []pay.ExchangeRecord{exch}, denoms, avail)
		require.Len(t, got.Denoms, 1)
	})

	t.Run("no trust path", func(t *testing.T) {
		req := baseRequest()
		req.AllowedExchanges = []pay.AllowedExchange{{ExchangeBaseURL: testExchange, ExchangePub: "OTHER"}}
		got := pay.SelectCandidates(req, []pay.ExchangeRecord{exch}, denoms, avail)
		require.Empty(t, got.Denoms)
	})
}

func TestSelectCandidatesSkipsByCurrencyAndWireMethod(t *testing.T) {
	denoms := []pay.DenominationInfo{testDenomInfo("d1", "EUR:5", "EUR:0.1")}
	avail := []pay.CoinAvailability{{
		ExchangeBaseURL: testExchange, DenomPubHash: "d1",
		MaxAge: pay.AgeUnrestricted, FreshCount: 1,
	}}

	t.Run("wrong currency", func(t *testing.T) {
		exch := testExchangeRecord()
		exch.Currency = "USD"
		got := pay.SelectCandidates(baseRequest(), []pay.ExchangeRecord{exch}, denoms, avail)
		require.Empty(t, got.Denoms)
	})

	t.Run("unsupported wire method", func(t *testing.T) {
		req := baseRequest()
		req.WireMethod = "x-bitcoin"
		got := pay.SelectCandidates(req, []pay.ExchangeRecord{testExchangeRecord()}, denoms, avail)
		require.Empty(t, got.Denoms)
	})
}

func TestSelectCandidatesExcludesUnusableDenoms(t *testing.T) {
	revoked := testDenomInfo("d1", "EUR:5", "EUR:0.1")
	revoked.IsRevoked = true
	gone := testDenomInfo("d2", "EUR:5", "EUR:0.1")
	gone.IsOffered = false
	expired := testDenomInfo("d3", "EUR:5", "EUR:0.1")
	expired.StampExpireDeposit = time.Now().Add(-time.Hour)
	usable := testDenomInfo("d4", "EUR:5", "EUR:0.1")

	var avail []pay.CoinAvailability
	for _, h := range []string{"d1", "d2", "d3", "d4"} {
		avail = append(avail, pay.CoinAvailability{
			ExchangeBaseURL: testExchange, DenomPubHash: h,
			MaxAge: pay.AgeUnrestricted, FreshCount: 1,
		})
	}

	got := pay.SelectCandidates(
		baseRequest(),
		[]pay.ExchangeRecord{testExchangeRecord()},
		[]pay.DenominationInfo{revoked, gone, expired, usable},
		avail,
	)
	require.Len(t, got.Denoms, 1)
	require.Equal(t, "d4", got.Denoms[0].DenomPubHash)
}

func TestSelectCandidatesExcludesMismatchedDenomCurrency(t *testing.T) {
	// A denomination recorded in another currency must never reach the
	// selection sort, which compares amounts within one currency.
	usable := testDenomInfo("d1", "EUR:5", "EUR:0.1")
	foreignValue := testDenomInfo("d2", "EUR:5", "EUR:0.1")
	foreignValue.Value = currency.MustParse("USD:5")
	foreignFee := testDenomInfo("d3", "EUR:5", "EUR:0.1")
	foreignFee.FeeDeposit = currency.MustParse("USD:0.1")

	var avail []pay.CoinAvailability
	for _, h := range []string{"d1", "d2", "d3"} {
		avail = append(avail, pay.CoinAvailability{
			ExchangeBaseURL: testExchange, DenomPubHash: h,
			MaxAge: pay.AgeUnrestricted, FreshCount: 1,
		})
	}

	got := pay.SelectCandidates(
		baseRequest(),
		[]pay.ExchangeRecord{testExchangeRecord()},
		[]pay.DenominationInfo{usable, foreignValue, foreignFee},
		avail,
	)
	require.Len(t, got.Denoms, 1)
	require.Equal(t, "d1", got.Denoms[0].DenomPubHash)
}

func TestSelectCandidatesAgeWindow(t *testing.T) {
	denoms := []pay.DenominationInfo{testDenomInfo("d1", "EUR:5", "EUR:0.1")}
	avail := []pay.CoinAvailability{
		{ExchangeBaseURL: testExchange, DenomPubHash: "d1", MaxAge: 12, FreshCount: 2},
		{ExchangeBaseURL: testExchange, DenomPubHash: "d1", MaxAge: 18, FreshCount: 1},
	}

	req := baseRequest()
	req.RequiredMinimumAge = 16
	got := pay.SelectCandidates(req, []pay.ExchangeRecord{testExchangeRecord()}, denoms, avail)
	require.Len(t, got.Denoms, 1)
	require.Equal(t, 18, got.Denoms[0].MaxAge)

	req.RequiredMinimumAge = 0
	got = pay.SelectCandidates(req, []pay.ExchangeRecord{testExchangeRecord()}, denoms, avail)
	require.Len(t, got.Denoms, 2)
}

func TestSelectCandidatesSortOrder(t *testing.T) {
	denoms := []pay.DenominationInfo{
		testDenomInfo("bbb", "EUR:2", "EUR:0.1"),
		testDenomInfo("aaa", "EUR:2", "EUR:0.1"),
		testDenomInfo("ccc", "EUR:2", "EUR:0.05"),
		testDenomInfo("ddd", "EUR:5", "EUR:0.2"),
	}
	var avail []pay.CoinAvailability
	for _, d := range denoms {
		avail = append(avail, pay.CoinAvailability{
			ExchangeBaseURL: testExchange, DenomPubHash: d.DenomPubHash,
			MaxAge: pay.AgeUnrestricted, FreshCount: 1,
		})
	}

	got := pay.SelectCandidates(baseRequest(), []pay.ExchangeRecord{testExchangeRecord()}, denoms, avail)
	require.Len(t, got.Denoms, 4)

	var hashes []string
	for _, d := range got.Denoms {
		hashes = append(hashes, d.DenomPubHash)
	}
	// Value descending, then deposit fee ascending, then hash ascending.
	require.Equal(t, []string{"ddd", "ccc", "aaa", "bbb"}, hashes)
}
