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
	"encoding/json"
	"testing"
	"time"

	"github.com/opencash/opencash/pay"
	"github.com/stretchr/testify/require"
)

func validTerms() map[string]any {
	return map[string]any{
		"amount":            "EUR:10",
		"summary":           "a test article",
		"order_id":          "order-1",
		"merchant_pub":      "MERCHPUB",
		"merchant_base_url": "https://merchant.example.com/",
		"wire_method":       "iban",
		"h_wire":            "HWIRE",
		"timestamp":         1700000000,
		"pay_deadline":      1700003600,
		"refund_deadline":   1700007200,
		"max_fee":           "EUR:1",
		"exchanges": []map[string]string{
			{"url": "https://exchange.example.com/", "master_pub": "MASTER1"},
		},
	}
}

func marshalTerms(t *testing.T, terms map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(terms)
	require.NoError(t, err)
	return raw
}

func TestDecodeContractTerms(t *testing.T) {
	terms, err := pay.DecodeContractTerms(marshalTerms(t, validTerms()))
	require.NoError(t, err)
	require.Equal(t, "order-1", terms.OrderID)
	require.Equal(t, "EUR:10", terms.Amount)
}

func TestDecodeContractTermsFailures(t *testing.T) {
	tests := map[string]func(m map[string]any){
		"missing amount":       func(m map[string]any) { delete(m, "amount") },
		"missing order id":     func(m map[string]any) { delete(m, "order_id") },
		"missing merchant pub": func(m map[string]any) { delete(m, "merchant_pub") },
		"missing base url":     func(m map[string]any) { delete(m, "merchant_base_url") },
		"missing wire method":  func(m map[string]any) { delete(m, "wire_method") },
		"missing max fee":      func(m map[string]any) { delete(m, "max_fee") },
		"no trust anchors":     func(m map[string]any) { delete(m, "exchanges") },
	}

	for name, mod := range tests {
		t.Run(name, func(t *testing.T) {
			m := validTerms()
			mod(m)
			_, err := pay.DecodeContractTerms(marshalTerms(t, m))
			require.Error(t, err)

			var verr pay.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}

	t.Run("not json", func(t *testing.T) {
		_, err := pay.DecodeContractTerms([]byte("{nope"))
		var verr pay.ValidationError
		require.ErrorAs(t, err, &verr)
	})
}

func TestExtractContractData(t *testing.T) {
	m := validTerms()
	m["wire_fee_amortization"] = 3
	m["max_wire_fee"] = "EUR:0.6"
	m["auto_refund"] = 600
	m["minimum_age"] = 18

	terms, err := pay.DecodeContractTerms(marshalTerms(t, m))
	require.NoError(t, err)

	data, err := pay.ExtractContractData(terms, "CONTRACTHASH", "MERCHSIG")
	require.NoError(t, err)

	require.Equal(t, "EUR:10", data.Amount.String())
	require.Equal(t, "EUR:1", data.MaxDepositFee.String())
	require.Equal(t, "EUR:0.6", data.MaxWireFee.String())
	require.Equal(t, uint32(3), data.WireFeeAmortization)
	require.Equal(t, "CONTRACTHASH", data.ContractTermsHash)
	require.Equal(t, "MERCHSIG", data.MerchantSig)
	require.Equal(t, 18, data.MinimumAge)
	require.NotNil(t, data.AutoRefund)
	require.Equal(t, 10*time.Minute, *data.AutoRefund)
	require.Equal(t, time.Unix(1700000000, 0), data.Timestamp)
}

func TestExtractContractDataDefaults(t *testing.T) {
	terms, err := pay.DecodeContractTerms(marshalTerms(t, validTerms()))
	require.NoError(t, err)

	data, err := pay.ExtractContractData(terms, "H", "S")
	require.NoError(t, err)

	// Amortization defaults to 1, max wire fee to zero in the contract currency.
	require.Equal(t, uint32(1), data.WireFeeAmortization)
	require.True(t, data.MaxWireFee.IsZero())
	require.Equal(t, "EUR", data.MaxWireFee.Currency)
	require.Nil(t, data.AutoRefund)
}

func TestExtractContractDataBadAmounts(t *testing.T) {
	m := validTerms()
	m["amount"] = "ten euros"
	terms, err := pay.DecodeContractTerms(marshalTerms(t, m))
	require.NoError(t, err)

	_, err = pay.ExtractContractData(terms, "H", "S")
	var verr pay.ValidationError
	require.ErrorAs(t, err, &verr)
}
