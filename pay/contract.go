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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opencash/opencash/currency"
)

// AllowedExchange is an exchange the merchant accepts payments from.
type AllowedExchange struct {
	ExchangeBaseURL string `json:"url"`
	ExchangePub     string `json:"master_pub"`
}

// AllowedAuditor is an auditor whose co-signature the merchant trusts as an
// alternative to direct exchange allow-listing.
type AllowedAuditor struct {
	AuditorBaseURL string `json:"url"`
	AuditorPub     string `json:"auditor_pub"`
}

// ContractTerms are the raw merchant-signed contract terms as found on the
// wire. Field presence is validated by [DecodeContractTerms]; semantic
// normalization happens in [ExtractContractData].
type ContractTerms struct {
	Amount          string `json:"amount"`
	Summary         string `json:"summary"`
	FulfillmentURL  string `json:"fulfillment_url"`
	OrderID         string `json:"order_id"`
	MerchantPub     string `json:"merchant_pub"`
	MerchantBaseURL string `json:"merchant_base_url"`
	WireMethod      string `json:"wire_method"`
	HWire           string `json:"h_wire"`

	// All deadlines are UNIX seconds.
	Timestamp            int64 `json:"timestamp"`
	PayDeadline          int64 `json:"pay_deadline"`
	RefundDeadline       int64 `json:"refund_deadline"`
	WireTransferDeadline int64 `json:"wire_transfer_deadline"`

	MaxFee              string `json:"max_fee"`
	MaxWireFee          string `json:"max_wire_fee,omitempty"`
	WireFeeAmortization uint32 `json:"wire_fee_amortization,omitempty"`

	Exchanges []AllowedExchange `json:"exchanges"`
	Auditors  []AllowedAuditor  `json:"auditors"`

	MinimumAge int `json:"minimum_age,omitempty"`
	// AutoRefundSeconds, when present, asks the wallet to watch for a refund
	// for this long after a successful payment.
	AutoRefundSeconds *int64 `json:"auto_refund,omitempty"`
}

// ContractData is the normalized, immutable view of a merchant contract.
// It is derived deterministically from the raw signed terms plus the
// verified merchant signature and never mutated afterwards.
type ContractData struct {
	Amount          currency.Amount
	Summary         string
	FulfillmentURL  string
	OrderID         string
	MerchantPub     string
	MerchantBaseURL string
	WireMethod      string
	WireInfoHash    string

	ContractTermsHash string
	MerchantSig       string

	Timestamp            time.Time
	PayDeadline          time.Time
	RefundDeadline       time.Time
	WireTransferDeadline time.Time

	MaxDepositFee       currency.Amount
	MaxWireFee          currency.Amount
	WireFeeAmortization uint32

	AllowedExchanges []AllowedExchange
	AllowedAuditors  []AllowedAuditor

	MinimumAge int
	AutoRefund *time.Duration
}

// DecodeContractTerms decodes raw contract terms and checks structural
// well-formedness. Fields the redaction protocol allows the merchant to
// forget are not required; the fields the payment core depends on are.
func DecodeContractTerms(raw []byte) (*ContractTerms, error) {
	var terms ContractTerms
	if err := json.Unmarshal(raw, &terms); err != nil {
		return nil, ValidationError{Err: fmt.Errorf("malformed contract terms: %w", err)}
	}

	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"amount", terms.Amount},
		{"order_id", terms.OrderID},
		{"merchant_pub", terms.MerchantPub},
		{"merchant_base_url", terms.MerchantBaseURL},
		{"wire_method", terms.WireMethod},
		{"h_wire", terms.HWire},
		{"max_fee", terms.MaxFee},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, ValidationError{Err: fmt.Errorf("contract terms missing fields %v", missing)}
	}
	if len(terms.Exchanges) == 0 && len(terms.Auditors) == 0 {
		return nil, ValidationError{Err: errors.New("contract terms allow no exchanges and no auditors")}
	}

	return &terms, nil
}

// ExtractContractData maps validated raw terms to a [ContractData]. The
// caller must already have verified the merchant signature over the
// contract-terms hash and that the fetch URL matches merchant_base_url;
// extraction itself is a pure mapping.
func ExtractContractData(terms *ContractTerms, contractTermsHash, merchantSig string) (ContractData, error) {
	amount, err := currency.Parse(terms.Amount)
	if err != nil {
		return ContractData{}, ValidationError{Err: fmt.Errorf("contract amount: %w", err)}
	}

	maxDepositFee, err := currency.Parse(terms.MaxFee)
	if err != nil {
		return ContractData{}, ValidationError{Err: fmt.Errorf("contract max_fee: %w", err)}
	}

	maxWireFee := currency.Zero(amount.Currency)
	if terms.MaxWireFee != "" {
		maxWireFee, err = currency.Parse(terms.MaxWireFee)
		if err != nil {
			return ContractData{}, ValidationError{Err: fmt.Errorf("contract max_wire_fee: %w", err)}
		}
	}

	amortization := terms.WireFeeAmortization
	if amortization == 0 {
		amortization = 1
	}

	data := ContractData{
		Amount:          amount,
		Summary:         terms.Summary,
		FulfillmentURL:  terms.FulfillmentURL,
		OrderID:         terms.OrderID,
		MerchantPub:     terms.MerchantPub,
		MerchantBaseURL: terms.MerchantBaseURL,
		WireMethod:      terms.WireMethod,
		WireInfoHash:    terms.HWire,

		ContractTermsHash: contractTermsHash,
		MerchantSig:       merchantSig,

		Timestamp:            time.Unix(terms.Timestamp, 0),
		PayDeadline:          time.Unix(terms.PayDeadline, 0),
		RefundDeadline:       time.Unix(terms.RefundDeadline, 0),
		WireTransferDeadline: time.Unix(terms.WireTransferDeadline, 0),

		MaxDepositFee:       maxDepositFee,
		MaxWireFee:          maxWireFee,
		WireFeeAmortization: amortization,

		AllowedExchanges: terms.Exchanges,
		AllowedAuditors:  terms.Auditors,

		MinimumAge: terms.MinimumAge,
	}

	if terms.AutoRefundSeconds != nil {
		d := time.Duration(*terms.AutoRefundSeconds) * time.Second
		data.AutoRefund = &d
	}

	return data, nil
}
