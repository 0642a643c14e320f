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

package merchant

import (
	"encoding/json"

	"github.com/opencash/opencash/currency"
)

// Error codes reported inside merchant and exchange error bodies. Only the
// codes the wallet acts on are named here.
const (
	// CodeExchangeInsufficientFunds is reported by the exchange, relayed
	// through the merchant's 409 response, when one of the deposited coins
	// no longer carries its claimed value.
	CodeExchangeInsufficientFunds = 1370

	// CodeExchangeDepositUnknown is reported during an abort when the
	// exchange never saw the deposit for a coin. The coin's full
	// contribution is then still intact.
	CodeExchangeDepositUnknown = 1856
)

// ClaimRequest is the body of POST orders/{id}/claim. The nonce binds the
// claimed contract to this wallet.
type ClaimRequest struct {
	Nonce string `json:"nonce"`
	Token string `json:"token,omitempty"`
}

// ClaimResponse carries the claimed contract terms and the merchant's
// signature over their hash.
type ClaimResponse struct {
	ContractTerms json.RawMessage `json:"contract_terms"`
	Sig           string          `json:"sig"`
}

// CoinDeposit is one signed deposit permission as sent to the merchant's
// pay endpoint.
type CoinDeposit struct {
	CoinPub      string          `json:"coin_pub"`
	DenomPubHash string          `json:"h_denom"`
	Contribution currency.Amount `json:"contribution"`
	ExchangeURL  string          `json:"exchange_url"`
	UBSig        string          `json:"ub_sig"`
	CoinSig      string          `json:"coin_sig"`
}

// PayRequest is the body of POST orders/{id}/pay.
type PayRequest struct {
	Coins     []CoinDeposit `json:"coins"`
	SessionID string        `json:"session_id,omitempty"`
}

// PayResponse carries the merchant's signature over the contract-terms
// hash, proving the payment was accepted.
type PayResponse struct {
	Sig string `json:"sig"`
}

// PaidRequest is the body of POST orders/{id}/paid, used to replay an
// already-completed payment under a new session.
type PaidRequest struct {
	Sig          string `json:"sig"`
	ContractHash string `json:"h_contract"`
	SessionID    string `json:"session_id,omitempty"`
}

// OrderStatus is the response of GET orders/{id}.
type OrderStatus struct {
	// OrderStatusString is "paid", "claimed" or "unpaid".
	OrderStatusString string `json:"order_status"`

	// RefundAmount is the total refund granted so far.
	RefundAmount *currency.Amount `json:"refund_amount,omitempty"`

	// RefundAwaiting is the portion of the granted refund the wallet has
	// not yet picked up.
	RefundAwaiting *currency.Amount `json:"refund_taken_missing,omitempty"`

	// RefundPending reports whether a refund is still being processed by
	// the exchange.
	RefundPending bool `json:"refund_pending"`
}

// RefundRequest is the body of POST orders/{id}/refund.
type RefundRequest struct {
	ContractHash string `json:"h_contract"`
}

// AbortingCoin identifies one originally selected coin in an abort request.
type AbortingCoin struct {
	CoinPub      string          `json:"coin_pub"`
	Contribution currency.Amount `json:"contribution"`
	ExchangeURL  string          `json:"exchange_url"`
}

// AbortRequest is the body of POST orders/{id}/abort.
type AbortRequest struct {
	ContractHash string         `json:"h_contract"`
	Coins        []AbortingCoin `json:"coins"`
}

// RefundResultType tags a per-coin refund status as applied by the exchange
// or rejected.
type RefundResultType string

const (
	RefundResultSuccess RefundResultType = "success"
	RefundResultFailure RefundResultType = "failure"
)

// CoinRefundStatus is one entry of a refund or abort response: the outcome
// of refunding one (coin, rtransaction_id) pair at the exchange.
type CoinRefundStatus struct {
	Type           RefundResultType `json:"type"`
	CoinPub        string           `json:"coin_pub"`
	RTransactionID uint64           `json:"rtransaction_id"`
	RefundAmount   currency.Amount  `json:"refund_amount"`
	// ExecutionTime is seconds since the Unix epoch.
	ExecutionTime int64 `json:"execution_time"`

	// Set when Type is success.
	ExchangeSig string `json:"exchange_sig,omitempty"`
	ExchangePub string `json:"exchange_pub,omitempty"`

	// ExchangeStatus is the HTTP status the exchange answered with, set
	// when Type is failure. 2xx values mean the refund is simply not
	// final yet.
	ExchangeStatus int `json:"exchange_status,omitempty"`
	// ExchangeCode is the error code from the exchange's reply, when one
	// was given.
	ExchangeCode int `json:"exchange_code,omitempty"`
}

// RefundResponse is the response of the refund and abort endpoints.
type RefundResponse struct {
	Refunds []CoinRefundStatus `json:"refunds"`
}

// errorBody is the merchant's generic error response.
type errorBody struct {
	Code          int            `json:"code"`
	Hint          string         `json:"hint,omitempty"`
	ExchangeReply *exchangeReply `json:"exchange_reply,omitempty"`
}

// exchangeReply is the exchange error the merchant relays on a 409.
type exchangeReply struct {
	Code    int    `json:"code"`
	CoinPub string `json:"coin_pub,omitempty"`
}
