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

// Package pay implements the merchant-payment core of the wallet: contract
// extraction, denomination-candidate gathering, coin selection with fee
// amortization, and the purchase and refund record types the state machine
// persists.
package pay

import (
	"time"

	"github.com/opencash/opencash/currency"
)

// AgeUnrestricted marks a coin or availability bucket that carries no age
// commitment and can satisfy any age requirement.
const AgeUnrestricted = 1<<31 - 1

// CoinStatus enumerates the lifecycle of a withdrawn coin.
type CoinStatus string

const (
	// CoinStatusFresh means the coin is unspent and may be selected.
	CoinStatusFresh CoinStatus = "fresh"
	// CoinStatusSpent means the coin's full value is committed to a purchase.
	CoinStatusSpent CoinStatus = "spent"
	// CoinStatusDormant means the coin holds residual value that is being, or
	// has been, converted into new coins by the refresh subsystem.
	CoinStatusDormant CoinStatus = "dormant"
)

// Coin is a single withdrawn unit of a denomination.
type Coin struct {
	CoinPub         string
	ExchangeBaseURL string
	DenomPubHash    string
	Status          CoinStatus
	// CurrentAmount is the residual value of the coin. For a fresh coin this
	// equals the denomination value.
	CurrentAmount currency.Amount
	// MaxAge is the largest age group the coin's age commitment can attest,
	// or [AgeUnrestricted].
	MaxAge int
	// AllocatedTo is the proposal ID of the purchase this coin is committed
	// to, or empty. Set under the same transaction that persists the
	// selection so a concurrent payment can never pick the same coin.
	AllocatedTo string
}

// DenominationInfo describes an exchange-signed coin class.
type DenominationInfo struct {
	ExchangeBaseURL string
	DenomPubHash    string
	Value           currency.Amount
	FeeDeposit      currency.Amount
	FeeRefresh      currency.Amount
	FeeRefund       currency.Amount
	// IsRevoked is set when the exchange has revoked the denomination key.
	IsRevoked bool
	// IsOffered is cleared when the exchange no longer lists the denomination.
	IsOffered          bool
	StampExpireDeposit time.Time
}

// ExchangeAccount is a bank account registered by an exchange.
type ExchangeAccount struct {
	PaytoURI   string
	WireMethod string
}

// ExchangeRecord is the wallet's view of a known exchange.
type ExchangeRecord struct {
	BaseURL   string
	MasterPub string
	Currency  string
	// AuditorPubs are the public keys of auditors that co-sign this
	// exchange's denominations.
	AuditorPubs []string
	Accounts    []ExchangeAccount
	// WireFees maps a wire method to the fee the exchange charges for a wire
	// transfer using that method.
	WireFees map[string]currency.Amount
}

// SupportsWireMethod reports whether any of the exchange's accounts can
// receive the given wire method.
func (e *ExchangeRecord) SupportsWireMethod(method string) bool {
	for _, acc := range e.Accounts {
		if acc.WireMethod == method {
			return true
		}
	}
	return false
}

// CoinAvailability is a fresh-coin count bucketed by exchange, denomination
// and maximum attestable age.
type CoinAvailability struct {
	ExchangeBaseURL string
	DenomPubHash    string
	MaxAge          int
	FreshCount      int
}
