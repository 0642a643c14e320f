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

// Package storage defines the transactional store contract the payment core
// runs against. The persistent engine itself is a collaborator; this package
// only fixes the transaction semantics and the record stores the core needs.
package storage

import (
	"context"
	"errors"

	"github.com/opencash/opencash/currency"
	"github.com/opencash/opencash/pay"
)

// StoreName names one logical record store. Transactions declare the exact
// set of stores they touch.
type StoreName string

const (
	StorePurchases        StoreName = "purchases"
	StoreCoins            StoreName = "coins"
	StoreDenominations    StoreName = "denominations"
	StoreCoinAvailability StoreName = "coin-availability"
	StoreExchanges        StoreName = "exchanges"
	StoreRefreshGroups    StoreName = "refresh-groups"
	StoreContractTerms    StoreName = "contract-terms"
	StoreBackupProviders  StoreName = "backup-providers"
)

// ErrUndeclaredStore indicates a transaction accessed a store it did not
// declare. This is a programming error in the caller.
var ErrUndeclaredStore = errors.New("store was not declared by the transaction")

// RefreshGroup is a batch of coins handed to the refresh subsystem.
type RefreshGroup struct {
	RefreshGroupID string
	CoinPubs       []string
	// InputPerCoin is the residual value to be refreshed per coin, parallel
	// to CoinPubs.
	InputPerCoin []currency.Amount
}

// ContractTermsRecord stores raw contract terms content-addressed by their
// hash, deduplicated across purchases referencing the same contract.
type ContractTermsRecord struct {
	TermsRawHash string
	Raw          []byte
}

// BackupProviderRecord tracks a backup provider waiting for purchases to
// reach a final payment state before it uploads them.
type BackupProviderRecord struct {
	BaseURL string
	// AwaitingProposalIDs are purchases the provider is blocked on.
	AwaitingProposalIDs []string
}

// WalletStoreContract is the contract a transactional store needs to fulfil
// to back the payment core.
//
// Implementations:
//   - Must serialize transactions that share at least one declared store.
//   - May run transactions over disjoint store sets concurrently.
//   - Must apply all writes of a transaction atomically: a transaction whose
//     function returns an error must leave no trace.
//   - Must return [ErrUndeclaredStore] when a transaction accesses a store
//     outside its declared set.
type WalletStoreContract interface {
	// RunReadOnly runs fn inside a read-only transaction over the declared
	// stores.
	RunReadOnly(ctx context.Context, stores []StoreName, fn func(ReadTx) error) error
	// RunReadWrite runs fn inside a read-write transaction over the declared
	// stores. Writes become visible only if fn returns nil.
	RunReadWrite(ctx context.Context, stores []StoreName, fn func(Tx) error) error
}

// ReadTx is the read surface of a transaction. The boolean result of the
// point lookups reports presence; absence is not an error.
type ReadTx interface {
	GetPurchase(proposalID string) (*pay.Purchase, bool, error)
	// GetPurchaseByMerchantAndOrder looks a purchase up by the secondary
	// index (merchant base URL, order ID).
	GetPurchaseByMerchantAndOrder(merchantBaseURL, orderID string) (*pay.Purchase, bool, error)
	// GetPaidPurchaseByFulfillmentURL looks up a purchase that was already
	// paid for the same fulfillment URL, used for repurchase detection.
	GetPaidPurchaseByFulfillmentURL(fulfillmentURL string) (*pay.Purchase, bool, error)

	GetCoin(coinPub string) (*pay.Coin, bool, error)
	// ListFreshCoins returns the unallocated fresh coins of one availability
	// bucket, ordered by coin public key for determinism.
	ListFreshCoins(key pay.AvailabilityKey) ([]*pay.Coin, error)

	GetDenomination(exchangeBaseURL, denomPubHash string) (*pay.DenominationInfo, bool, error)
	ListDenominations() ([]pay.DenominationInfo, error)

	ListExchanges() ([]pay.ExchangeRecord, error)
	ListCoinAvailability() ([]pay.CoinAvailability, error)

	ListRefreshGroups() ([]RefreshGroup, error)

	GetContractTerms(termsRawHash string) (*ContractTermsRecord, bool, error)
	ListBackupProviders() ([]BackupProviderRecord, error)
}

// Tx is the full read-write surface of a transaction.
type Tx interface {
	ReadTx

	PutPurchase(p *pay.Purchase) error
	PutCoin(c *pay.Coin) error
	PutDenomination(d *pay.DenominationInfo) error
	PutExchange(e *pay.ExchangeRecord) error
	PutCoinAvailability(a *pay.CoinAvailability) error
	PutRefreshGroup(g *RefreshGroup) error
	PutContractTerms(r *ContractTermsRecord) error
	PutBackupProvider(b *BackupProviderRecord) error
}
