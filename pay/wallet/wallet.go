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

// Package wallet drives purchases through their state machine: proposal
// download, coin selection, payment submission with conflict recovery, and
// refund reconciliation. All state lives in the wallet store; all crypto is
// delegated to the signer collaborator.
package wallet

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opencash/opencash/currency"
	"github.com/opencash/opencash/pay"
	"github.com/opencash/opencash/pay/merchant"
	"github.com/opencash/opencash/pay/storage"
)

// DepositPermissionRequest is the statement the signer turns into one signed
// coin deposit.
type DepositPermissionRequest struct {
	CoinPub         string
	DenomPubHash    string
	ExchangeBaseURL string
	Contribution    currency.Amount

	ContractTermsHash string
	WireInfoHash      string
	MerchantPub       string
	Timestamp         time.Time
	RefundDeadline    time.Time
}

// Signer performs the wallet's hash and signature operations. The wallet
// never touches key material itself.
//
// Implementations:
//   - Must be safe for concurrent use.
//   - Must treat verification failures as a regular false result, not an
//     error; errors are reserved for being unable to verify at all.
type Signer interface {
	// CreateNonce returns a fresh keypair used to claim an order.
	CreateNonce(ctx context.Context) (priv, pub string, err error)
	// ContractTermsHash canonicalizes and hashes contract terms.
	ContractTermsHash(raw []byte) (string, error)
	// IsValidContractTermsSignature verifies the merchant's signature over
	// the contract-terms hash.
	IsValidContractTermsSignature(ctx context.Context, sig, contractTermsHash, merchantPub string) (bool, error)
	// IsValidPaymentSignature verifies the merchant's payment confirmation
	// signature over the contract-terms hash.
	IsValidPaymentSignature(ctx context.Context, sig, contractTermsHash, merchantPub string) (bool, error)
	// SignDepositPermission produces the signed deposit statement for one
	// coin.
	SignDepositPermission(ctx context.Context, req DepositPermissionRequest) (merchant.CoinDeposit, error)
}

// Refresher bounds the cost of refreshing residual coin value. Refresh
// groups themselves are written to the store and consumed by the refresh
// subsystem asynchronously.
type Refresher interface {
	// TotalRefreshCost is an upper bound on the fees of refreshing
	// amountLeft of the given denomination, across however many refresh
	// rounds that takes.
	TotalRefreshCost(denoms []pay.DenominationInfo, denom *pay.DenominationInfo, amountLeft currency.Amount) (currency.Amount, error)
}

// OrderClient is the slice of the merchant API the wallet drives.
type OrderClient interface {
	Claim(ctx context.Context, orderID string, req *merchant.ClaimRequest) (*merchant.ClaimResponse, error)
	Pay(ctx context.Context, orderID string, req *merchant.PayRequest) (*merchant.PayResponse, error)
	Paid(ctx context.Context, orderID string, req *merchant.PaidRequest) error
	GetOrderStatus(ctx context.Context, orderID, contractHash string, longPoll time.Duration) (*merchant.OrderStatus, error)
	Refund(ctx context.Context, orderID, contractHash string) (*merchant.RefundResponse, error)
	Abort(ctx context.Context, orderID string, req *merchant.AbortRequest) (*merchant.RefundResponse, error)
}

// ClientFactory hands out an [OrderClient] per merchant base URL.
type ClientFactory interface {
	ForMerchant(baseURL string) (OrderClient, error)
}

// Config holds the wallet's settings.
type Config struct {
	// HTTPClient is shared by all merchant clients. Defaults to a fresh
	// client.
	HTTPClient *http.Client `yaml:"-"`

	// RequestTimeout, PerCoinTimeout and RetryFor are passed through to the
	// merchant clients, see [merchant.Config].
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PerCoinTimeout time.Duration `yaml:"per_coin_timeout"`
	RetryFor       time.Duration `yaml:"retry_for"`

	// MaxRetries caps the persisted retry counter of a purchase. A purchase
	// over the cap stays pending but is no longer retried automatically.
	// Defaults to 10.
	MaxRetries int `yaml:"max_retries"`

	// AutoRefundPollWindow is how long a refund status query long-polls
	// when an auto-refund is awaited. Defaults to 3s.
	AutoRefundPollWindow time.Duration `yaml:"auto_refund_poll_window"`

	// Clock is the wallet time source, overridable in tests.
	Clock func() time.Time `yaml:"-"`

	// Clients overrides the merchant client factory, mainly for tests.
	Clients ClientFactory `yaml:"-"`
}

// Wallet is the purchase state machine over one wallet store.
type Wallet struct {
	cfg       Config
	store     storage.WalletStoreContract
	signer    Signer
	refresher Refresher
	clients   ClientFactory
	now       func() time.Time

	// spendMu serializes all network operations that consume coin signing
	// material, so two concurrent payments can never race on the same
	// coin set.
	spendMu sync.Mutex
}

// New creates a wallet over the given collaborators.
func New(store storage.WalletStoreContract, signer Signer, refresher Refresher, cfg Config) (*Wallet, error) {
	if store == nil || signer == nil || refresher == nil {
		return nil, fmt.Errorf("wallet requires store, signer and refresher collaborators")
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 10
	}
	if cfg.AutoRefundPollWindow == 0 {
		cfg.AutoRefundPollWindow = 3 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	clients := cfg.Clients
	if clients == nil {
		clients = &merchantClientFactory{cfg: cfg}
	}

	return &Wallet{
		cfg:       cfg,
		store:     store,
		signer:    signer,
		refresher: refresher,
		clients:   clients,
		now:       cfg.Clock,
	}, nil
}

// maxCachedMerchantClients bounds the per-merchant client cache. Clients
// for merchants not seen recently are rebuilt on demand.
const maxCachedMerchantClients = 128

// merchantClientFactory builds real merchant clients, one per base URL.
type merchantClientFactory struct {
	cfg Config

	mu      sync.Mutex
	clients *lru.Cache[string, *merchant.Client]
}

func (f *merchantClientFactory) ForMerchant(baseURL string) (OrderClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.clients == nil {
		cache, err := lru.New[string, *merchant.Client](maxCachedMerchantClients)
		if err != nil {
			return nil, err
		}
		f.clients = cache
	}

	if c, ok := f.clients.Get(baseURL); ok {
		return c, nil
	}

	c, err := merchant.New(merchant.Config{
		BaseURL:        baseURL,
		HTTPClient:     f.cfg.HTTPClient,
		RequestTimeout: f.cfg.RequestTimeout,
		PerCoinTimeout: f.cfg.PerCoinTimeout,
		RetryFor:       f.cfg.RetryFor,
	})
	if err != nil {
		return nil, err
	}

	f.clients.Add(baseURL, c)
	return c, nil
}

// recordTransientFailure bumps the purchase's persisted retry state. The
// purchase stays in its current status; callers surface it as pending.
func (w *Wallet) recordTransientFailure(ctx context.Context, proposalID string, cause error) error {
	return w.store.RunReadWrite(ctx, []storage.StoreName{storage.StorePurchases}, func(tx storage.Tx) error {
		p, ok, err := tx.GetPurchase(proposalID)
		if err != nil {
			return err
		}
		if !ok {
			return pay.ErrPurchaseNotFound
		}

		p.RetryInfo.Attempts++
		p.RetryInfo.LastError = cause.Error()
		return tx.PutPurchase(p)
	})
}
