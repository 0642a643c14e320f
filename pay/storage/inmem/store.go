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

// Package inmem provides an in-memory implementation of the wallet store
// contract. It is the reference implementation used in tests and by the CLI.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opencash/opencash/currency"
	"github.com/opencash/opencash/pay"
	"github.com/opencash/opencash/pay/storage"
)

var allStores = []storage.StoreName{
	storage.StorePurchases,
	storage.StoreCoins,
	storage.StoreDenominations,
	storage.StoreCoinAvailability,
	storage.StoreExchanges,
	storage.StoreRefreshGroups,
	storage.StoreContractTerms,
	storage.StoreBackupProviders,
}

// Store is an in-memory [storage.WalletStoreContract]. Each logical store
// has its own lock; a transaction locks its declared stores in a canonical
// order, so transactions over disjoint store sets proceed concurrently.
type Store struct {
	locks map[storage.StoreName]*sync.RWMutex

	mu              sync.Mutex // guards the maps below against map growth races
	purchases       map[string]*pay.Purchase
	coins           map[string]*pay.Coin
	denominations   map[string]*pay.DenominationInfo
	exchanges       map[string]*pay.ExchangeRecord
	availability    map[pay.AvailabilityKey]*pay.CoinAvailability
	refreshGroups   map[string]*storage.RefreshGroup
	contractTerms   map[string]*storage.ContractTermsRecord
	backupProviders map[string]*storage.BackupProviderRecord
}

// New returns an empty in-memory store.
func New() *Store {
	locks := make(map[storage.StoreName]*sync.RWMutex, len(allStores))
	for _, name := range allStores {
		locks[name] = &sync.RWMutex{}
	}
	return &Store{
		locks:           locks,
		purchases:       map[string]*pay.Purchase{},
		coins:           map[string]*pay.Coin{},
		denominations:   map[string]*pay.DenominationInfo{},
		exchanges:       map[string]*pay.ExchangeRecord{},
		availability:    map[pay.AvailabilityKey]*pay.CoinAvailability{},
		refreshGroups:   map[string]*storage.RefreshGroup{},
		contractTerms:   map[string]*storage.ContractTermsRecord{},
		backupProviders: map[string]*storage.BackupProviderRecord{},
	}
}

func sortedStores(stores []storage.StoreName) []storage.StoreName {
	out := make([]storage.StoreName, len(stores))
	copy(out, stores)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) lockStores(stores []storage.StoreName, write bool) (unlock func(), err error) {
	ordered := sortedStores(stores)
	var locked []*sync.RWMutex
	unlockAll := func() {
		for i := len(locked) - 1; i >= 0; i-- {
			if write {
				locked[i].Unlock()
			} else {
				locked[i].RUnlock()
			}
		}
	}
	for _, name := range ordered {
		l, ok := s.locks[name]
		if !ok {
			unlockAll()
			return nil, fmt.Errorf("unknown store %q", name)
		}
		if write {
			l.Lock()
		} else {
			l.RLock()
		}
		locked = append(locked, l)
	}
	return unlockAll, nil
}

// RunReadOnly implements [storage.WalletStoreContract].
func (s *Store) RunReadOnly(ctx context.Context, stores []storage.StoreName, fn func(storage.ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock, err := s.lockStores(stores, false)
	if err != nil {
		return err
	}
	defer unlock()

	return fn(&tx{store: s, declared: declaredSet(stores)})
}

// RunReadWrite implements [storage.WalletStoreContract]. Writes are staged
// in the transaction and applied only when fn returns nil.
func (s *Store) RunReadWrite(ctx context.Context, stores []storage.StoreName, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock, err := s.lockStores(stores, true)
	if err != nil {
		return err
	}
	defer unlock()

	t := &tx{store: s, declared: declaredSet(stores), writable: true}
	if err := fn(t); err != nil {
		return err
	}
	t.commit()
	return nil
}

func declaredSet(stores []storage.StoreName) map[storage.StoreName]struct{} {
	set := make(map[storage.StoreName]struct{}, len(stores))
	for _, s := range stores {
		set[s] = struct{}{}
	}
	return set
}

type tx struct {
	store    *Store
	declared map[storage.StoreName]struct{}
	writable bool

	// staged writes, applied on commit
	putPurchases       []*pay.Purchase
	putCoins           []*pay.Coin
	putDenominations   []*pay.DenominationInfo
	putExchanges       []*pay.ExchangeRecord
	putAvailability    []*pay.CoinAvailability
	putRefreshGroups   []*storage.RefreshGroup
	putContractTerms   []*storage.ContractTermsRecord
	putBackupProviders []*storage.BackupProviderRecord
}

func (t *tx) requires(name storage.StoreName) error {
	if _, ok := t.declared[name]; !ok {
		return fmt.Errorf("%q: %w", name, storage.ErrUndeclaredStore)
	}
	return nil
}

func (t *tx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range t.putPurchases {
		s.purchases[p.ProposalID] = clonePurchase(p)
	}
	for _, c := range t.putCoins {
		cc := *c
		s.coins[c.CoinPub] = &cc
	}
	for _, d := range t.putDenominations {
		dd := *d
		s.denominations[d.ExchangeBaseURL+"/"+d.DenomPubHash] = &dd
	}
	for _, e := range t.putExchanges {
		ee := *e
		s.exchanges[e.BaseURL] = &ee
	}
	for _, a := range t.putAvailability {
		aa := *a
		s.availability[pay.AvailabilityKey{
			ExchangeBaseURL: a.ExchangeBaseURL,
			DenomPubHash:    a.DenomPubHash,
			MaxAge:          a.MaxAge,
		}] = &aa
	}
	for _, g := range t.putRefreshGroups {
		gg := *g
		s.refreshGroups[g.RefreshGroupID] = &gg
	}
	for _, r := range t.putContractTerms {
		rr := *r
		s.contractTerms[r.TermsRawHash] = &rr
	}
	for _, b := range t.putBackupProviders {
		bb := *b
		s.backupProviders[b.BaseURL] = &bb
	}
}

func clonePurchase(p *pay.Purchase) *pay.Purchase {
	cp := *p
	if p.Download != nil {
		d := *p.Download
		cp.Download = &d
	}
	if p.PayInfo != nil {
		pi := *p.PayInfo
		pi.Selection.CoinPubs = append([]string(nil), p.PayInfo.Selection.CoinPubs...)
		pi.Selection.CoinContributions = append([]currency.Amount(nil), p.PayInfo.Selection.CoinContributions...)
		cp.PayInfo = &pi
	}
	if p.Refunds != nil {
		cp.Refunds = make(map[pay.RefundKey]*pay.RefundEntry, len(p.Refunds))
		for k, v := range p.Refunds {
			vv := *v
			cp.Refunds[k] = &vv
		}
	}
	if p.RefundAmountAwaiting != nil {
		a := *p.RefundAmountAwaiting
		cp.RefundAmountAwaiting = &a
	}
	if p.AutoRefundDeadline != nil {
		ts := *p.AutoRefundDeadline
		cp.AutoRefundDeadline = &ts
	}
	if p.TimestampAccept != nil {
		ts := *p.TimestampAccept
		cp.TimestampAccept = &ts
	}
	if p.TimestampFirstSuccessfulPay != nil {
		ts := *p.TimestampFirstSuccessfulPay
		cp.TimestampFirstSuccessfulPay = &ts
	}
	return &cp
}

func (t *tx) GetPurchase(proposalID string) (*pay.Purchase, bool, error) {
	if err := t.requires(storage.StorePurchases); err != nil {
		return nil, false, err
	}
	p, ok := t.store.purchases[proposalID]
	if !ok {
		return nil, false, nil
	}
	return clonePurchase(p), true, nil
}

func (t *tx) GetPurchaseByMerchantAndOrder(merchantBaseURL, orderID string) (*pay.Purchase, bool, error) {
	if err := t.requires(storage.StorePurchases); err != nil {
		return nil, false, err
	}
	for _, p := range t.store.purchases {
		if p.MerchantBaseURL == merchantBaseURL && p.OrderID == orderID {
			return clonePurchase(p), true, nil
		}
	}
	return nil, false, nil
}

func (t *tx) GetPaidPurchaseByFulfillmentURL(fulfillmentURL string) (*pay.Purchase, bool, error) {
	if err := t.requires(storage.StorePurchases); err != nil {
		return nil, false, err
	}
	if fulfillmentURL == "" {
		return nil, false, nil
	}
	for _, p := range t.store.purchases {
		if p.Download == nil || p.Download.ContractData.FulfillmentURL != fulfillmentURL {
			continue
		}
		if p.TimestampFirstSuccessfulPay != nil {
			return clonePurchase(p), true, nil
		}
	}
	return nil, false, nil
}

func (t *tx) GetCoin(coinPub string) (*pay.Coin, bool, error) {
	if err := t.requires(storage.StoreCoins); err != nil {
		return nil, false, err
	}
	c, ok := t.store.coins[coinPub]
	if !ok {
		return nil, false, nil
	}
	cc := *c
	return &cc, true, nil
}

func (t *tx) ListFreshCoins(key pay.AvailabilityKey) ([]*pay.Coin, error) {
	if err := t.requires(storage.StoreCoins); err != nil {
		return nil, err
	}
	var out []*pay.Coin
	for _, c := range t.store.coins {
		if c.ExchangeBaseURL != key.ExchangeBaseURL || c.DenomPubHash != key.DenomPubHash {
			continue
		}
		if c.MaxAge != key.MaxAge || c.Status != pay.CoinStatusFresh || c.AllocatedTo != "" {
			continue
		}
		cc := *c
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CoinPub < out[j].CoinPub })
	return out, nil
}

func (t *tx) GetDenomination(exchangeBaseURL, denomPubHash string) (*pay.DenominationInfo, bool, error) {
	if err := t.requires(storage.StoreDenominations); err != nil {
		return nil, false, err
	}
	d, ok := t.store.denominations[exchangeBaseURL+"/"+denomPubHash]
	if !ok {
		return nil, false, nil
	}
	dd := *d
	return &dd, true, nil
}

func (t *tx) ListDenominations() ([]pay.DenominationInfo, error) {
	if err := t.requires(storage.StoreDenominations); err != nil {
		return nil, err
	}
	out := make([]pay.DenominationInfo, 0, len(t.store.denominations))
	for _, d := range t.store.denominations {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExchangeBaseURL+"/"+out[i].DenomPubHash < out[j].ExchangeBaseURL+"/"+out[j].DenomPubHash
	})
	return out, nil
}

func (t *tx) ListExchanges() ([]pay.ExchangeRecord, error) {
	if err := t.requires(storage.StoreExchanges); err != nil {
		return nil, err
	}
	out := make([]pay.ExchangeRecord, 0, len(t.store.exchanges))
	for _, e := range t.store.exchanges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BaseURL < out[j].BaseURL })
	return out, nil
}

func (t *tx) ListCoinAvailability() ([]pay.CoinAvailability, error) {
	if err := t.requires(storage.StoreCoinAvailability); err != nil {
		return nil, err
	}
	out := make([]pay.CoinAvailability, 0, len(t.store.availability))
	for _, a := range t.store.availability {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExchangeBaseURL != out[j].ExchangeBaseURL {
			return out[i].ExchangeBaseURL < out[j].ExchangeBaseURL
		}
		if out[i].DenomPubHash != out[j].DenomPubHash {
			return out[i].DenomPubHash < out[j].DenomPubHash
		}
		return out[i].MaxAge < out[j].MaxAge
	})
	return out, nil
}

func (t *tx) ListRefreshGroups() ([]storage.RefreshGroup, error) {
	if err := t.requires(storage.StoreRefreshGroups); err != nil {
		return nil, err
	}
	out := make([]storage.RefreshGroup, 0, len(t.store.refreshGroups))
	for _, g := range t.store.refreshGroups {
		gg := *g
		gg.CoinPubs = append([]string(nil), g.CoinPubs...)
		gg.InputPerCoin = append([]currency.Amount(nil), g.InputPerCoin...)
		out = append(out, gg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RefreshGroupID < out[j].RefreshGroupID })
	return out, nil
}

func (t *tx) GetContractTerms(termsRawHash string) (*storage.ContractTermsRecord, bool, error) {
	if err := t.requires(storage.StoreContractTerms); err != nil {
		return nil, false, err
	}
	r, ok := t.store.contractTerms[termsRawHash]
	if !ok {
		return nil, false, nil
	}
	rr := *r
	rr.Raw = append([]byte(nil), r.Raw...)
	return &rr, true, nil
}

func (t *tx) ListBackupProviders() ([]storage.BackupProviderRecord, error) {
	if err := t.requires(storage.StoreBackupProviders); err != nil {
		return nil, err
	}
	out := make([]storage.BackupProviderRecord, 0, len(t.store.backupProviders))
	for _, b := range t.store.backupProviders {
		bb := *b
		bb.AwaitingProposalIDs = append([]string(nil), b.AwaitingProposalIDs...)
		out = append(out, bb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BaseURL < out[j].BaseURL })
	return out, nil
}

func (t *tx) PutPurchase(p *pay.Purchase) error {
	if err := t.requires(storage.StorePurchases); err != nil {
		return err
	}
	t.putPurchases = append(t.putPurchases, clonePurchase(p))
	return nil
}

func (t *tx) PutCoin(c *pay.Coin) error {
	if err := t.requires(storage.StoreCoins); err != nil {
		return err
	}
	cc := *c
	t.putCoins = append(t.putCoins, &cc)
	return nil
}

func (t *tx) PutDenomination(d *pay.DenominationInfo) error {
	if err := t.requires(storage.StoreDenominations); err != nil {
		return err
	}
	dd := *d
	t.putDenominations = append(t.putDenominations, &dd)
	return nil
}

func (t *tx) PutExchange(e *pay.ExchangeRecord) error {
	if err := t.requires(storage.StoreExchanges); err != nil {
		return err
	}
	ee := *e
	t.putExchanges = append(t.putExchanges, &ee)
	return nil
}

func (t *tx) PutCoinAvailability(a *pay.CoinAvailability) error {
	if err := t.requires(storage.StoreCoinAvailability); err != nil {
		return err
	}
	aa := *a
	t.putAvailability = append(t.putAvailability, &aa)
	return nil
}

func (t *tx) PutRefreshGroup(g *storage.RefreshGroup) error {
	if err := t.requires(storage.StoreRefreshGroups); err != nil {
		return err
	}
	gg := *g
	gg.CoinPubs = append([]string(nil), g.CoinPubs...)
	gg.InputPerCoin = append([]currency.Amount(nil), g.InputPerCoin...)
	t.putRefreshGroups = append(t.putRefreshGroups, &gg)
	return nil
}

func (t *tx) PutContractTerms(r *storage.ContractTermsRecord) error {
	if err := t.requires(storage.StoreContractTerms); err != nil {
		return err
	}
	rr := *r
	rr.Raw = append([]byte(nil), r.Raw...)
	t.putContractTerms = append(t.putContractTerms, &rr)
	return nil
}

func (t *tx) PutBackupProvider(b *storage.BackupProviderRecord) error {
	if err := t.requires(storage.StoreBackupProviders); err != nil {
		return err
	}
	bb := *b
	bb.AwaitingProposalIDs = append([]string(nil), b.AwaitingProposalIDs...)
	t.putBackupProviders = append(t.putBackupProviders, &bb)
	return nil
}
