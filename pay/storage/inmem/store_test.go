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

package inmem_test

import (
	"errors"
	"testing"

	"github.com/opencash/opencash/currency"
	"github.com/opencash/opencash/pay"
	"github.com/opencash/opencash/pay/storage"
	"github.com/opencash/opencash/pay/storage/inmem"
	"github.com/stretchr/testify/require"
)

func TestUndeclaredStoreAccessFails(t *testing.T) {
	s := inmem.New()

	err := s.RunReadOnly(t.Context(), []storage.StoreName{storage.StorePurchases}, func(tx storage.ReadTx) error {
		_, _, err := tx.GetCoin("COIN1")
		return err
	})
	require.ErrorIs(t, err, storage.ErrUndeclaredStore)
}

func TestWritesAreAtomic(t *testing.T) {
	s := inmem.New()
	boom := errors.New("boom")

	err := s.RunReadWrite(t.Context(), []storage.StoreName{storage.StorePurchases}, func(tx storage.Tx) error {
		require.NoError(t, tx.PutPurchase(&pay.Purchase{ProposalID: "p1", Status: pay.StatusProposed}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.RunReadOnly(t.Context(), []storage.StoreName{storage.StorePurchases}, func(tx storage.ReadTx) error {
		_, ok, err := tx.GetPurchase("p1")
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestPurchaseRoundtripIsDeepCopied(t *testing.T) {
	s := inmem.New()

	p := &pay.Purchase{
		ProposalID:      "p1",
		MerchantBaseURL: "https://merchant.example.com/",
		OrderID:         "order-1",
		Status:          pay.StatusPaid,
		Refunds: map[pay.RefundKey]*pay.RefundEntry{
			{CoinPub: "c1", RTransactionID: 1}: {
				State:        pay.RefundPending,
				RefundAmount: currency.MustParse("EUR:3"),
			},
		},
	}

	err := s.RunReadWrite(t.Context(), []storage.StoreName{storage.StorePurchases}, func(tx storage.Tx) error {
		return tx.PutPurchase(p)
	})
	require.NoError(t, err)

	// Mutating the caller's copy after the transaction must not leak into
	// the store.
	p.Refunds[pay.RefundKey{CoinPub: "c1", RTransactionID: 1}].State = pay.RefundApplied
	p.Status = pay.StatusAbortingWithRefund

	err = s.RunReadOnly(t.Context(), []storage.StoreName{storage.StorePurchases}, func(tx storage.ReadTx) error {
		got, ok, err := tx.GetPurchase("p1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, pay.StatusPaid, got.Status)
		require.Equal(t, pay.RefundPending, got.Refunds[pay.RefundKey{CoinPub: "c1", RTransactionID: 1}].State)
		return nil
	})
	require.NoError(t, err)
}

func TestSecondaryIndexByMerchantAndOrder(t *testing.T) {
	s := inmem.New()

	err := s.RunReadWrite(t.Context(), []storage.StoreName{storage.StorePurchases}, func(tx storage.Tx) error {
		require.NoError(t, tx.PutPurchase(&pay.Purchase{ProposalID: "p1", MerchantBaseURL: "https://a/", OrderID: "o1"}))
		require.NoError(t, tx.PutPurchase(&pay.Purchase{ProposalID: "p2", MerchantBaseURL: "https://b/", OrderID: "o1"}))
		return nil
	})
	require.NoError(t, err)

	err = s.RunReadOnly(t.Context(), []storage.StoreName{storage.StorePurchases}, func(tx storage.ReadTx) error {
		got, ok, err := tx.GetPurchaseByMerchantAndOrder("https://b/", "o1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "p2", got.ProposalID)

		_, ok, err = tx.GetPurchaseByMerchantAndOrder("https://c/", "o1")
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestListFreshCoinsFiltersAndSorts(t *testing.T) {
	s := inmem.New()
	key := pay.AvailabilityKey{
		ExchangeBaseURL: "https://exchange.example.com/",
		DenomPubHash:    "d1",
		MaxAge:          pay.AgeUnrestricted,
	}

	mk := func(pub string, status pay.CoinStatus, allocatedTo string) *pay.Coin {
		return &pay.Coin{
			CoinPub:         pub,
			ExchangeBaseURL: key.ExchangeBaseURL,
			DenomPubHash:    key.DenomPubHash,
			MaxAge:          key.MaxAge,
			Status:          status,
			AllocatedTo:     allocatedTo,
			CurrentAmount:   currency.MustParse("EUR:5"),
		}
	}

	err := s.RunReadWrite(t.Context(), []storage.StoreName{storage.StoreCoins}, func(tx storage.Tx) error {
		require.NoError(t, tx.PutCoin(mk("c3", pay.CoinStatusFresh, "")))
		require.NoError(t, tx.PutCoin(mk("c1", pay.CoinStatusFresh, "")))
		require.NoError(t, tx.PutCoin(mk("c2", pay.CoinStatusSpent, "")))
		require.NoError(t, tx.PutCoin(mk("c4", pay.CoinStatusFresh, "some-purchase")))
		return nil
	})
	require.NoError(t, err)

	err = s.RunReadOnly(t.Context(), []storage.StoreName{storage.StoreCoins}, func(tx storage.ReadTx) error {
		coins, err := tx.ListFreshCoins(key)
		require.NoError(t, err)
		require.Len(t, coins, 2)
		require.Equal(t, "c1", coins[0].CoinPub)
		require.Equal(t, "c3", coins[1].CoinPub)
		return nil
	})
	require.NoError(t, err)
}
