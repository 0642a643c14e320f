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

package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencash/opencash/currency"
	"github.com/opencash/opencash/otel/otelutil"
	"github.com/opencash/opencash/pay"
	"github.com/opencash/opencash/pay/merchant"
	"github.com/opencash/opencash/pay/storage"
	"github.com/opencash/opencash/uuidv7"
)

// abortExecutionEpsilon is added to the contract timestamp when
// synthesizing the execution time of abort refunds, keeping them strictly
// after the contract itself.
const abortExecutionEpsilon = time.Second

// refundStores is the store set refund reconciliation declares.
var refundStores = []storage.StoreName{
	storage.StorePurchases,
	storage.StoreCoins,
	storage.StoreDenominations,
	storage.StoreRefreshGroups,
}

// RefundSummary is the caller-facing view of a purchase's refund state.
type RefundSummary struct {
	// EffectivePaid is what the customer paid: the contract amount plus any
	// customer-borne fees.
	EffectivePaid currency.Amount
	// Granted is the refund value successfully applied, net of refund fees
	// and the bounded cost of refreshing the refunded coins.
	Granted currency.Amount
	// Gone is refund value permanently lost to failed refund transactions.
	Gone currency.Amount
	// AwaitingAtMerchant is what the merchant reports as granted but not
	// yet picked up, nil when nothing is awaiting.
	AwaitingAtMerchant *currency.Amount
	// PendingAtExchange reports whether any refund transaction is still in
	// flight at the exchange.
	PendingAtExchange bool
}

// PrepareRefund queries the merchant for the purchase's refund state and
// summarizes what has been granted, lost and is still pending. When an
// auto-refund is awaited the merchant query long-polls for a short window.
func (w *Wallet) PrepareRefund(ctx context.Context, merchantBaseURL, orderID string) (*RefundSummary, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.PrepareRefund")
	defer span.End()

	var purchase *pay.Purchase
	err := w.store.RunReadOnly(ctx, []storage.StoreName{storage.StorePurchases}, func(tx storage.ReadTx) error {
		p, ok, err := tx.GetPurchaseByMerchantAndOrder(merchantBaseURL, orderID)
		if err != nil {
			return err
		}
		if !ok {
			return pay.ErrPurchaseNotFound
		}
		purchase = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if purchase.Download == nil || purchase.PayInfo == nil {
		return nil, pay.ValidationError{
			Err: fmt.Errorf("purchase %s was never paid, nothing to refund", purchase.ProposalID),
		}
	}

	client, err := w.clients.ForMerchant(merchantBaseURL)
	if err != nil {
		return nil, err
	}
	status, err := client.GetOrderStatus(ctx, orderID, purchase.Download.ContractTermsHash, w.longPollWindow(purchase))
	if err != nil {
		return nil, otelutil.RecordError(span, err)
	}

	err = w.store.RunReadWrite(ctx, []storage.StoreName{storage.StorePurchases}, func(tx storage.Tx) error {
		p, ok, err := tx.GetPurchase(purchase.ProposalID)
		if err != nil {
			return err
		}
		if !ok {
			return pay.ErrPurchaseNotFound
		}
		if status.RefundAwaiting != nil && !status.RefundAwaiting.IsZero() {
			awaiting := *status.RefundAwaiting
			p.RefundAmountAwaiting = &awaiting
			if p.Status == pay.StatusPaid {
				p.Status = pay.StatusQueryingRefund
			}
		} else {
			p.RefundAmountAwaiting = nil
		}
		purchase = p
		return tx.PutPurchase(p)
	})
	if err != nil {
		return nil, err
	}

	return w.summarizeRefunds(purchase, status)
}

func (w *Wallet) summarizeRefunds(p *pay.Purchase, status *merchant.OrderStatus) (*RefundSummary, error) {
	cur := p.Download.ContractData.Amount.Currency

	effective := p.PayInfo.Selection.PaymentAmount
	effective, err := effective.Add(p.PayInfo.Selection.CustomerDepositFees)
	if err != nil {
		return nil, err
	}
	effective, err = effective.Add(p.PayInfo.Selection.CustomerWireFees)
	if err != nil {
		return nil, err
	}

	granted, gone, err := p.RefundTotals(cur)
	if err != nil {
		return nil, err
	}

	return &RefundSummary{
		EffectivePaid:      effective,
		Granted:            granted,
		Gone:               gone,
		AwaitingAtMerchant: p.RefundAmountAwaiting,
		PendingAtExchange:  status.RefundPending || p.PendingRefunds(),
	}, nil
}

// ProcessPurchaseQueryRefund advances the purchase's refund machinery one
// step: picking up awaited refunds, polling auto-refunds, or driving an
// abort, depending on the purchase status.
func (w *Wallet) ProcessPurchaseQueryRefund(ctx context.Context, proposalID string) error {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.ProcessPurchaseQueryRefund")
	defer span.End()

	p, err := w.getPurchase(ctx, proposalID)
	if err != nil {
		return err
	}

	switch p.Status {
	case pay.StatusQueryingRefund, pay.StatusQueryingAutoRefund:
		return w.queryRefund(ctx, p)
	case pay.StatusAbortingWithRefund:
		return w.abortWithRefund(ctx, p)
	case pay.StatusPaid:
		if p.RefundAmountAwaiting != nil && !p.RefundAmountAwaiting.IsZero() {
			if err := w.setStatus(ctx, proposalID, pay.StatusQueryingRefund); err != nil {
				return err
			}
			p.Status = pay.StatusQueryingRefund
			return w.queryRefund(ctx, p)
		}
		if p.AutoRefundDeadline != nil && w.now().Before(*p.AutoRefundDeadline) {
			if err := w.setStatus(ctx, proposalID, pay.StatusQueryingAutoRefund); err != nil {
				return err
			}
			p.Status = pay.StatusQueryingAutoRefund
			return w.queryRefund(ctx, p)
		}
		return nil
	default:
		return pay.ValidationError{
			Err: fmt.Errorf("purchase %s has no refund to query in status %s", proposalID, p.Status),
		}
	}
}

func (w *Wallet) setStatus(ctx context.Context, proposalID string, status pay.PurchaseStatus) error {
	return w.store.RunReadWrite(ctx, []storage.StoreName{storage.StorePurchases}, func(tx storage.Tx) error {
		p, ok, err := tx.GetPurchase(proposalID)
		if err != nil {
			return err
		}
		if !ok {
			return pay.ErrPurchaseNotFound
		}
		p.Status = status
		return tx.PutPurchase(p)
	})
}

// queryRefund picks up awaiting refunds from the merchant and reconciles
// them. With nothing awaiting it only settles an expired auto-refund watch.
func (w *Wallet) queryRefund(ctx context.Context, p *pay.Purchase) error {
	awaiting := p.RefundAmountAwaiting != nil && !p.RefundAmountAwaiting.IsZero()
	if !awaiting {
		if p.Status == pay.StatusQueryingAutoRefund &&
			(p.AutoRefundDeadline == nil || !w.now().Before(*p.AutoRefundDeadline)) {
			return w.setStatus(ctx, p.ProposalID, pay.StatusPaid)
		}
		if p.Status == pay.StatusQueryingRefund && !p.PendingRefunds() {
			return w.setStatus(ctx, p.ProposalID, pay.StatusPaid)
		}
		if !p.PendingRefunds() {
			return nil
		}
	}

	client, err := w.clients.ForMerchant(p.MerchantBaseURL)
	if err != nil {
		return err
	}
	resp, err := client.Refund(ctx, p.OrderID, p.Download.ContractTermsHash)
	if err != nil {
		return err
	}

	return w.acceptRefunds(ctx, p.ProposalID, resp.Refunds, false)
}

// abortWithRefund asks the merchant to refund every originally selected
// coin and reconciles the per-coin outcomes. Coins the merchant did not
// answer for stay pending and are retried on the next call.
func (w *Wallet) abortWithRefund(ctx context.Context, p *pay.Purchase) error {
	if p.PayInfo == nil {
		return pay.ValidationError{Err: fmt.Errorf("purchase %s has no coin selection to abort", p.ProposalID)}
	}

	var abortingCoins []merchant.AbortingCoin
	err := w.store.RunReadOnly(ctx, []storage.StoreName{storage.StoreCoins}, func(tx storage.ReadTx) error {
		for i, coinPub := range p.PayInfo.Selection.CoinPubs {
			coin, ok, err := tx.GetCoin(coinPub)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("coin %s: %w", coinPub, pay.ErrCoinVanished)
			}
			abortingCoins = append(abortingCoins, merchant.AbortingCoin{
				CoinPub:      coinPub,
				Contribution: p.PayInfo.Selection.CoinContributions[i],
				ExchangeURL:  coin.ExchangeBaseURL,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	client, err := w.clients.ForMerchant(p.MerchantBaseURL)
	if err != nil {
		return err
	}
	resp, err := client.Abort(ctx, p.OrderID, &merchant.AbortRequest{
		ContractHash: p.Download.ContractTermsHash,
		Coins:        abortingCoins,
	})
	if err != nil {
		return err
	}

	// Abort refunds all share the synthetic transaction id 0 and an
	// execution time just after the contract, whatever the merchant said.
	executionTime := p.Download.ContractData.Timestamp.Add(abortExecutionEpsilon)
	byCoin := make(map[string]merchant.CoinRefundStatus, len(resp.Refunds))
	for _, st := range resp.Refunds {
		st.RTransactionID = 0
		st.ExecutionTime = executionTime.Unix()
		byCoin[st.CoinPub] = st
	}

	statuses := make([]merchant.CoinRefundStatus, 0, len(abortingCoins))
	for _, ac := range abortingCoins {
		st, ok := byCoin[ac.CoinPub]
		if !ok {
			// The merchant has not settled this coin yet; keep it pending.
			st = merchant.CoinRefundStatus{
				Type:           merchant.RefundResultFailure,
				CoinPub:        ac.CoinPub,
				RTransactionID: 0,
				RefundAmount:   ac.Contribution,
				ExecutionTime:  executionTime.Unix(),
				ExchangeStatus: 0,
			}
		}
		statuses = append(statuses, st)
	}

	return w.acceptRefunds(ctx, p.ProposalID, statuses, true)
}

// acceptRefunds reconciles per-coin refund outcomes into the purchase. It
// is idempotent: terminal entries are never overwritten and replaying an
// applied status list queues nothing for refresh twice.
func (w *Wallet) acceptRefunds(ctx context.Context, proposalID string, statuses []merchant.CoinRefundStatus, aborting bool) error {
	w.spendMu.Lock()
	defer w.spendMu.Unlock()

	return w.store.RunReadWrite(ctx, refundStores, func(tx storage.Tx) error {
		p, ok, err := tx.GetPurchase(proposalID)
		if err != nil {
			return err
		}
		if !ok {
			return pay.ErrPurchaseNotFound
		}
		if p.PayInfo == nil {
			return pay.ValidationError{Err: fmt.Errorf("purchase %s has no coin selection", proposalID)}
		}
		if p.Refunds == nil {
			p.Refunds = map[pay.RefundKey]*pay.RefundEntry{}
		}

		denoms, err := tx.ListDenominations()
		if err != nil {
			return err
		}

		var refreshPubs []string
		var refreshInputs []currency.Amount

		for _, st := range statuses {
			key := pay.RefundKey{CoinPub: st.CoinPub, RTransactionID: st.RTransactionID}
			if existing, ok := p.Refunds[key]; ok && existing.State != pay.RefundPending {
				continue
			}

			switch st.Type {
			case merchant.RefundResultSuccess:
				coinPub, input, err := w.applyRefundSuccess(tx, p, denoms, key, st)
				if err != nil {
					return err
				}
				refreshPubs = append(refreshPubs, coinPub)
				refreshInputs = append(refreshInputs, input)

			case merchant.RefundResultFailure:
				if st.ExchangeStatus >= 400 && st.ExchangeStatus <= 499 {
					p.Refunds[key] = &pay.RefundEntry{
						State:         pay.RefundFailed,
						RefundAmount:  st.RefundAmount,
						ExecutionTime: time.Unix(st.ExecutionTime, 0),
						ObtainedTime:  w.now(),
					}
					if aborting && st.ExchangeCode == merchant.CodeExchangeDepositUnknown {
						// The exchange never saw the deposit, so the coin's
						// full contribution is still intact and can be
						// refreshed back into usable coins.
						coinPub, input, err := w.recoverUndepositedCoin(tx, p, key.CoinPub)
						if err != nil {
							return err
						}
						refreshPubs = append(refreshPubs, coinPub)
						refreshInputs = append(refreshInputs, input)
					}
					continue
				}
				// Not final at the exchange yet; keep or create a pending
				// entry and try again later.
				p.Refunds[key] = &pay.RefundEntry{
					State:         pay.RefundPending,
					RefundAmount:  st.RefundAmount,
					ExecutionTime: time.Unix(st.ExecutionTime, 0),
					ObtainedTime:  w.now(),
				}

			default:
				return pay.ProtocolViolationError{
					Err: fmt.Errorf("unknown refund result type %q", st.Type),
				}
			}
		}

		if len(refreshPubs) > 0 {
			uid, err := uuidv7.New()
			if err != nil {
				return err
			}
			if err := tx.PutRefreshGroup(&storage.RefreshGroup{
				RefreshGroupID: uid.String(),
				CoinPubs:       refreshPubs,
				InputPerCoin:   refreshInputs,
			}); err != nil {
				return err
			}
		}

		if !p.PendingRefunds() {
			switch p.Status {
			case pay.StatusQueryingRefund, pay.StatusQueryingAutoRefund:
				p.Status = pay.StatusPaid
				p.RefundAmountAwaiting = nil
			case pay.StatusAbortingWithRefund:
				p.Status = pay.StatusPaymentAbortFinished
			}
		} else {
			slog.DebugContext(ctx, "refunds still pending at exchange",
				"proposal_id", proposalID, "status", string(p.Status))
		}

		return tx.PutPurchase(p)
	})
}

// applyRefundSuccess books one successful refund: the coin gets the refund
// net of the refund fee back, goes dormant, and its whole residual value is
// queued for refresh.
func (w *Wallet) applyRefundSuccess(
	tx storage.Tx,
	p *pay.Purchase,
	denoms []pay.DenominationInfo,
	key pay.RefundKey,
	st merchant.CoinRefundStatus,
) (coinPub string, refreshInput currency.Amount, err error) {
	coin, ok, err := tx.GetCoin(key.CoinPub)
	if err != nil {
		return "", currency.Amount{}, err
	}
	if !ok {
		return "", currency.Amount{}, fmt.Errorf("coin %s: %w", key.CoinPub, pay.ErrCoinVanished)
	}

	denom, ok, err := tx.GetDenomination(coin.ExchangeBaseURL, coin.DenomPubHash)
	if err != nil {
		return "", currency.Amount{}, err
	}
	if !ok {
		return "", currency.Amount{}, fmt.Errorf("denomination %s/%s: %w", coin.ExchangeBaseURL, coin.DenomPubHash, pay.ErrCoinVanished)
	}

	netRefund, err := st.RefundAmount.SubSaturating(denom.FeeRefund)
	if err != nil {
		return "", currency.Amount{}, err
	}

	coin.CurrentAmount, err = coin.CurrentAmount.Add(netRefund)
	if err != nil {
		return "", currency.Amount{}, err
	}
	coin.Status = pay.CoinStatusDormant
	if err := tx.PutCoin(coin); err != nil {
		return "", currency.Amount{}, err
	}

	refreshCostBound, err := w.refresher.TotalRefreshCost(denoms, denom, coin.CurrentAmount)
	if err != nil {
		return "", currency.Amount{}, err
	}

	p.Refunds[key] = &pay.RefundEntry{
		State:                 pay.RefundApplied,
		RefundAmount:          st.RefundAmount,
		RefundFee:             denom.FeeRefund,
		TotalRefreshCostBound: refreshCostBound,
		ExecutionTime:         time.Unix(st.ExecutionTime, 0),
		ObtainedTime:          w.now(),
	}

	return coin.CoinPub, coin.CurrentAmount, nil
}

// recoverUndepositedCoin restores the full contribution of a coin whose
// deposit never reached the exchange during an abort.
func (w *Wallet) recoverUndepositedCoin(tx storage.Tx, p *pay.Purchase, coinPub string) (string, currency.Amount, error) {
	coin, ok, err := tx.GetCoin(coinPub)
	if err != nil {
		return "", currency.Amount{}, err
	}
	if !ok {
		return "", currency.Amount{}, fmt.Errorf("coin %s: %w", coinPub, pay.ErrCoinVanished)
	}

	var contribution currency.Amount
	found := false
	for i, pub := range p.PayInfo.Selection.CoinPubs {
		if pub == coinPub {
			contribution = p.PayInfo.Selection.CoinContributions[i]
			found = true
			break
		}
	}
	if !found {
		return "", currency.Amount{}, pay.ProtocolViolationError{
			Err: fmt.Errorf("refunded coin %s is not part of the selection", coinPub),
		}
	}

	coin.CurrentAmount, err = coin.CurrentAmount.Add(contribution)
	if err != nil {
		return "", currency.Amount{}, err
	}
	coin.Status = pay.CoinStatusDormant
	if err := tx.PutCoin(coin); err != nil {
		return "", currency.Amount{}, err
	}

	return coin.CoinPub, coin.CurrentAmount, nil
}
