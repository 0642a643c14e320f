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
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/opencash/opencash/currency"
	"github.com/opencash/opencash/otel/otelutil"
	"github.com/opencash/opencash/pay"
	"github.com/opencash/opencash/pay/merchant"
	"github.com/opencash/opencash/pay/storage"
	"github.com/opencash/opencash/uuidv7"
)

// maxConflictRecoveries bounds how many insufficient-funds conflicts one
// submission will try to recover from before giving up for this attempt.
// The purchase stays pending and can be resubmitted later.
const maxConflictRecoveries = 3

// ConfirmPayResultType classifies the outcome of a confirmation attempt.
type ConfirmPayResultType string

const (
	// ConfirmPayDone means the merchant confirmed the payment.
	ConfirmPayDone ConfirmPayResultType = "done"
	// ConfirmPayPending means the payment is committed but not through yet;
	// it will be retried.
	ConfirmPayPending ConfirmPayResultType = "pending"
)

// ConfirmPayResult is the outcome of [Wallet.ConfirmPay].
type ConfirmPayResult struct {
	Type      ConfirmPayResultType
	Status    pay.PurchaseStatus
	LastError string
}

// payCoinsStores is the store set a coin-committing transaction declares.
var payCoinsStores = []storage.StoreName{
	storage.StorePurchases,
	storage.StoreCoins,
	storage.StoreDenominations,
	storage.StoreExchanges,
	storage.StoreCoinAvailability,
}

// ConfirmPay commits coins to the proposal and submits the payment. Calling
// it again for a confirmed purchase resubmits idempotently under the
// existing selection UID; a new session id replays an already-paid purchase
// for that session.
func (w *Wallet) ConfirmPay(ctx context.Context, proposalID, sessionID string) (*ConfirmPayResult, error) {
	return w.confirmPay(ctx, proposalID, sessionID, nil)
}

// ConfirmPayForced is ConfirmPay with a pinned coin selection. It is a
// diagnostic path: the forced selection fails hard when the named
// denominations are not available.
func (w *Wallet) ConfirmPayForced(ctx context.Context, proposalID, sessionID string, forced pay.ForcedCoinSel) (*ConfirmPayResult, error) {
	return w.confirmPay(ctx, proposalID, sessionID, &forced)
}

func (w *Wallet) confirmPay(ctx context.Context, proposalID, sessionID string, forced *pay.ForcedCoinSel) (*ConfirmPayResult, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.ConfirmPay")
	defer span.End()

	err := w.store.RunReadWrite(ctx, payCoinsStores, func(tx storage.Tx) error {
		p, ok, err := tx.GetPurchase(proposalID)
		if err != nil {
			return err
		}
		if !ok {
			return pay.ErrPurchaseNotFound
		}
		if p.Download == nil {
			return pay.ValidationError{Err: fmt.Errorf("purchase %s has no downloaded proposal", proposalID)}
		}

		switch p.Status {
		case pay.StatusProposed, pay.StatusPaying, pay.StatusPaid, pay.StatusPayingReplay:
		default:
			return pay.ValidationError{
				Err: fmt.Errorf("cannot confirm purchase in status %s", p.Status),
			}
		}

		if p.PayInfo != nil {
			// Idempotent resubmission; a new session on a paid purchase
			// becomes a replay.
			if p.TimestampFirstSuccessfulPay != nil && sessionID != p.LastSessionID {
				p.Status = pay.StatusPayingReplay
			}
			p.LastSessionID = sessionID
			return tx.PutPurchase(p)
		}

		contract := p.Download.ContractData
		selection, err := w.selectForConfirm(tx, &contract, forced)
		if err != nil {
			return err
		}

		planned, err := w.resolvePlan(tx, selection.Result)
		if err != nil {
			return err
		}

		payInfo, err := w.buildPayInfo(tx, &contract, selection, planned, nil)
		if err != nil {
			return err
		}

		if err := w.allocatePlan(tx, proposalID, planned); err != nil {
			return err
		}

		now := w.now()
		p.PayInfo = payInfo
		p.Status = pay.StatusPaying
		p.LastSessionID = sessionID
		p.TimestampAccept = &now
		return tx.PutPurchase(p)
	})
	if err != nil {
		return nil, otelutil.RecordError(span, err)
	}

	return w.submitPay(ctx, proposalID)
}

func (w *Wallet) selectForConfirm(tx storage.ReadTx, contract *pay.ContractData, forced *pay.ForcedCoinSel) (*pay.Selection, error) {
	if forced != nil {
		candidates, err := w.gatherCandidates(tx, contract)
		if err != nil {
			return nil, err
		}
		return pay.SelectForced(pay.SelectPayCoinsRequest{
			ContractAmount:      contract.Amount,
			DepositFeeLimit:     contract.MaxDepositFee,
			WireFeeLimit:        contract.MaxWireFee,
			WireFeeAmortization: contract.WireFeeAmortization,
		}, candidates, *forced)
	}

	selection, ok, err := w.selectCoins(tx, contract, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, pay.InsufficientBalanceError{Requested: contract.Amount}
	}
	return selection, nil
}

// plannedCoin is one concrete coin a selection resolved to, with the writes
// that committing it will entail.
type plannedCoin struct {
	coin         *pay.Coin
	contribution currency.Amount
	// residual is the value left on the coin after the contribution, which
	// the refresh subsystem will recover.
	residual currency.Amount
}

// resolvePlan resolves availability buckets to concrete fresh coins, in
// deterministic bucket and coin order. It performs no writes.
func (w *Wallet) resolvePlan(tx storage.ReadTx, result pay.SelResult) ([]plannedCoin, error) {
	keys := make([]pay.AvailabilityKey, 0, len(result))
	for key := range result {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ExchangeBaseURL != keys[j].ExchangeBaseURL {
			return keys[i].ExchangeBaseURL < keys[j].ExchangeBaseURL
		}
		if keys[i].DenomPubHash != keys[j].DenomPubHash {
			return keys[i].DenomPubHash < keys[j].DenomPubHash
		}
		return keys[i].MaxAge < keys[j].MaxAge
	})

	var planned []plannedCoin
	for _, key := range keys {
		contributions := result[key]
		coins, err := tx.ListFreshCoins(key)
		if err != nil {
			return nil, err
		}
		if len(coins) < len(contributions) {
			return nil, fmt.Errorf("bucket %s/%s: %w", key.ExchangeBaseURL, key.DenomPubHash, pay.ErrCoinVanished)
		}

		for i, contribution := range contributions {
			coin := coins[i]
			residual, err := coin.CurrentAmount.Sub(contribution)
			if err != nil {
				return nil, fmt.Errorf("coin %s cannot cover its contribution: %w", coin.CoinPub, err)
			}
			planned = append(planned, plannedCoin{
				coin:         coin,
				contribution: contribution,
				residual:     residual,
			})
		}
	}
	return planned, nil
}

// allocatePlan commits the planned coins to the purchase: each coin is
// marked spent and allocated, and its availability bucket is decremented.
func (w *Wallet) allocatePlan(tx storage.Tx, proposalID string, planned []plannedCoin) error {
	taken := map[pay.AvailabilityKey]int{}
	for _, pc := range planned {
		coin := *pc.coin
		coin.Status = pay.CoinStatusSpent
		coin.AllocatedTo = proposalID
		coin.CurrentAmount = pc.residual
		if err := tx.PutCoin(&coin); err != nil {
			return err
		}
		taken[pay.AvailabilityKey{
			ExchangeBaseURL: coin.ExchangeBaseURL,
			DenomPubHash:    coin.DenomPubHash,
			MaxAge:          coin.MaxAge,
		}]++
	}

	buckets, err := tx.ListCoinAvailability()
	if err != nil {
		return err
	}
	for i := range buckets {
		bucket := buckets[i]
		key := pay.AvailabilityKey{
			ExchangeBaseURL: bucket.ExchangeBaseURL,
			DenomPubHash:    bucket.DenomPubHash,
			MaxAge:          bucket.MaxAge,
		}
		n, ok := taken[key]
		if !ok {
			continue
		}
		bucket.FreshCount -= n
		if err := tx.PutCoinAvailability(&bucket); err != nil {
			return err
		}
	}
	return nil
}

// buildPayInfo assembles the persisted selection: parallel coin and
// contribution arrays, customer-borne fees, a fresh selection UID and the
// customer's total cost including refreshing the change.
func (w *Wallet) buildPayInfo(
	tx storage.ReadTx,
	contract *pay.ContractData,
	selection *pay.Selection,
	planned []plannedCoin,
	carried []pay.PreviousPayCoin,
) (*pay.PayInfo, error) {
	uid, err := uuidv7.New()
	if err != nil {
		return nil, err
	}

	coinPubs := make([]string, 0, len(carried)+len(planned))
	contributions := make([]currency.Amount, 0, len(carried)+len(planned))
	for _, prev := range carried {
		coinPubs = append(coinPubs, prev.CoinPub)
		contributions = append(contributions, prev.Contribution)
	}
	for _, pc := range planned {
		coinPubs = append(coinPubs, pc.coin.CoinPub)
		contributions = append(contributions, pc.contribution)
	}

	totalCost, err := currency.Sum(contributions)
	if err != nil {
		return nil, err
	}

	denoms, err := tx.ListDenominations()
	if err != nil {
		return nil, err
	}
	for _, pc := range planned {
		if pc.residual.IsZero() {
			continue
		}
		denom, ok, err := tx.GetDenomination(pc.coin.ExchangeBaseURL, pc.coin.DenomPubHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("denomination %s/%s: %w", pc.coin.ExchangeBaseURL, pc.coin.DenomPubHash, pay.ErrCoinVanished)
		}
		refreshCost, err := w.refresher.TotalRefreshCost(denoms, denom, pc.residual)
		if err != nil {
			return nil, err
		}
		totalCost, err = totalCost.Add(refreshCost)
		if err != nil {
			return nil, err
		}
	}

	return &pay.PayInfo{
		Selection: pay.PayCoinSelection{
			CoinPubs:            coinPubs,
			CoinContributions:   contributions,
			PaymentAmount:       contract.Amount,
			CustomerDepositFees: selection.Tally.CustomerDepositFees,
			CustomerWireFees:    selection.Tally.CustomerWireFees,
		},
		SelectionUID: uid.String(),
		TotalPayCost: totalCost,
	}, nil
}

// submitPay drives one submission attempt: pay or replay, recovering from
// insufficient-funds conflicts in place. It holds the wallet's spend lock
// for the whole attempt.
func (w *Wallet) submitPay(ctx context.Context, proposalID string) (*ConfirmPayResult, error) {
	w.spendMu.Lock()
	defer w.spendMu.Unlock()

	for attempt := 0; ; attempt++ {
		p, err := w.getPurchase(ctx, proposalID)
		if err != nil {
			return nil, err
		}
		if p.PayInfo == nil {
			return nil, pay.ValidationError{Err: fmt.Errorf("purchase %s has no coin selection", proposalID)}
		}

		if p.MerchantPaySig == "" && p.RetryInfo.Attempts >= w.cfg.MaxRetries {
			slog.DebugContext(ctx, "purchase is over its retry budget, not resubmitting",
				"proposal_id", proposalID, "attempts", p.RetryInfo.Attempts)
			return &ConfirmPayResult{
				Type:      ConfirmPayPending,
				Status:    p.Status,
				LastError: p.RetryInfo.LastError,
			}, nil
		}

		client, err := w.clients.ForMerchant(p.MerchantBaseURL)
		if err != nil {
			return nil, err
		}

		if p.MerchantPaySig != "" {
			return w.replayPaid(ctx, client, p)
		}

		result, err := w.submitPayOnce(ctx, client, p)
		if err == nil {
			return result, nil
		}

		insufficient := &merchant.InsufficientFundsError{}
		if !errors.As(err, &insufficient) || attempt >= maxConflictRecoveries {
			return w.classifySubmitFailure(ctx, proposalID, err)
		}

		slog.WarnContext(ctx, "exchange reported a broken coin, reselecting",
			"proposal_id", proposalID, "coin_pub", insufficient.CoinPub)

		recovered, rerr := w.handleInsufficientFunds(ctx, proposalID, insufficient.CoinPub)
		if rerr != nil {
			return nil, rerr
		}
		if !recovered {
			// No replacement coins right now. The purchase stays pending
			// and can be resubmitted after new coins are withdrawn.
			if err := w.recordTransientFailure(ctx, proposalID, err); err != nil {
				return nil, err
			}
			return &ConfirmPayResult{
				Type:      ConfirmPayPending,
				Status:    pay.StatusPaying,
				LastError: err.Error(),
			}, nil
		}
	}
}

func (w *Wallet) getPurchase(ctx context.Context, proposalID string) (*pay.Purchase, error) {
	var purchase *pay.Purchase
	err := w.store.RunReadOnly(ctx, []storage.StoreName{storage.StorePurchases, storage.StoreCoins}, func(tx storage.ReadTx) error {
		p, ok, err := tx.GetPurchase(proposalID)
		if err != nil {
			return err
		}
		if !ok {
			return pay.ErrPurchaseNotFound
		}
		purchase = p
		return nil
	})
	return purchase, err
}

// replayPaid reruns an already-successful payment under the current session
// id using the lighter paid endpoint.
func (w *Wallet) replayPaid(ctx context.Context, client OrderClient, p *pay.Purchase) (*ConfirmPayResult, error) {
	err := client.Paid(ctx, p.OrderID, &merchant.PaidRequest{
		Sig:          p.MerchantPaySig,
		ContractHash: p.Download.ContractTermsHash,
		SessionID:    p.LastSessionID,
	})
	if err != nil {
		return nil, err
	}

	err = w.store.RunReadWrite(ctx, []storage.StoreName{storage.StorePurchases}, func(tx storage.Tx) error {
		current, ok, err := tx.GetPurchase(p.ProposalID)
		if err != nil {
			return err
		}
		if !ok {
			return pay.ErrPurchaseNotFound
		}
		current.Status = pay.StatusPaid
		return tx.PutPurchase(current)
	})
	if err != nil {
		return nil, err
	}
	return &ConfirmPayResult{Type: ConfirmPayDone, Status: pay.StatusPaid}, nil
}

func (w *Wallet) submitPayOnce(ctx context.Context, client OrderClient, p *pay.Purchase) (*ConfirmPayResult, error) {
	contract := p.Download.ContractData

	deposits := make([]merchant.CoinDeposit, 0, len(p.PayInfo.Selection.CoinPubs))
	err := w.store.RunReadOnly(ctx, []storage.StoreName{storage.StoreCoins}, func(tx storage.ReadTx) error {
		for i, coinPub := range p.PayInfo.Selection.CoinPubs {
			coin, ok, err := tx.GetCoin(coinPub)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("coin %s: %w", coinPub, pay.ErrCoinVanished)
			}

			deposit, err := w.signer.SignDepositPermission(ctx, DepositPermissionRequest{
				CoinPub:           coin.CoinPub,
				DenomPubHash:      coin.DenomPubHash,
				ExchangeBaseURL:   coin.ExchangeBaseURL,
				Contribution:      p.PayInfo.Selection.CoinContributions[i],
				ContractTermsHash: p.Download.ContractTermsHash,
				WireInfoHash:      contract.WireInfoHash,
				MerchantPub:       contract.MerchantPub,
				Timestamp:         contract.Timestamp,
				RefundDeadline:    contract.RefundDeadline,
			})
			if err != nil {
				return err
			}
			deposits = append(deposits, deposit)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp, err := client.Pay(ctx, p.OrderID, &merchant.PayRequest{
		Coins:     deposits,
		SessionID: p.LastSessionID,
	})
	if err != nil {
		return nil, err
	}

	valid, err := w.signer.IsValidPaymentSignature(ctx, resp.Sig, p.Download.ContractTermsHash, contract.MerchantPub)
	if err != nil {
		return nil, err
	}
	if !valid {
		// A bad signature from the merchant is fatal; retrying will not
		// make the counterparty honest.
		return nil, pay.ProtocolViolationError{
			Err: fmt.Errorf("merchant payment signature does not verify"),
		}
	}

	if err := w.finalizePaySuccess(ctx, p.ProposalID, resp.Sig); err != nil {
		return nil, err
	}
	return &ConfirmPayResult{Type: ConfirmPayDone, Status: pay.StatusPaid}, nil
}

func (w *Wallet) finalizePaySuccess(ctx context.Context, proposalID, merchantPaySig string) error {
	return w.store.RunReadWrite(ctx, []storage.StoreName{storage.StorePurchases, storage.StoreBackupProviders}, func(tx storage.Tx) error {
		p, ok, err := tx.GetPurchase(proposalID)
		if err != nil {
			return err
		}
		if !ok {
			return pay.ErrPurchaseNotFound
		}

		now := w.now()
		p.Status = pay.StatusPaid
		p.MerchantPaySig = merchantPaySig
		if p.TimestampFirstSuccessfulPay == nil {
			p.TimestampFirstSuccessfulPay = &now
		}
		if ar := p.Download.ContractData.AutoRefund; ar != nil {
			deadline := now.Add(*ar)
			p.AutoRefundDeadline = &deadline
		}
		p.RetryInfo = pay.RetryInfo{}

		if err := tx.PutPurchase(p); err != nil {
			return err
		}

		// Backup providers wait for purchases to settle before uploading.
		providers, err := tx.ListBackupProviders()
		if err != nil {
			return err
		}
		for i := range providers {
			provider := providers[i]
			trimmed := provider.AwaitingProposalIDs[:0]
			for _, id := range provider.AwaitingProposalIDs {
				if id != proposalID {
					trimmed = append(trimmed, id)
				}
			}
			if len(trimmed) == len(provider.AwaitingProposalIDs) {
				continue
			}
			provider.AwaitingProposalIDs = trimmed
			if err := tx.PutBackupProvider(&provider); err != nil {
				return err
			}
		}
		return nil
	})
}

// classifySubmitFailure turns a submission error into the purchase's fate:
// permanent merchant rejections abort the purchase, protocol violations are
// recorded on the purchase and surface as-is, anything else counts as
// transient and leaves the purchase pending.
func (w *Wallet) classifySubmitFailure(ctx context.Context, proposalID string, cause error) (*ConfirmPayResult, error) {
	merr := pay.MerchantError{}
	if errors.As(cause, &merr) && (merr.StatusCode == 400 || merr.StatusCode == 410) {
		err := w.store.RunReadWrite(ctx, []storage.StoreName{storage.StorePurchases}, func(tx storage.Tx) error {
			p, ok, err := tx.GetPurchase(proposalID)
			if err != nil {
				return err
			}
			if !ok {
				return pay.ErrPurchaseNotFound
			}
			p.Status = pay.StatusPaymentAbortFinished
			p.RetryInfo.LastError = cause.Error()
			return tx.PutPurchase(p)
		})
		if err != nil {
			return nil, err
		}
		return nil, cause
	}

	violation := pay.ProtocolViolationError{}
	if errors.As(cause, &violation) {
		// Fatal, but the purchase keeps a record of what went wrong.
		err := w.store.RunReadWrite(ctx, []storage.StoreName{storage.StorePurchases}, func(tx storage.Tx) error {
			p, ok, err := tx.GetPurchase(proposalID)
			if err != nil {
				return err
			}
			if !ok {
				return pay.ErrPurchaseNotFound
			}
			p.RetryInfo.LastError = cause.Error()
			return tx.PutPurchase(p)
		})
		if err != nil {
			return nil, err
		}
		return nil, cause
	}

	if err := w.recordTransientFailure(ctx, proposalID, cause); err != nil {
		return nil, err
	}
	return &ConfirmPayResult{
		Type:      ConfirmPayPending,
		Status:    pay.StatusPaying,
		LastError: cause.Error(),
	}, nil
}

// handleInsufficientFunds rebuilds the coin selection around a coin the
// exchange rejected: the remaining coins are carried forward with their
// original contributions and fees, and the shortfall is covered from other
// candidates. The purchase stays in paying and is resubmitted by the caller.
func (w *Wallet) handleInsufficientFunds(ctx context.Context, proposalID, brokenCoinPub string) (recovered bool, err error) {
	err = w.store.RunReadWrite(ctx, payCoinsStores, func(tx storage.Tx) error {
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

		selection := p.PayInfo.Selection
		brokenIdx := -1
		for i, coinPub := range selection.CoinPubs {
			if coinPub == brokenCoinPub {
				brokenIdx = i
				break
			}
		}
		if brokenIdx == -1 {
			return pay.ProtocolViolationError{
				Err: fmt.Errorf("reported broken coin %s is not part of the selection", brokenCoinPub),
			}
		}

		carried := make([]pay.PreviousPayCoin, 0, len(selection.CoinPubs)-1)
		for i, coinPub := range selection.CoinPubs {
			if i == brokenIdx {
				continue
			}
			coin, ok, err := tx.GetCoin(coinPub)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("coin %s: %w", coinPub, pay.ErrCoinVanished)
			}
			denom, ok, err := tx.GetDenomination(coin.ExchangeBaseURL, coin.DenomPubHash)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("denomination %s/%s: %w", coin.ExchangeBaseURL, coin.DenomPubHash, pay.ErrCoinVanished)
			}
			carried = append(carried, pay.PreviousPayCoin{
				CoinPub:         coinPub,
				ExchangeBaseURL: coin.ExchangeBaseURL,
				Contribution:    selection.CoinContributions[i],
				FeeDeposit:      denom.FeeDeposit,
			})
		}

		contract := p.Download.ContractData
		newSelection, ok, err := w.selectCoins(tx, &contract, carried)
		if err != nil {
			return err
		}
		if !ok {
			// Leave everything as is; recovered stays false.
			return nil
		}

		planned, err := w.resolvePlan(tx, newSelection.Result)
		if err != nil {
			return err
		}

		payInfo, err := w.buildPayInfo(tx, &contract, newSelection, planned, carried)
		if err != nil {
			return err
		}

		if err := w.allocatePlan(tx, proposalID, planned); err != nil {
			return err
		}

		// The broken coin is released from the selection but stays spent;
		// its value is unusable until the exchange says otherwise.
		brokenCoin, ok, err := tx.GetCoin(brokenCoinPub)
		if err != nil {
			return err
		}
		if ok {
			brokenCoin.AllocatedTo = ""
			if err := tx.PutCoin(brokenCoin); err != nil {
				return err
			}
		}

		p.PayInfo = payInfo
		p.Status = pay.StatusPaying
		recovered = true
		return tx.PutPurchase(p)
	})
	return recovered, err
}

// AbortPurchase abandons a purchase that is stuck paying. Funds already
// promised to the merchant are recovered through the abort-refund flow
// instead of being leaked.
func (w *Wallet) AbortPurchase(ctx context.Context, proposalID string) error {
	err := w.store.RunReadWrite(ctx, []storage.StoreName{storage.StorePurchases}, func(tx storage.Tx) error {
		p, ok, err := tx.GetPurchase(proposalID)
		if err != nil {
			return err
		}
		if !ok {
			return pay.ErrPurchaseNotFound
		}
		if p.Status != pay.StatusPaying {
			return pay.ValidationError{
				Err: fmt.Errorf("cannot abort purchase in status %s", p.Status),
			}
		}
		p.Status = pay.StatusAbortingWithRefund
		return tx.PutPurchase(p)
	})
	if err != nil {
		return err
	}

	return w.ProcessPurchaseQueryRefund(ctx, proposalID)
}
