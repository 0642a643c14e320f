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

// PreparePayResultType classifies what a payment check concluded.
type PreparePayResultType string

const (
	// PaymentPossible means a coin selection covering the contract exists.
	PaymentPossible PreparePayResultType = "payment-possible"
	// InsufficientBalance means the usable coins cannot cover the contract.
	InsufficientBalance PreparePayResultType = "insufficient-balance"
	// AlreadyConfirmed means the purchase was confirmed before; Paid tells
	// whether the payment also went through.
	AlreadyConfirmed PreparePayResultType = "already-confirmed"
)

// PreparePayResult reports whether and how a proposal can be paid.
type PreparePayResult struct {
	Type       PreparePayResultType
	ProposalID string
	Status     pay.PurchaseStatus

	Amount currency.Amount
	// CustomerFees are deposit and wire fees beyond the merchant's limits
	// that the customer would bear on top of Amount.
	CustomerFees currency.Amount

	Paid bool
}

// PreparePay resolves an order at a merchant to a local purchase, downloading
// and verifying the proposal first if the order is new, and reports whether
// the wallet can pay for it.
func (w *Wallet) PreparePay(ctx context.Context, merchantBaseURL, orderID, claimToken, sessionID string) (*PreparePayResult, error) {
	ctx, span := otelutil.Tracer.Start(ctx, "wallet.PreparePay")
	defer span.End()

	var proposalID string
	err := w.store.RunReadOnly(ctx, []storage.StoreName{storage.StorePurchases}, func(tx storage.ReadTx) error {
		p, ok, err := tx.GetPurchaseByMerchantAndOrder(merchantBaseURL, orderID)
		if err != nil {
			return err
		}
		if ok {
			proposalID = p.ProposalID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if proposalID == "" {
		proposalID, err = w.createPurchase(ctx, merchantBaseURL, orderID, claimToken, sessionID)
		if err != nil {
			return nil, otelutil.RecordError(span, err)
		}
		if err := w.downloadProposal(ctx, proposalID); err != nil {
			return nil, otelutil.RecordError(span, err)
		}
	}

	return w.CheckPaymentByProposalID(ctx, proposalID)
}

func (w *Wallet) createPurchase(ctx context.Context, merchantBaseURL, orderID, claimToken, sessionID string) (string, error) {
	noncePriv, noncePub, err := w.signer.CreateNonce(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create claim nonce: %w", err)
	}

	uid, err := uuidv7.New()
	if err != nil {
		return "", err
	}
	proposalID := uid.String()

	purchase := &pay.Purchase{
		ProposalID:        proposalID,
		MerchantBaseURL:   merchantBaseURL,
		OrderID:           orderID,
		NoncePriv:         noncePriv,
		NoncePub:          noncePub,
		ClaimToken:        claimToken,
		LastSessionID:     sessionID,
		Status:            pay.StatusDownloadingProposal,
		TimestampProposed: w.now(),
	}

	err = w.store.RunReadWrite(ctx, []storage.StoreName{storage.StorePurchases}, func(tx storage.Tx) error {
		// Lost the race against a concurrent PreparePay for the same order.
		existing, ok, err := tx.GetPurchaseByMerchantAndOrder(merchantBaseURL, orderID)
		if err != nil {
			return err
		}
		if ok {
			proposalID = existing.ProposalID
			return nil
		}
		return tx.PutPurchase(purchase)
	})
	if err != nil {
		return "", err
	}
	return proposalID, nil
}

// downloadProposal claims the order, verifies the merchant's signature over
// the contract terms and persists the normalized contract. Failures move the
// purchase to proposal-download-failed.
func (w *Wallet) downloadProposal(ctx context.Context, proposalID string) error {
	var purchase *pay.Purchase
	err := w.store.RunReadOnly(ctx, []storage.StoreName{storage.StorePurchases}, func(tx storage.ReadTx) error {
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
	if err != nil {
		return err
	}
	if purchase.Status != pay.StatusDownloadingProposal {
		return nil
	}

	download, raw, err := w.fetchAndVerifyProposal(ctx, purchase)
	if err != nil {
		if ferr := w.failProposalDownload(ctx, proposalID, err); ferr != nil {
			slog.ErrorContext(ctx, "failed to record proposal download failure",
				"proposal_id", proposalID, "error", ferr)
		}
		return err
	}

	return w.store.RunReadWrite(ctx, []storage.StoreName{storage.StorePurchases, storage.StoreContractTerms}, func(tx storage.Tx) error {
		p, ok, err := tx.GetPurchase(proposalID)
		if err != nil {
			return err
		}
		if !ok {
			return pay.ErrPurchaseNotFound
		}
		if p.Status != pay.StatusDownloadingProposal {
			return nil
		}

		// A fulfillment URL that was already paid for means this proposal
		// repeats an earlier purchase; it must not be paid twice.
		prev, repurchase, err := tx.GetPaidPurchaseByFulfillmentURL(download.ContractData.FulfillmentURL)
		if err != nil {
			return err
		}
		if repurchase && prev.ProposalID != proposalID {
			p.Status = pay.StatusRepurchaseDetected
			return tx.PutPurchase(p)
		}

		if err := tx.PutContractTerms(&storage.ContractTermsRecord{
			TermsRawHash: download.ContractTermsRawHash,
			Raw:          raw,
		}); err != nil {
			return err
		}

		p.Download = download
		p.Status = pay.StatusProposed
		return tx.PutPurchase(p)
	})
}

func (w *Wallet) fetchAndVerifyProposal(ctx context.Context, purchase *pay.Purchase) (*pay.ProposalDownload, []byte, error) {
	client, err := w.clients.ForMerchant(purchase.MerchantBaseURL)
	if err != nil {
		return nil, nil, err
	}

	claim, err := client.Claim(ctx, purchase.OrderID, &merchant.ClaimRequest{
		Nonce: purchase.NoncePub,
		Token: purchase.ClaimToken,
	})
	if err != nil {
		return nil, nil, err
	}

	terms, err := pay.DecodeContractTerms(claim.ContractTerms)
	if err != nil {
		return nil, nil, err
	}

	termsHash, err := w.signer.ContractTermsHash(claim.ContractTerms)
	if err != nil {
		return nil, nil, err
	}

	valid, err := w.signer.IsValidContractTermsSignature(ctx, claim.Sig, termsHash, terms.MerchantPub)
	if err != nil {
		return nil, nil, err
	}
	if !valid {
		return nil, nil, pay.ValidationError{
			Err: fmt.Errorf("merchant signature over contract terms does not verify"),
		}
	}

	data, err := pay.ExtractContractData(terms, termsHash, claim.Sig)
	if err != nil {
		return nil, nil, err
	}

	if data.MerchantBaseURL != purchase.MerchantBaseURL {
		return nil, nil, pay.ValidationError{
			Err: fmt.Errorf("contract names merchant base url %q, claimed from %q",
				data.MerchantBaseURL, purchase.MerchantBaseURL),
		}
	}
	if data.OrderID != purchase.OrderID {
		return nil, nil, pay.ValidationError{
			Err: fmt.Errorf("contract names order %q, claimed order %q", data.OrderID, purchase.OrderID),
		}
	}

	return &pay.ProposalDownload{
		ContractData:         data,
		ContractTermsHash:    termsHash,
		ContractTermsRawHash: termsHash,
		MerchantSig:          claim.Sig,
	}, claim.ContractTerms, nil
}

func (w *Wallet) failProposalDownload(ctx context.Context, proposalID string, cause error) error {
	return w.store.RunReadWrite(ctx, []storage.StoreName{storage.StorePurchases}, func(tx storage.Tx) error {
		p, ok, err := tx.GetPurchase(proposalID)
		if err != nil {
			return err
		}
		if !ok {
			return pay.ErrPurchaseNotFound
		}
		p.Status = pay.StatusProposalDownloadFail
		p.RetryInfo.LastError = cause.Error()
		return tx.PutPurchase(p)
	})
}

// CheckPaymentByProposalID reports whether the proposal can be paid from the
// current coin stock, without committing to anything.
func (w *Wallet) CheckPaymentByProposalID(ctx context.Context, proposalID string) (*PreparePayResult, error) {
	result := &PreparePayResult{ProposalID: proposalID}

	err := w.store.RunReadOnly(ctx, []storage.StoreName{
		storage.StorePurchases, storage.StoreExchanges, storage.StoreDenominations, storage.StoreCoinAvailability,
	}, func(tx storage.ReadTx) error {
		p, ok, err := tx.GetPurchase(proposalID)
		if err != nil {
			return err
		}
		if !ok {
			return pay.ErrPurchaseNotFound
		}
		result.Status = p.Status

		if p.Download == nil {
			return pay.ValidationError{Err: fmt.Errorf("purchase %s has no downloaded proposal", proposalID)}
		}
		contract := p.Download.ContractData
		result.Amount = contract.Amount

		if p.PayInfo != nil {
			result.Type = AlreadyConfirmed
			result.Paid = p.TimestampFirstSuccessfulPay != nil
			return nil
		}

		selection, ok, err := w.selectCoins(tx, &contract, nil)
		if err != nil {
			return err
		}
		if !ok {
			result.Type = InsufficientBalance
			return nil
		}

		result.Type = PaymentPossible
		result.CustomerFees, err = selection.Tally.CustomerDepositFees.Add(selection.Tally.CustomerWireFees)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// selectCoins gathers candidates from the store and runs the greedy
// selection for the contract, seeded with prevPayCoins when extending an
// existing selection.
func (w *Wallet) selectCoins(tx storage.ReadTx, contract *pay.ContractData, prevPayCoins []pay.PreviousPayCoin) (*pay.Selection, bool, error) {
	candidates, err := w.gatherCandidates(tx, contract)
	if err != nil {
		return nil, false, err
	}

	selection, ok, err := pay.SelectGreedy(pay.SelectPayCoinsRequest{
		ContractAmount:      contract.Amount,
		DepositFeeLimit:     contract.MaxDepositFee,
		WireFeeLimit:        contract.MaxWireFee,
		WireFeeAmortization: contract.WireFeeAmortization,
		PrevPayCoins:        prevPayCoins,
	}, candidates)
	if err != nil {
		return nil, false, err
	}
	return selection, ok, nil
}

func (w *Wallet) gatherCandidates(tx storage.ReadTx, contract *pay.ContractData) (pay.Candidates, error) {
	exchanges, err := tx.ListExchanges()
	if err != nil {
		return pay.Candidates{}, err
	}
	denoms, err := tx.ListDenominations()
	if err != nil {
		return pay.Candidates{}, err
	}
	avail, err := tx.ListCoinAvailability()
	if err != nil {
		return pay.Candidates{}, err
	}

	return pay.SelectCandidates(pay.CandidateRequest{
		Amount:             contract.Amount,
		WireMethod:         contract.WireMethod,
		AllowedExchanges:   contract.AllowedExchanges,
		AllowedAuditors:    contract.AllowedAuditors,
		RequiredMinimumAge: contract.MinimumAge,
		Now:                w.now(),
	}, exchanges, denoms, avail), nil
}

// RefuseProposal marks a downloaded but unconfirmed proposal as refused by
// the user.
func (w *Wallet) RefuseProposal(ctx context.Context, proposalID string) error {
	return w.store.RunReadWrite(ctx, []storage.StoreName{storage.StorePurchases}, func(tx storage.Tx) error {
		p, ok, err := tx.GetPurchase(proposalID)
		if err != nil {
			return err
		}
		if !ok {
			return pay.ErrPurchaseNotFound
		}
		if p.Status != pay.StatusProposed {
			return pay.ValidationError{
				Err: fmt.Errorf("cannot refuse proposal in status %s", p.Status),
			}
		}
		p.Status = pay.StatusProposalRefused
		return tx.PutPurchase(p)
	})
}

// longPollWindow returns how long a refund status query may hold at the
// merchant for the given purchase.
func (w *Wallet) longPollWindow(p *pay.Purchase) time.Duration {
	if p.Status == pay.StatusQueryingAutoRefund {
		return w.cfg.AutoRefundPollWindow
	}
	return 0
}
