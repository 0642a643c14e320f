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
	"time"

	"github.com/opencash/opencash/currency"
)

// PurchaseStatus is the state of a purchase's state machine.
type PurchaseStatus string

const (
	StatusDownloadingProposal  PurchaseStatus = "downloading-proposal"
	StatusProposalDownloadFail PurchaseStatus = "proposal-download-failed"
	StatusProposed             PurchaseStatus = "proposed"
	StatusProposalRefused      PurchaseStatus = "proposal-refused"
	StatusRepurchaseDetected   PurchaseStatus = "repurchase-detected"
	StatusPaying               PurchaseStatus = "paying"
	StatusPaid                 PurchaseStatus = "paid"
	StatusPayingReplay         PurchaseStatus = "paying-replay"
	StatusQueryingRefund       PurchaseStatus = "querying-refund"
	StatusQueryingAutoRefund   PurchaseStatus = "querying-auto-refund"
	StatusAbortingWithRefund   PurchaseStatus = "aborting-with-refund"
	StatusPaymentAbortFinished PurchaseStatus = "payment-abort-finished"
)

// ProposalDownload is the result of downloading and verifying a proposal.
type ProposalDownload struct {
	ContractData ContractData
	// ContractTermsHash is the hash the merchant signed.
	ContractTermsHash string
	// ContractTermsRawHash is the hash of the raw terms as fetched, used as
	// the content address under which the terms are stored.
	ContractTermsRawHash string
	MerchantSig          string
}

// PayCoinSelection is the final, signed-ready coin selection. CoinPubs and
// CoinContributions are parallel arrays.
type PayCoinSelection struct {
	CoinPubs          []string
	CoinContributions []currency.Amount
	// PaymentAmount is the nominal contract amount.
	PaymentAmount currency.Amount
	// CustomerDepositFees and CustomerWireFees are fees beyond the contract
	// limits that the customer bears on top of PaymentAmount. They are never
	// silently dropped: the selected contributions cover them.
	CustomerDepositFees currency.Amount
	CustomerWireFees    currency.Amount
}

// PayInfo holds everything needed to submit (and idempotently resubmit) a
// payment.
type PayInfo struct {
	Selection PayCoinSelection
	// SelectionUID changes whenever the selection is rebuilt, e.g. after an
	// insufficient-funds conflict. The merchant treats resubmissions with the
	// same UID as idempotent.
	SelectionUID string
	// TotalPayCost is the customer's effective cost: contributions plus the
	// refresh cost of the change left on partially spent coins.
	TotalPayCost currency.Amount
}

// RefundState is the per-refund-transaction state.
type RefundState string

const (
	RefundPending RefundState = "pending"
	RefundApplied RefundState = "applied"
	RefundFailed  RefundState = "failed"
)

// RefundKey identifies one refund transaction on one coin.
type RefundKey struct {
	CoinPub        string
	RTransactionID uint64
}

// RefundEntry tracks one refund transaction. Entries are append-only except
// for Pending -> {Applied,Failed} transitions; a terminal state is never
// overwritten.
type RefundEntry struct {
	State        RefundState
	RefundAmount currency.Amount
	RefundFee    currency.Amount
	// TotalRefreshCostBound is an upper bound on what refreshing the coin's
	// remaining value will cost, computed when the refund is applied.
	TotalRefreshCostBound currency.Amount
	ExecutionTime         time.Time
	ObtainedTime          time.Time
}

// RetryInfo is the persisted retry state for transient failures, so retries
// survive process restarts.
type RetryInfo struct {
	Attempts  int
	LastError string
}

// Purchase is the aggregate root of one payment, keyed by ProposalID.
// It is only ever mutated inside store transactions.
type Purchase struct {
	ProposalID      string
	MerchantBaseURL string
	OrderID         string

	// NoncePriv/NoncePub are the claim nonce keypair for this purchase.
	NoncePriv  string
	NoncePub   string
	ClaimToken string

	Download *ProposalDownload
	Status   PurchaseStatus
	PayInfo  *PayInfo

	// MerchantPaySig is the merchant's signature over the contract-terms
	// hash, present once the purchase was paid successfully at least once.
	MerchantPaySig string
	LastSessionID  string

	Refunds map[RefundKey]*RefundEntry
	// RefundAmountAwaiting is the refund total the merchant reports as still
	// to be picked up, nil when nothing is awaiting.
	RefundAmountAwaiting *currency.Amount
	AutoRefundDeadline   *time.Time

	TimestampProposed           time.Time
	TimestampAccept             *time.Time
	TimestampFirstSuccessfulPay *time.Time

	RetryInfo RetryInfo
}

// PendingRefunds reports whether any refund entry is still pending.
func (p *Purchase) PendingRefunds() bool {
	for _, e := range p.Refunds {
		if e.State == RefundPending {
			return true
		}
	}
	return false
}

// RefundTotals sums applied refund amounts net of fees and bounds, and
// amounts permanently lost through failed refunds.
func (p *Purchase) RefundTotals(cur string) (granted, gone currency.Amount, err error) {
	granted = currency.Zero(cur)
	gone = currency.Zero(cur)
	for _, e := range p.Refunds {
		switch e.State {
		case RefundApplied:
			net, ferr := e.RefundAmount.Sub(e.RefundFee)
			if ferr != nil {
				return granted, gone, ferr
			}
			net, ferr = net.SubSaturating(e.TotalRefreshCostBound)
			if ferr != nil {
				return granted, gone, ferr
			}
			granted, ferr = granted.Add(net)
			if ferr != nil {
				return granted, gone, ferr
			}
		case RefundFailed:
			gone, err = gone.Add(e.RefundAmount)
			if err != nil {
				return granted, gone, err
			}
		}
	}
	return granted, gone, nil
}
