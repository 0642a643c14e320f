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

// Package opencash is the top-level entry point of the wallet payment core.
// The implementation lives in the pay packages; this package only pins the
// surface applications program against.
package opencash

import (
	"context"

	"github.com/opencash/opencash/pay"
	"github.com/opencash/opencash/pay/wallet"
)

// Wallet is the payment surface an application drives: resolving merchant
// orders to purchases, paying them, and reconciling refunds.
type Wallet interface {
	PreparePay(ctx context.Context, merchantBaseURL, orderID, claimToken, sessionID string) (*wallet.PreparePayResult, error)
	CheckPaymentByProposalID(ctx context.Context, proposalID string) (*wallet.PreparePayResult, error)
	ConfirmPay(ctx context.Context, proposalID, sessionID string) (*wallet.ConfirmPayResult, error)
	ConfirmPayForced(ctx context.Context, proposalID, sessionID string, forced pay.ForcedCoinSel) (*wallet.ConfirmPayResult, error)
	RefuseProposal(ctx context.Context, proposalID string) error
	AbortPurchase(ctx context.Context, proposalID string) error
	PrepareRefund(ctx context.Context, merchantBaseURL, orderID string) (*wallet.RefundSummary, error)
	ProcessPurchaseQueryRefund(ctx context.Context, proposalID string) error
}

var _ Wallet = (*wallet.Wallet)(nil)
