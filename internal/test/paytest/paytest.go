// Package paytest provides deterministic wallet collaborators for tests and
// dev harnesses. The signer produces stable placeholder hashes and accepts
// every signature; never use it outside of testing.
package paytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/opencash/opencash/currency"
	"github.com/opencash/opencash/pay"
	"github.com/opencash/opencash/pay/merchant"
	"github.com/opencash/opencash/pay/wallet"
)

type Signer struct {
	mu         sync.Mutex
	nonceCount int
}

func NewSigner() *Signer {
	return &Signer{}
}

func (s *Signer) CreateNonce(context.Context) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonceCount++
	return fmt.Sprintf("nonce-priv-%d", s.nonceCount), fmt.Sprintf("nonce-pub-%d", s.nonceCount), nil
}

func (s *Signer) ContractTermsHash(raw []byte) (string, error) {
	return fmt.Sprintf("terms-hash-%d", len(raw)), nil
}

func (s *Signer) IsValidContractTermsSignature(context.Context, string, string, string) (bool, error) {
	return true, nil
}

func (s *Signer) IsValidPaymentSignature(context.Context, string, string, string) (bool, error) {
	return true, nil
}

func (s *Signer) SignDepositPermission(_ context.Context, req wallet.DepositPermissionRequest) (merchant.CoinDeposit, error) {
	return merchant.CoinDeposit{
		CoinPub:      req.CoinPub,
		DenomPubHash: req.DenomPubHash,
		Contribution: req.Contribution,
		ExchangeURL:  req.ExchangeBaseURL,
		UBSig:        "ub-sig-" + req.CoinPub,
		CoinSig:      "coin-sig-" + req.CoinPub,
	}, nil
}

// Refresher reports zero refresh cost for every residual.
type Refresher struct{}

func (Refresher) TotalRefreshCost(_ []pay.DenominationInfo, _ *pay.DenominationInfo, amountLeft currency.Amount) (currency.Amount, error) {
	return currency.Zero(amountLeft.Currency), nil
}
