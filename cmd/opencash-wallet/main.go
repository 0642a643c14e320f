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

// opencash-wallet is a development harness for the payment core: it claims
// an order at a merchant backend, reports whether the configured coin stock
// covers it, and optionally pays. It runs on an in-memory store with a
// non-verifying signer, so it is for poking at merchant backends, not for
// holding money.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	slogenv "github.com/cbrewster/slog-env"

	"github.com/opencash/opencash/config"
	"github.com/opencash/opencash/currency"
	"github.com/opencash/opencash/delay"
	"github.com/opencash/opencash/internal/test/paytest"
	"github.com/opencash/opencash/otel/otelutil"
	"github.com/opencash/opencash/pay"
	"github.com/opencash/opencash/pay/storage"
	"github.com/opencash/opencash/pay/storage/inmem"
	"github.com/opencash/opencash/pay/wallet"
)

const serviceName = "opencash_wallet"

const (
	confirmAttempts    = 5
	confirmRetryDelay  = 2 * time.Second
	confirmRetryJitter = time.Second
)

type Config struct {
	Merchant MerchantConfig `yaml:"merchant"`
	Stock    *StockConfig   `yaml:"stock"`
}

type MerchantConfig struct {
	BaseURL    string `yaml:"base_url"`
	OrderID    string `yaml:"order_id"`
	ClaimToken string `yaml:"claim_token"`
	SessionID  string `yaml:"session_id"`
	// Confirm pays the order when the stock covers it. Without it the
	// harness only claims and reports.
	Confirm bool `yaml:"confirm"`
}

// StockConfig seeds the in-memory store with coins, as if they had been
// withdrawn earlier.
type StockConfig struct {
	ExchangeBaseURL string             `yaml:"exchange_base_url"`
	MasterPub       string             `yaml:"master_pub"`
	WireMethod      string             `yaml:"wire_method"`
	Denominations   []DenomStockConfig `yaml:"denominations"`
}

type DenomStockConfig struct {
	DenomPubHash string `yaml:"denom_pub_hash"`
	Value        string `yaml:"value"`
	FeeDeposit   string `yaml:"fee_deposit"`
	FeeRefresh   string `yaml:"fee_refresh"`
	FeeRefund    string `yaml:"fee_refund"`
	Count        int    `yaml:"count"`
}

func (c *Config) IsValid() error {
	var errs error
	if c.Merchant.BaseURL == "" {
		errs = errors.Join(errs, errors.New("merchant.base_url is required"))
	}
	if c.Merchant.OrderID == "" {
		errs = errors.Join(errs, errors.New("merchant.order_id is required"))
	}
	return errs
}

func envMappings() map[string]config.EnvMapping[Config] {
	return map[string]config.EnvMapping[Config]{
		"OPENCASH_MERCHANT_BASE_URL": {Func: func(cfg *Config, val string) error {
			cfg.Merchant.BaseURL = val
			return nil
		}},
		"OPENCASH_ORDER_ID": {Func: func(cfg *Config, val string) error {
			cfg.Merchant.OrderID = val
			return nil
		}},
		"OPENCASH_CLAIM_TOKEN": {Func: func(cfg *Config, val string) error {
			cfg.Merchant.ClaimToken = val
			return nil
		}},
		"OPENCASH_CONFIRM": {Func: func(cfg *Config, val string) error {
			return config.MapEnvBool(&cfg.Merchant.Confirm, val)
		}},
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	slog.SetDefault(slog.New(slogenv.NewHandler(slog.NewTextHandler(os.Stderr, nil))))

	shutdown, err := otelutil.Init(context.Background(), serviceName)
	if err != nil {
		slog.Error("failed to init opentelemetry", "error", err)
		return 1
	}
	defer shutdown(context.Background())

	configFile, err := config.FilenameFromArgs(os.Args[1:])
	if err != nil {
		slog.Warn("failed to determine config file", "error", err)
	}

	cfg := &Config{}
	if err := config.Load(cfg, configFile, envMappings()); err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store := inmem.New()
	if cfg.Stock != nil {
		if err := seedStock(ctx, store, cfg.Stock); err != nil {
			slog.Error("failed to seed coin stock", "error", err)
			return 1
		}
	}

	w, err := wallet.New(store, paytest.NewSigner(), paytest.Refresher{}, wallet.Config{})
	if err != nil {
		slog.Error("failed to create wallet", "error", err)
		return 1
	}

	result, err := w.PreparePay(ctx, cfg.Merchant.BaseURL, cfg.Merchant.OrderID, cfg.Merchant.ClaimToken, cfg.Merchant.SessionID)
	if err != nil {
		slog.Error("failed to prepare payment", "error", err)
		return 1
	}
	slog.Info("prepared payment",
		"proposal_id", result.ProposalID,
		"result", string(result.Type),
		"amount", result.Amount.String(),
		"customer_fees", result.CustomerFees.String(),
	)

	if !cfg.Merchant.Confirm {
		return 0
	}
	if result.Type != wallet.PaymentPossible {
		slog.Error("cannot confirm, stock does not cover the order", "result", string(result.Type))
		return 1
	}

	// Transient merchant failures leave the purchase pending; retry a few
	// times before giving up, with some jitter so restarted runs do not
	// line up their attempts.
	for attempt := 0; attempt < confirmAttempts; attempt++ {
		if attempt > 0 {
			if err := delay.For(ctx, confirmRetryDelay); err != nil {
				slog.Error("interrupted while waiting to retry", "error", err)
				return 1
			}
			if _, err := delay.UpTo(ctx, confirmRetryJitter); err != nil {
				slog.Error("interrupted while waiting to retry", "error", err)
				return 1
			}
		}

		confirmed, err := w.ConfirmPay(ctx, result.ProposalID, cfg.Merchant.SessionID)
		if err != nil {
			slog.Error("failed to confirm payment", "error", err)
			return 1
		}
		slog.Info("confirmed payment", "result", string(confirmed.Type), "status", string(confirmed.Status))
		if confirmed.Type == wallet.ConfirmPayDone {
			return 0
		}
	}
	slog.Error("payment still pending, giving up")
	return 1
}

func seedStock(ctx context.Context, store *inmem.Store, stock *StockConfig) error {
	return store.RunReadWrite(ctx, []storage.StoreName{
		storage.StoreExchanges, storage.StoreDenominations, storage.StoreCoins, storage.StoreCoinAvailability,
	}, func(tx storage.Tx) error {
		currencies := map[string]bool{}
		for _, d := range stock.Denominations {
			value, err := currency.Parse(d.Value)
			if err != nil {
				return fmt.Errorf("denomination %s value: %w", d.DenomPubHash, err)
			}
			currencies[value.Currency] = true

			feeDeposit, err := parseOrZero(d.FeeDeposit, value.Currency)
			if err != nil {
				return fmt.Errorf("denomination %s fee_deposit: %w", d.DenomPubHash, err)
			}
			feeRefresh, err := parseOrZero(d.FeeRefresh, value.Currency)
			if err != nil {
				return fmt.Errorf("denomination %s fee_refresh: %w", d.DenomPubHash, err)
			}
			feeRefund, err := parseOrZero(d.FeeRefund, value.Currency)
			if err != nil {
				return fmt.Errorf("denomination %s fee_refund: %w", d.DenomPubHash, err)
			}

			if err := tx.PutDenomination(&pay.DenominationInfo{
				ExchangeBaseURL: stock.ExchangeBaseURL,
				DenomPubHash:    d.DenomPubHash,
				Value:           value,
				FeeDeposit:      feeDeposit,
				FeeRefresh:      feeRefresh,
				FeeRefund:       feeRefund,
				IsOffered:       true,
			}); err != nil {
				return err
			}

			for i := range d.Count {
				if err := tx.PutCoin(&pay.Coin{
					CoinPub:         fmt.Sprintf("dev-%s-%d", d.DenomPubHash, i),
					ExchangeBaseURL: stock.ExchangeBaseURL,
					DenomPubHash:    d.DenomPubHash,
					Status:          pay.CoinStatusFresh,
					CurrentAmount:   value,
					MaxAge:          pay.AgeUnrestricted,
				}); err != nil {
					return err
				}
			}

			if err := tx.PutCoinAvailability(&pay.CoinAvailability{
				ExchangeBaseURL: stock.ExchangeBaseURL,
				DenomPubHash:    d.DenomPubHash,
				MaxAge:          pay.AgeUnrestricted,
				FreshCount:      d.Count,
			}); err != nil {
				return err
			}
		}

		if len(currencies) != 1 {
			return fmt.Errorf("stock must use exactly one currency, got %d", len(currencies))
		}
		var cur string
		for c := range currencies {
			cur = c
		}

		return tx.PutExchange(&pay.ExchangeRecord{
			BaseURL:   stock.ExchangeBaseURL,
			MasterPub: stock.MasterPub,
			Currency:  cur,
			Accounts:  []pay.ExchangeAccount{{PaytoURI: "payto://dev", WireMethod: stock.WireMethod}},
			WireFees:  map[string]currency.Amount{stock.WireMethod: currency.Zero(cur)},
		})
	})
}

func parseOrZero(s, cur string) (currency.Amount, error) {
	if s == "" {
		return currency.Zero(cur), nil
	}
	return currency.Parse(s)
}
