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

// Package merchant implements the HTTP client for the merchant's order API:
// paying for orders, replaying payments, and picking up refunds.
package merchant

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opencash/opencash/httpfmt"
	"github.com/opencash/opencash/httpretry"
	"github.com/opencash/opencash/pay"
)

// InsufficientFundsError reports that the exchange rejected one of the
// deposited coins for lacking the claimed value. The wallet recovers by
// re-selecting coins around the broken one.
type InsufficientFundsError struct {
	CoinPub string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("exchange reported insufficient funds for coin %s", e.CoinPub)
}

// Config holds the settings for a merchant API client.
type Config struct {
	// BaseURL is the merchant's base URL including any instance prefix.
	BaseURL string `yaml:"base_url"`

	// HTTPClient is used for all requests. Defaults to a fresh client.
	HTTPClient *http.Client `yaml:"-"`

	// RequestTimeout is the base timeout for one request.
	// Defaults to 10s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// PerCoinTimeout extends the pay timeout for every coin in the
	// request, since the merchant deposits each coin at its exchange.
	// Defaults to 2s.
	PerCoinTimeout time.Duration `yaml:"per_coin_timeout"`

	// RetryFor bounds how long transient server errors are retried
	// before a request is reported as failed. Defaults to 30s.
	RetryFor time.Duration `yaml:"retry_for"`
}

// Client talks to one merchant's order API.
type Client struct {
	cfg Config
}

// New creates a merchant API client. The base URL must be absolute.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || !u.IsAbs() {
		return nil, pay.ValidationError{Err: fmt.Errorf("invalid merchant base url %q", cfg.BaseURL)}
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.PerCoinTimeout == 0 {
		cfg.PerCoinTimeout = 2 * time.Second
	}
	if cfg.RetryFor == 0 {
		cfg.RetryFor = 30 * time.Second
	}

	return &Client{cfg: cfg}, nil
}

func (c *Client) orderURL(orderID string, parts ...string) string {
	segments := append([]string{"orders", url.PathEscape(orderID)}, parts...)
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + strings.Join(segments, "/")
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	bckoff := backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(c.cfg.RetryFor))
	return httpretry.DoWith(c.cfg.HTTPClient, req, bckoff, httpretry.Retry5xx)
}

// Claim downloads the contract terms of an order, binding them to the
// wallet's claim nonce.
func (c *Client) Claim(ctx context.Context, orderID string, claimReq *ClaimRequest) (*ClaimResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := httpfmt.NewJSONRequest(ctx, http.MethodPost, c.orderURL(orderID, "claim"), claimReq)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("claim request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, merchantError(resp)
	}

	result := &ClaimResponse{}
	if err := httpfmt.ReadJSON(resp, result); err != nil {
		return nil, pay.ProtocolViolationError{Err: err}
	}
	return result, nil
}

// Pay submits the deposit permissions for an order. On a 409 carrying the
// exchange's insufficient-funds code it returns an [InsufficientFundsError]
// naming the broken coin; a 409 without a coin is a protocol violation.
func (c *Client) Pay(ctx context.Context, orderID string, payReq *PayRequest) (*PayResponse, error) {
	// Paying deposits every coin at its exchange, so allow more time for
	// larger selections.
	timeout := c.cfg.RequestTimeout + time.Duration(len(payReq.Coins))*c.cfg.PerCoinTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := httpfmt.NewJSONRequest(ctx, http.MethodPost, c.orderURL(orderID, "pay"), payReq)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("pay request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		result := &PayResponse{}
		if err := httpfmt.ReadJSON(resp, result); err != nil {
			return nil, pay.ProtocolViolationError{Err: err}
		}
		return result, nil

	case http.StatusConflict:
		body := errorBody{}
		if err := httpfmt.ReadJSON(resp, &body); err != nil {
			return nil, pay.ProtocolViolationError{Err: err}
		}
		if body.ExchangeReply != nil && body.ExchangeReply.Code == CodeExchangeInsufficientFunds {
			if body.ExchangeReply.CoinPub == "" {
				return nil, pay.ProtocolViolationError{
					Err: fmt.Errorf("insufficient-funds conflict names no coin"),
				}
			}
			return nil, &InsufficientFundsError{CoinPub: body.ExchangeReply.CoinPub}
		}
		return nil, pay.MerchantError{StatusCode: resp.StatusCode, Message: body.Hint}

	default:
		return nil, merchantError(resp)
	}
}

// Paid replays a completed payment under a new session id. Anything but a
// 204 is a protocol violation: the merchant already holds the payment.
func (c *Client) Paid(ctx context.Context, orderID string, paidReq *PaidRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := httpfmt.NewJSONRequest(ctx, http.MethodPost, c.orderURL(orderID, "paid"), paidReq)
	if err != nil {
		return err
	}

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("paid request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return pay.ProtocolViolationError{
			Err: fmt.Errorf("unexpected status %d replaying payment", resp.StatusCode),
		}
	}
	return nil
}

// GetOrderStatus fetches the order's current status, including refund
// totals. A non-zero longPoll asks the merchant to hold the request until a
// refund becomes available or the window elapses.
func (c *Client) GetOrderStatus(ctx context.Context, orderID, contractHash string, longPoll time.Duration) (*OrderStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout+longPoll)
	defer cancel()

	statusURL := c.orderURL(orderID)
	query := url.Values{}
	query.Set("h_contract", contractHash)
	if longPoll > 0 {
		query.Set("timeout_ms", fmt.Sprintf("%d", longPoll.Milliseconds()))
	}
	statusURL += "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("order status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, merchantError(resp)
	}

	status := &OrderStatus{}
	if err := httpfmt.ReadJSON(resp, status); err != nil {
		return nil, pay.ProtocolViolationError{Err: err}
	}
	return status, nil
}

// Refund picks up the refunds granted for an order.
func (c *Client) Refund(ctx context.Context, orderID, contractHash string) (*RefundResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := httpfmt.NewJSONRequest(ctx, http.MethodPost, c.orderURL(orderID, "refund"), RefundRequest{ContractHash: contractHash})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("refund request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, merchantError(resp)
	}

	result := &RefundResponse{}
	if err := httpfmt.ReadJSON(resp, result); err != nil {
		return nil, pay.ProtocolViolationError{Err: err}
	}
	return result, nil
}

// Abort asks the merchant to refund the named coins of a not-fully-paid
// order.
func (c *Client) Abort(ctx context.Context, orderID string, abortReq *AbortRequest) (*RefundResponse, error) {
	timeout := c.cfg.RequestTimeout + time.Duration(len(abortReq.Coins))*c.cfg.PerCoinTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := httpfmt.NewJSONRequest(ctx, http.MethodPost, c.orderURL(orderID, "abort"), abortReq)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("abort request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, merchantError(resp)
	}

	result := &RefundResponse{}
	if err := httpfmt.ReadJSON(resp, result); err != nil {
		return nil, pay.ProtocolViolationError{Err: err}
	}
	return result, nil
}

func merchantError(resp *http.Response) error {
	return pay.MerchantError{
		StatusCode: resp.StatusCode,
		Message:    httpfmt.ErrorMessage(resp),
	}
}
