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

// Package httpretry retries HTTP requests under a backoff schedule.
// Only transient failures are retried; which responses count as transient is
// decided by a [Policy].
package httpretry

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cenkalti/backoff/v4"
)

// Policy classifies a response as retryable or final.
type Policy func(resp *http.Response) (retryable bool)

// Retry5xx retries server errors and nothing else. Client errors are the
// caller's problem and will not improve with repetition.
func Retry5xx(resp *http.Response) bool {
	return resp.StatusCode >= 500 && resp.StatusCode <= 599
}

// Do performs the request with a default exponential backoff and the
// [Retry5xx] policy.
func Do(client *http.Client, req *http.Request) (*http.Response, error) {
	return DoWith(client, req, backoff.WithContext(backoff.NewExponentialBackOff(), req.Context()), Retry5xx)
}

// DoWith performs the request, retrying under the given backoff while the
// policy reports the response as retryable or the transport errors.
// Requests with a body must have GetBody set (as requests built by
// http.NewRequest with a byte buffer do), otherwise a retry would resend an
// already-consumed body.
func DoWith(client *http.Client, req *http.Request, bo backoff.BackOff, policy Policy) (*http.Response, error) {
	var resp *http.Response

	operation := func() error {
		if req.Body != nil && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(fmt.Errorf("failed to rewind request body: %w", err))
			}
			req.Body = body
		}

		var err error
		resp, err = client.Do(req) //nolint:bodyclose // closed below on retry, by the caller on success
		if err != nil {
			return err
		}
		if policy(resp) {
			status := resp.StatusCode
			if cerr := resp.Body.Close(); cerr != nil {
				slog.Warn("failed to close response body before retry", "error", cerr)
			}
			return fmt.Errorf("retryable status %d for %s %s", status, req.Method, req.URL)
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, req.Context())); err != nil {
		return nil, err
	}
	return resp, nil
}
