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

// Package httpfmt contains shared helpers for encoding and decoding HTTP
// request and response bodies.
package httpfmt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxBodySize bounds how much of a response body we are willing to decode.
// Merchant and exchange responses are small; anything larger is hostile.
const MaxBodySize = 1 << 20

// NewJSONRequest builds a request carrying data as a JSON body. The body is
// rewindable, so the request is safe to retry.
func NewJSONRequest(ctx context.Context, method, url string, data any) (*http.Request, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

// ReadJSON decodes the response body into target, enforcing [MaxBodySize].
// Unknown fields are tolerated; servers grow their responses and old
// clients must keep working.
func ReadJSON(resp *http.Response, target any) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > MaxBodySize {
		return errors.New("response body exceeds size limit")
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode json response: %w", err)
	}
	return nil
}
