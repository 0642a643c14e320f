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

package httpfmt

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// maxErrorBytes limits how much of an error body we will read, in case
// some service returns excessively large errors.
const maxErrorBytes = 4096

// ErrorMessage extracts a human-readable failure reason from an error
// response: the hint field of a JSON error body, or the trimmed raw text
// for anything else. It never fails; an unreadable body yields "". The
// response body is left for the caller to close.
func ErrorMessage(resp *http.Response) string {
	reader := io.LimitReader(resp.Body, maxErrorBytes)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Hint string `json:"hint"`
		}
		if err := json.NewDecoder(reader).Decode(&body); err != nil {
			return ""
		}
		return body.Hint
	}

	raw, err := io.ReadAll(reader)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
