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

// Package delay provides context-aware sleeps, used for pacing retries and
// long-poll windows.
package delay

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// For waits for the given delay or until the context is cancelled.
func For(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// UpTo waits a uniformly random duration below maxDelay, or until the
// context is cancelled. It reports the delay actually applied.
func UpTo(ctx context.Context, maxDelay time.Duration) (time.Duration, error) {
	if maxDelay == 0 {
		return time.Duration(0), nil
	}

	delay, err := randDuration(maxDelay)
	if err != nil {
		return 0, err
	}

	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return delay, nil
	}
}

func randDuration(maxDuration time.Duration) (time.Duration, error) {
	d, err := rand.Int(rand.Reader, big.NewInt(int64(maxDuration)))
	if err != nil {
		return 0, fmt.Errorf("failed to read random duration: %w", err)
	}
	return time.Duration(d.Int64()), nil
}
