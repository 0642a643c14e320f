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

// Package inttest holds helpers shared by the heavier package tests.
package inttest

import (
	"io"
	"log/slog"
	"testing"

	slogenv "github.com/cbrewster/slog-env"
	"github.com/neilotoole/slogt"
)

// WrapLog routes the default logger through the test's log output, so wallet
// log lines show up next to the assertions that triggered them. Outside of
// verbose runs the default logger is left alone.
func WrapLog(t *testing.T) *slog.Logger {
	if !testing.Verbose() {
		return slog.Default()
	}

	f := slogt.Factory(func(w io.Writer) slog.Handler {
		opts := &slog.HandlerOptions{
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.String(a.Key, a.Value.Time().Format("15:04:05.000"))
				}
				return a
			},
		}
		return slogenv.NewHandler(slog.NewTextHandler(w, opts), slogenv.WithDefaultLevel(slog.LevelError))
	})

	sl := slogt.New(t, f)
	slog.SetDefault(sl)
	return sl
}
