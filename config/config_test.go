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

package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencash/opencash/config"
)

type loadableConfig struct {
	StaysUntouched    string
	SourcedFromYAML   string `yaml:"sourced_from_yaml"`
	SourcedFromEnv    string
	fakeValidationErr error
}

func (c *loadableConfig) IsValid() error {
	return c.fakeValidationErr
}

func TestLoad(t *testing.T) {
	load := func(fakeValidationErr error) (*loadableConfig, error) {
		mapping := map[string]config.EnvMapping[loadableConfig]{
			"SOURCED_FROM_ENV": {
				Required: true,
				Func: func(cfg *loadableConfig, val string) error {
					cfg.SourcedFromEnv = val
					return nil
				},
			},
		}

		cfg := &loadableConfig{
			StaysUntouched:    "a",
			fakeValidationErr: fakeValidationErr,
		}

		err := config.Load(cfg, "./testdata/config.yaml", mapping)
		return cfg, err
	}

	t.Run("ok, valid config", func(t *testing.T) {
		t.Setenv("SOURCED_FROM_ENV", "c")

		got, err := load(nil)
		require.NoError(t, err)

		want := &loadableConfig{
			StaysUntouched:    "a",
			SourcedFromYAML:   "b",
			SourcedFromEnv:    "c",
			fakeValidationErr: nil,
		}

		require.Equal(t, want, got)
	})

	t.Run("ok, invalid config", func(t *testing.T) {
		t.Setenv("SOURCED_FROM_ENV", "c")

		// inject a validation error that we expect to be returned
		var validationErr = errors.New("validation error")

		_, err := load(validationErr)
		require.Error(t, err)
		require.ErrorIs(t, err, validationErr)
	})
}

func TestMergeYAML(t *testing.T) {
	type testConfig struct {
		StringVal string `yaml:"string_val"`
		IntVal    int    `yaml:"int_val"`
	}

	tests := map[string]struct {
		config  *testConfig
		environ map[string]string
		yamlSrc string
		wantErr bool
		want    *testConfig
	}{
		"ok, yaml leaves unmentioned fields untouched": {
			config:  &testConfig{StringVal: "a", IntVal: 7},
			yamlSrc: "int_val: 9",
			want:    &testConfig{StringVal: "a", IntVal: 9},
		},
		"ok, env expansion": {
			config:  &testConfig{},
			environ: map[string]string{"STRING_VAL": "from-env"},
			yamlSrc: "string_val: ${STRING_VAL}",
			want:    &testConfig{StringVal: "from-env"},
		},
		"ok, env default used when unset": {
			config:  &testConfig{},
			yamlSrc: "string_val: ${UNSET_STRING_VAL:-fallback}",
			want:    &testConfig{StringVal: "fallback"},
		},
		"fail, env variable missing": {
			config:  &testConfig{},
			yamlSrc: "string_val: ${MISSING_STRING_VAL}",
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			for key, val := range tc.environ {
				t.Setenv(key, val)
			}

			err := config.MergeYAML(tc.config, strings.NewReader(tc.yamlSrc))
			if tc.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.want, tc.config)
		})
	}
}

func TestMergeEnvCollectsErrors(t *testing.T) {
	type testConfig struct {
		IntVal  int
		BoolVal bool
	}

	t.Setenv("INT_VAL", "not-a-number")

	mappings := map[string]config.EnvMapping[testConfig]{
		"INT_VAL": {
			Func: func(cfg *testConfig, val string) error {
				return config.MapEnvInt(&cfg.IntVal, val)
			},
		},
		"REQUIRED_BOOL_VAL": {
			Required: true,
			Func: func(cfg *testConfig, val string) error {
				return config.MapEnvBool(&cfg.BoolVal, val)
			},
		},
	}

	err := config.MergeEnv(&testConfig{}, mappings)
	require.Error(t, err)
	require.Contains(t, err.Error(), "INT_VAL")
	require.Contains(t, err.Error(), "REQUIRED_BOOL_VAL")
}
