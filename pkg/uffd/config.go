// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package uffd

import (
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// Config controls the fault-serving policy of a Server.
type Config struct {
	// ZeroFillOnMiss installs a zero page when the faulting page is
	// not in the cache, unblocking the faulting thread with no useful
	// content. With it disabled a miss leaves the fault unresolved.
	ZeroFillOnMiss bool `json:"zeroFillOnMiss"`
	// CollectStats enables fault counters and handling-time tracking.
	CollectStats bool `json:"collectStats"`
	// LogLevel is the numeric verbosity for the server's logger (0-4).
	LogLevel int `json:"logLevel"`
	// PrefetchAhead is the number of subsequent cached pages resolved
	// eagerly after a fault, exploiting the access-order locality the
	// layout was built from. 0 disables prefetch.
	PrefetchAhead int `json:"prefetchAhead"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		ZeroFillOnMiss: true,
		CollectStats:   true,
		LogLevel:       3,
		PrefetchAhead:  4,
	}
}

// ReadConfigFile reads a YAML serialization of Config, applying the
// file's fields over the defaults.
func ReadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "uffd: failed to read config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "uffd: failed to parse config file %q", path)
	}
	return cfg, nil
}
