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

package log

import (
	"testing"
)

func TestNewLoggerReusesSources(t *testing.T) {
	a := NewLogger("test-source")
	b := NewLogger("test-source")
	if a != b {
		t.Errorf("expected the same logger for the same source")
	}
	if a.Source() != "test-source" {
		t.Errorf("unexpected source %q", a.Source())
	}
	if c := NewLogger("[test-trimmed] "); c.Source() != "test-trimmed" {
		t.Errorf("source not trimmed: %q", c.Source())
	}
}

func TestLevelFromVerbosity(t *testing.T) {
	cases := []struct {
		verbosity int
		level     Level
	}{
		{-1, LevelNone},
		{0, LevelNone},
		{1, LevelError},
		{2, LevelWarn},
		{3, LevelInfo},
		{4, LevelDebug},
		{9, LevelDebug},
	}
	for _, c := range cases {
		if got := LevelFromVerbosity(c.verbosity); got != c.level {
			t.Errorf("verbosity %d: expected level %v, got %v", c.verbosity, c.level, got)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for name, level := range map[string]Level{
		"debug":   LevelDebug,
		"Info":    LevelInfo,
		"WARNING": LevelWarn,
		"error":   LevelError,
		"off":     LevelNone,
	} {
		got, err := ParseLevel(name)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", name, err)
		}
		if got != level {
			t.Errorf("ParseLevel(%q): expected %v, got %v", name, level, got)
		}
	}
	if _, err := ParseLevel("bogus"); err == nil {
		t.Errorf("expected an error for an invalid level name")
	}
}

func TestSetLevelFiltersDebug(t *testing.T) {
	defer SetLevel(GetLevel())

	l := NewLogger("test-filter")
	SetLevel(LevelInfo)
	if l.DebugEnabled() {
		t.Errorf("debug must be filtered at info level")
	}
	SetLevel(LevelDebug)
	if !l.DebugEnabled() {
		t.Errorf("debug must pass at debug level")
	}
}
