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

package bigcache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWarmSources(t *testing.T) {
	dir := t.TempDir()
	a := writeSource(t, dir, "a.so", 2)
	b := writeSource(t, dir, "b.so", 1)

	entries := []LayoutEntry{
		{SourceFile: a, SourceOffset: 0, AccessOrder: 0},
		{SourceFile: b, SourceOffset: 0, AccessOrder: 1},
		{SourceFile: a, SourceOffset: PageSize, AccessOrder: 2},
		// a trace may name files that no longer exist
		{SourceFile: filepath.Join(dir, "gone.so"), SourceOffset: 0, AccessOrder: 3},
		// or offsets past the file's current end
		{SourceFile: b, SourceOffset: 64 * PageSize, AccessOrder: 4},
	}

	res := WarmSources(entries, 0)
	require.Equal(t, 3, res.Pages)
	require.Equal(t, 2, res.Files)
	require.Equal(t, 2, res.Errors)
	require.Equal(t, uint64(3*PageSize), res.Bytes)
}

func TestWarmSourcesPageCap(t *testing.T) {
	dir := t.TempDir()
	a := writeSource(t, dir, "a.so", 3)

	entries := []LayoutEntry{
		{SourceFile: a, SourceOffset: 0},
		{SourceFile: a, SourceOffset: PageSize},
		{SourceFile: a, SourceOffset: 2 * PageSize},
	}

	res := WarmSources(entries, 2)
	require.Equal(t, 2, res.Pages)
	require.Equal(t, 0, res.Errors)
}
