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
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// buildContainer packs two small source files and returns the
// container path plus the sources.
func buildContainer(t *testing.T) (string, string, string) {
	t.Helper()
	dir := t.TempDir()
	a := writeSource(t, dir, "a.so", 2)
	b := writeSource(t, dir, "b.so", 1)

	p := NewPacker()
	_, err := p.AddFile(a)
	require.NoError(t, err)
	_, err = p.AddFile(b)
	require.NoError(t, err)

	out := filepath.Join(dir, "store.bigcache")
	_, err = p.Build(out)
	require.NoError(t, err)
	return out, a, b
}

func TestLoadUnloadIdempotent(t *testing.T) {
	out, _, _ := buildContainer(t)

	s1, err := Load(out)
	require.NoError(t, err)
	h1 := s1.Header()
	require.NoError(t, s1.Unload())
	require.NoError(t, s1.Unload(), "Unload is idempotent")
	require.False(t, s1.Loaded())

	s2, err := Load(out)
	require.NoError(t, err)
	defer s2.Unload()
	if diff := cmp.Diff(h1, s2.Header()); diff != "" {
		t.Fatalf("reload changed header fields (-first +second):\n%s", diff)
	}
}

func TestLoadRejectsCorruptContainer(t *testing.T) {
	out, _, _ := buildContainer(t)

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	// bad magic
	bad := append([]byte(nil), data...)
	bad[0] ^= 0xff
	path := filepath.Join(t.TempDir(), "badmagic.bigcache")
	require.NoError(t, os.WriteFile(path, bad, 0o644))
	_, err = Load(path)
	require.Error(t, err)
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)

	// truncated: header total_size no longer matches the file
	path = filepath.Join(t.TempDir(), "truncated.bigcache")
	require.NoError(t, os.WriteFile(path, data[:len(data)-PageSize], 0o644))
	_, err = Load(path)
	require.Error(t, err)
	require.ErrorAs(t, err, &ferr)
}

func TestLookupMissAndStats(t *testing.T) {
	out, a, _ := buildContainer(t)

	s, err := Load(out)
	require.NoError(t, err)
	defer s.Unload()

	_, ok := s.Lookup(a, 0)
	require.True(t, ok)
	// unaligned offsets resolve to their containing page
	_, ok = s.Lookup(a, PageSize+123)
	require.True(t, ok)

	_, ok = s.Lookup(a, 100*PageSize)
	require.False(t, ok)
	_, ok = s.Lookup("/not/packed.so", 0)
	require.False(t, ok)

	st := s.Stats()
	require.Equal(t, uint64(2), st.Hits)
	require.Equal(t, uint64(2), st.Misses)
	require.Equal(t, uint64(2*PageSize), st.BytesServed)
	require.Equal(t, 0.5, st.HitRate())

	s.ResetStats()
	require.Equal(t, Stats{}, s.Stats())
}

func TestLookupByID(t *testing.T) {
	out, a, b := buildContainer(t)

	s, err := Load(out)
	require.NoError(t, err)
	defer s.Unload()

	idA, ok := s.FileID(a)
	require.True(t, ok)
	idB, ok := s.FileID(b)
	require.True(t, ok)
	require.NotEqual(t, idA, idB)

	byPath, ok := s.Lookup(a, PageSize)
	require.True(t, ok)
	byID, ok := s.LookupByID(idA, PageSize)
	require.True(t, ok)
	require.Same(t, &byPath[0], &byID[0], "both lookups must hit the same page")

	_, ok = s.LookupByID(idB, PageSize)
	require.False(t, ok, "b has a single page")
	_, ok = s.FileID("/not/packed.so")
	require.False(t, ok)
}

func TestPreheat(t *testing.T) {
	out, _, _ := buildContainer(t)

	s, err := Load(out)
	require.NoError(t, err)
	defer s.Unload()

	require.False(t, s.Preheated())
	require.NoError(t, s.Preheat())
	require.True(t, s.Preheated())

	require.NoError(t, s.PreheatRange(0, s.Header().PageCount))
	require.Error(t, s.PreheatRange(2, 1))
	require.Error(t, s.PreheatRange(0, s.Header().PageCount+1))
}

func TestVerifyDetectsDataCorruption(t *testing.T) {
	out, _, _ := buildContainer(t)

	s, err := Load(out)
	require.NoError(t, err)
	require.NoError(t, s.Verify())
	dataOffset := s.Header().DataOffset
	require.NoError(t, s.Unload())

	f, err := os.OpenFile(out, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, int64(dataOffset)+100)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = Load(out)
	require.NoError(t, err, "load does not checksum; verify does")
	defer s.Unload()
	require.Error(t, s.Verify())
}
