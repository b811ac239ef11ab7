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

//go:build linux
// +build linux

package uffd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel/coldstart-bigcache/pkg/bigcache"
	"golang.org/x/sys/unix"
)

// buildTestStore packs srcName with the given content into a cache in
// a temp dir and loads it.
func buildTestStore(t *testing.T, srcName string, content []byte) (*bigcache.Store, string) {
	t.Helper()
	dir := t.TempDir()

	srcPath := filepath.Join(dir, srcName)
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	p := bigcache.NewPacker()
	_, err := p.AddFile(srcPath)
	require.NoError(t, err)

	cachePath := filepath.Join(dir, "test.bigcache")
	_, err = p.Build(cachePath)
	require.NoError(t, err)

	store, err := bigcache.Load(cachePath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Unload() })

	return store, srcPath
}

func requireUffd(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skip("userfaultfd not available (kernel or privileges)")
	}
}

func TestServerLifecycle(t *testing.T) {
	requireUffd(t)

	store, _ := buildTestStore(t, "liblifecycle.so", bytes.Repeat([]byte{0x5a}, bigcache.PageSize))

	s, err := New(store)
	require.NoError(t, err)
	require.Equal(t, StateCreated, s.State())

	s.SetConfig(DefaultConfig())
	require.Equal(t, StateConfigured, s.State())

	require.NoError(t, s.Start())
	require.True(t, s.Running())
	require.NoError(t, s.Start(), "Start is idempotent")

	require.NoError(t, s.Stop())
	require.Equal(t, StateStopped, s.State())
	require.NoError(t, s.Stop(), "Stop is idempotent")

	require.NoError(t, s.Close())
	require.Error(t, s.Start(), "a closed server cannot be restarted")
}

func TestServerServesFaultsFromCache(t *testing.T) {
	requireUffd(t)

	content := make([]byte, 2*bigcache.PageSize)
	for i := range content {
		content[i] = byte(i % 251)
	}
	store, srcPath := buildTestStore(t, "libfault.so", content)

	s, err := New(store)
	require.NoError(t, err)
	defer s.Close()

	cfg := DefaultConfig()
	cfg.PrefetchAhead = 0 // deterministic per-page fault counts
	s.SetConfig(cfg)
	require.NoError(t, s.Start())

	mem, err := s.CreateMapping(uintptr(len(content)), srcPath, 0, unix.PROT_READ)
	require.NoError(t, err)
	defer s.DestroyMapping(mem)
	require.Len(t, s.Regions(), 1)

	// Touching the mapping faults page by page; each fault must be
	// served with the exact source bytes.
	require.True(t, bytes.Equal(mem[:bigcache.PageSize], content[:bigcache.PageSize]))
	require.True(t, bytes.Equal(mem[bigcache.PageSize:], content[bigcache.PageSize:]))

	st := s.Stats()
	require.Equal(t, uint64(2), st.TotalFaults)
	require.Equal(t, uint64(2), st.CacheHits)
	require.Equal(t, uint64(0), st.CacheMisses)
	require.Equal(t, uint64(0), st.CopyErrors)
}

func TestServerZeroFillsUncachedPages(t *testing.T) {
	requireUffd(t)

	content := bytes.Repeat([]byte{0xa5}, bigcache.PageSize)
	store, srcPath := buildTestStore(t, "libzero.so", content)

	s, err := New(store)
	require.NoError(t, err)
	defer s.Close()

	cfg := DefaultConfig()
	cfg.PrefetchAhead = 0
	s.SetConfig(cfg)
	require.NoError(t, s.Start())

	// A two-page region over a one-page cache entry: the second page
	// has no cached content and must come back zeroed.
	mem, err := s.CreateMapping(2*bigcache.PageSize, srcPath, 0, unix.PROT_READ)
	require.NoError(t, err)
	defer s.DestroyMapping(mem)

	require.True(t, bytes.Equal(mem[:bigcache.PageSize], content))
	require.True(t, bytes.Equal(mem[bigcache.PageSize:], make([]byte, bigcache.PageSize)))

	st := s.Stats()
	require.Equal(t, uint64(2), st.TotalFaults)
	require.Equal(t, uint64(1), st.CacheHits)
	require.Equal(t, uint64(1), st.ZeroFills)
}

func TestServerMissWithoutZeroFill(t *testing.T) {
	requireUffd(t)

	store, _ := buildTestStore(t, "libmiss.so", bytes.Repeat([]byte{1}, bigcache.PageSize))

	s, err := New(store)
	require.NoError(t, err)
	defer s.Close()

	cfg := DefaultConfig()
	cfg.ZeroFillOnMiss = false
	s.SetConfig(cfg)

	// Drive the handler directly: the miss path never issues a page
	// install, so no thread needs to be blocked on a real fault.
	s.regionMu.Lock()
	s.arena.add(&Region{Base: 0x7f0000000000, Size: bigcache.PageSize, Path: "/no/such/file.so"})
	s.regionMu.Unlock()

	err = s.handleFault(0x7f0000000123, 0)
	require.Error(t, err)

	st := s.Stats()
	require.Equal(t, uint64(1), st.TotalFaults)
	require.Equal(t, uint64(1), st.CacheMisses)
	require.Equal(t, uint64(0), st.ZeroFills)
}

func TestWorkerStopsWhenFaultChannelDies(t *testing.T) {
	requireUffd(t)

	store, _ := buildTestStore(t, "libdead.so", bytes.Repeat([]byte{4}, bigcache.PageSize))

	s, err := New(store)
	require.NoError(t, err)

	s.SetConfig(DefaultConfig())
	require.NoError(t, s.Start())

	// A dead fault channel reports POLLNVAL or POLLERR; the worker
	// must exit instead of spinning on it.
	require.NoError(t, unix.Close(s.fd))
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept running on a dead fault channel")
	}

	s.fd = -1 // already closed above
	require.NoError(t, s.Stop())
	s.Close()
}

func TestServerFaultOutsideRegions(t *testing.T) {
	requireUffd(t)

	store, _ := buildTestStore(t, "libnone.so", bytes.Repeat([]byte{2}, bigcache.PageSize))

	s, err := New(store)
	require.NoError(t, err)
	defer s.Close()

	require.Error(t, s.handleFault(0xdead000, 0))
}

func TestRegisterRegionValidation(t *testing.T) {
	requireUffd(t)

	store, _ := buildTestStore(t, "libval.so", bytes.Repeat([]byte{3}, bigcache.PageSize))

	s, err := New(store)
	require.NoError(t, err)
	defer s.Close()

	require.Error(t, s.RegisterRegion(0, bigcache.PageSize, "x.so", 0))
	require.Error(t, s.RegisterRegion(0x10001, bigcache.PageSize, "x.so", 0),
		"unaligned base must be rejected")
	require.Error(t, s.UnregisterRegion(0x10000))
	require.Len(t, s.Regions(), 0, "failed registrations leave no state behind")
}

func TestNewRequiresLoadedStore(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}
