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

// Package preload redirects file-backed mmap requests to anonymous
// memory served on demand from a bigcache container. A request is
// either redirected, giving the caller demand-paged cached content, or
// transparently passed through to a real mmap; callers never see a
// behavioral difference beyond latency.
package preload

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/intel/coldstart-bigcache/pkg/bigcache"
	logger "github.com/intel/coldstart-bigcache/pkg/log"
	"github.com/intel/coldstart-bigcache/pkg/uffd"
)

// Environment variables consulted by FromEnv.
const (
	// EnvCachePath is the path of the cache container. Unset disables
	// interception entirely.
	EnvCachePath = "BIGCACHE_PATH"
	// EnvEnabled set to 0 or false turns interception off without
	// removing the cache path.
	EnvEnabled = "BIGCACHE_ENABLED"
	// EnvVerbose is the numeric log verbosity (0-4).
	EnvVerbose = "BIGCACHE_VERBOSE"
	// EnvConfig is an optional YAML fault-serving configuration file.
	EnvConfig = "BIGCACHE_CONFIG"
	// EnvMetrics is an optional address to serve prometheus metrics on.
	EnvMetrics = "BIGCACHE_METRICS"
)

// defaultSuffixes lists the file types worth redirecting. Everything
// else bypasses straight to a real mmap.
var defaultSuffixes = []string{
	".so", ".dex", ".odex", ".oat", ".vdex", ".art", ".apk", ".jar",
}

var log = logger.NewLogger("preload")

func preloadError(format string, args ...interface{}) error {
	return fmt.Errorf("preload: "+format, args...)
}

// MapRequest describes one mmap call to be either redirected or passed
// through. Path is the resolved path of FD; leave it empty to have the
// interceptor resolve it via /proc/self/fd.
type MapRequest struct {
	Length uintptr
	Prot   int
	Flags  int
	FD     int
	Offset int64
	Path   string
}

// Stats are the interception counters of an Interceptor.
type Stats struct {
	Intercepted     uint64
	Bypassed        uint64
	BytesRedirected uint64
}

// Interceptor decides per mmap request whether to serve it from the
// cache through a fault server or hand it to the kernel unchanged.
type Interceptor struct {
	store    *bigcache.Store
	server   *uffd.Server
	suffixes []string
	enabled  uint32

	intercepted     uint64
	bypassed        uint64
	bytesRedirected uint64

	metricsSrv *http.Server
}

// New creates an Interceptor over a loaded store and a fault server.
// The server may be nil, in which case every request bypasses.
func New(store *bigcache.Store, server *uffd.Server) *Interceptor {
	i := &Interceptor{
		store:    store,
		server:   server,
		suffixes: defaultSuffixes,
	}
	i.SetEnabled(true)
	return i
}

// FromEnv builds a fully wired Interceptor from the BIGCACHE_*
// environment: load and preheat the store, start a fault server with
// the configured policy, and optionally expose metrics. Returns
// (nil, nil) when BIGCACHE_PATH is unset or interception is disabled;
// the caller then maps everything itself.
func FromEnv() (*Interceptor, error) {
	cachePath := os.Getenv(EnvCachePath)
	if cachePath == "" {
		return nil, nil
	}
	if v := os.Getenv(EnvEnabled); v == "0" || strings.EqualFold(v, "false") {
		log.Info("interception disabled by %s", EnvEnabled)
		return nil, nil
	}
	if v := os.Getenv(EnvVerbose); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			logger.SetLevel(logger.LevelFromVerbosity(n))
		}
	}

	store, err := bigcache.Load(cachePath)
	if err != nil {
		return nil, err
	}
	if err := store.Verify(); err != nil {
		store.Unload()
		return nil, err
	}
	if err := store.Preheat(); err != nil {
		log.Warn("cache preheat incomplete: %v", err)
	}

	server, err := uffd.New(store)
	if err != nil {
		store.Unload()
		return nil, err
	}

	cfg := uffd.DefaultConfig()
	if path := os.Getenv(EnvConfig); path != "" {
		if cfg, err = uffd.ReadConfigFile(path); err != nil {
			log.Warn("using default fault-serving config: %v", err)
			cfg = uffd.DefaultConfig()
		}
	}
	server.SetConfig(cfg)

	if err := server.Start(); err != nil {
		server.Close()
		store.Unload()
		return nil, err
	}

	i := New(store, server)
	if addr := os.Getenv(EnvMetrics); addr != "" {
		i.serveMetrics(addr)
	}

	log.Info("interceptor ready: cache %s, %d pages, %d files",
		cachePath, store.Header().PageCount, store.Header().FileCount)
	return i, nil
}

// serveMetrics exposes the interceptor, store, and fault-server
// counters on addr.
func (i *Interceptor) serveMetrics(addr string) {
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewCollector(i))
	reg.MustRegister(uffd.NewCollector(i.server))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	i.metricsSrv = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := i.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed: %v", err)
		}
	}()
	log.Info("serving metrics on %s", addr)
}

// SetEnabled toggles interception at runtime. Disabled means every
// request bypasses.
func (i *Interceptor) SetEnabled(on bool) {
	var v uint32
	if on {
		v = 1
	}
	atomic.StoreUint32(&i.enabled, v)
}

// Enabled reports whether interception is on.
func (i *Interceptor) Enabled() bool {
	return atomic.LoadUint32(&i.enabled) == 1
}

// hasAllowedSuffix reports whether path names a file type worth
// redirecting.
func (i *Interceptor) hasAllowedSuffix(path string) bool {
	for _, s := range i.suffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

// Eligible reports whether req would be redirected. All of the
// following must hold: interception on, fault server running, private
// mapping, allowed file suffix, and the first page present in the
// cache.
func (i *Interceptor) Eligible(req *MapRequest) bool {
	if !i.Enabled() || i.server == nil || !i.server.Running() {
		return false
	}
	if req.Flags&unix.MAP_PRIVATE == 0 {
		return false
	}
	if req.Path == "" || !i.hasAllowedSuffix(req.Path) {
		return false
	}
	_, ok := i.store.LookupOffset(req.Path, bigcache.PageAlign(uint64(req.Offset)))
	return ok
}

// Map serves one mmap request. Redirected requests come back as
// anonymous demand-paged memory; everything else is a real mmap of the
// caller's fd. The bool result reports whether the request was
// redirected.
func (i *Interceptor) Map(req *MapRequest) ([]byte, bool, error) {
	if req.Length == 0 {
		return nil, false, preloadError("zero-length mapping requested")
	}
	if req.Path == "" && req.FD >= 0 {
		req.Path = resolveFDPath(req.FD)
	}

	if i.Eligible(req) {
		mem, err := i.server.CreateMapping(req.Length, req.Path,
			bigcache.PageAlign(uint64(req.Offset)), req.Prot)
		if err == nil {
			atomic.AddUint64(&i.intercepted, 1)
			atomic.AddUint64(&i.bytesRedirected, uint64(req.Length))
			log.Debug("redirected mmap of %s offset=%d length=%d",
				req.Path, req.Offset, req.Length)
			return mem, true, nil
		}
		// Redirection is an optimization only; fall back rather than
		// fail the caller's mapping.
		log.Warn("redirect of %s failed, falling back to mmap: %v", req.Path, err)
	}

	mem, err := unix.Mmap(req.FD, req.Offset, int(req.Length), req.Prot, req.Flags)
	if err != nil {
		return nil, false, preloadError("mmap failed: %v", err)
	}
	atomic.AddUint64(&i.bypassed, 1)
	return mem, false, nil
}

// Unmap releases a mapping returned by Map, redirected or not.
func (i *Interceptor) Unmap(mem []byte, redirected bool) error {
	if redirected {
		return i.server.DestroyMapping(mem)
	}
	return unix.Munmap(mem)
}

// Stats returns a snapshot of the interception counters.
func (i *Interceptor) Stats() Stats {
	return Stats{
		Intercepted:     atomic.LoadUint64(&i.intercepted),
		Bypassed:        atomic.LoadUint64(&i.bypassed),
		BytesRedirected: atomic.LoadUint64(&i.bytesRedirected),
	}
}

// Store returns the underlying cache store.
func (i *Interceptor) Store() *bigcache.Store {
	return i.store
}

// Server returns the underlying fault server, or nil.
func (i *Interceptor) Server() *uffd.Server {
	return i.server
}

// Close shuts down the metrics endpoint and the fault server and
// unloads the store. Mappings handed out earlier stay valid; pages of
// redirected mappings not yet resolved come back zero-filled once the
// server is gone.
func (i *Interceptor) Close() error {
	i.SetEnabled(false)
	if i.metricsSrv != nil {
		i.metricsSrv.Close()
		i.metricsSrv = nil
	}
	if i.server != nil {
		if err := i.server.Close(); err != nil {
			log.Warn("fault server shutdown: %v", err)
		}
	}
	if i.store != nil {
		return i.store.Unload()
	}
	return nil
}

// resolveFDPath resolves an open fd to the path it was opened from.
func resolveFDPath(fd int) string {
	path, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
	if err != nil {
		return ""
	}
	return path
}
