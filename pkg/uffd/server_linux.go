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
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/intel/coldstart-bigcache/pkg/bigcache"
	logger "github.com/intel/coldstart-bigcache/pkg/log"
)

// State is the lifecycle state of a Server.
type State int32

const (
	// StateCreated: fault channel open, nothing configured yet.
	StateCreated State = iota
	// StateConfigured: SetConfig has been applied.
	StateConfigured
	// StateRunning: the worker loop is serving faults.
	StateRunning
	// StateStopped: the worker loop has exited.
	StateStopped
)

// Stats are the fault-handling counters of a Server. They are mutated
// only on the fault-handling path, under a lock separate from the
// region lock so stats never extend the region critical section.
type Stats struct {
	TotalFaults uint64
	CacheHits   uint64
	CacheMisses uint64
	ZeroFills   uint64
	CopyErrors  uint64

	TotalHandleTime time.Duration
	MaxHandleTime   time.Duration
}

// AvgHandleTime returns the mean fault-handling time.
func (s Stats) AvgHandleTime() time.Duration {
	if s.TotalFaults == 0 {
		return 0
	}
	return s.TotalHandleTime / time.Duration(s.TotalFaults)
}

// HitRate returns the fraction of faults served from the cache.
func (s Stats) HitRate() float64 {
	if s.TotalFaults == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(s.TotalFaults)
}

func uffdError(format string, args ...interface{}) error {
	return fmt.Errorf("uffd: "+format, args...)
}

// Server owns a userfaultfd and the anonymous memory regions
// registered on it, and serves their missing-page faults from a
// bigcache.Store on a single dedicated worker goroutine. Any thread of
// the process that touches an unresolved page in a registered region
// is suspended by the kernel until the worker resolves that page.
type Server struct {
	store *bigcache.Store
	log   logger.Logger

	fd        int
	shutdownR int
	shutdownW int
	zeroPage  []byte

	cfgMu sync.Mutex
	cfg   Config

	// regionMu covers arena mutation and fault-time lookup.
	regionMu sync.Mutex
	arena    regionArena

	statsMu sync.Mutex
	stats   Stats

	stateMu sync.Mutex
	state   State
	done    chan struct{}
}

// New creates a Server in StateCreated: userfaultfd opened and
// API-handshaken, shutdown pipe and zero page allocated, empty region
// registry, default configuration.
func New(store *bigcache.Store) (*Server, error) {
	if store == nil || !store.Loaded() {
		return nil, uffdError("a loaded cache store is required")
	}

	fd, err := newUserfaultFD()
	if err != nil {
		return nil, err
	}

	var pipefds [2]int
	if err := unix.Pipe2(pipefds[:], unix.O_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, uffdError("failed to create shutdown pipe: %v", err)
	}

	// The zero page lives in its own mapping so its address is stable
	// for the lifetime of the server.
	zero, err := unix.Mmap(-1, 0, bigcache.PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		unix.Close(fd)
		unix.Close(pipefds[0])
		unix.Close(pipefds[1])
		return nil, uffdError("failed to allocate zero page: %v", err)
	}

	s := &Server{
		store:     store,
		log:       logger.NewLogger("uffd"),
		fd:        fd,
		shutdownR: pipefds[0],
		shutdownW: pipefds[1],
		zeroPage:  zero,
		cfg:       DefaultConfig(),
		state:     StateCreated,
	}
	s.log.Info("fault server created (uffd fd %d)", fd)
	return s, nil
}

// SetConfig applies a fault-serving configuration. Allowed in any
// state; the worker picks it up on the next fault.
func (s *Server) SetConfig(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()

	logger.SetLevel(logger.LevelFromVerbosity(cfg.LogLevel))

	s.stateMu.Lock()
	if s.state == StateCreated {
		s.state = StateConfigured
	}
	s.stateMu.Unlock()
}

// Config returns the current configuration.
func (s *Server) Config() Config {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Running reports whether the worker loop is serving faults.
func (s *Server) Running() bool {
	return s.State() == StateRunning
}

// Start spawns the single worker goroutine running the fault loop.
// Idempotent.
func (s *Server) Start() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.state == StateRunning {
		s.log.Warn("fault server already running")
		return nil
	}
	if s.fd < 0 {
		return uffdError("fault server is closed")
	}

	s.done = make(chan struct{})
	go s.worker(s.done)
	s.state = StateRunning
	s.log.Info("fault server started")
	return nil
}

// Stop signals the worker loop through the shutdown pipe and joins it.
// The worker is never killed; cancellation is cooperative only.
// Idempotent.
func (s *Server) Stop() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.state != StateRunning {
		return nil
	}

	var b [1]byte
	if _, err := unix.Write(s.shutdownW, b[:]); err != nil {
		return uffdError("failed to signal shutdown: %v", err)
	}
	<-s.done
	s.state = StateStopped
	s.log.Info("fault server stopped")
	return nil
}

// Close stops the server, unregisters all remaining regions, and
// releases the fault channel, pipe, and zero page. The Server is
// unusable afterwards.
func (s *Server) Close() error {
	var errs *multierror.Error

	errs = multierror.Append(errs, s.Stop())

	s.regionMu.Lock()
	for _, r := range s.arena.regions {
		if err := unregisterRange(s.fd, r.Base, r.Size); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.arena.regions = nil
	s.regionMu.Unlock()

	if s.fd >= 0 {
		errs = multierror.Append(errs, unix.Close(s.fd))
		s.fd = -1
	}
	if s.shutdownR >= 0 {
		unix.Close(s.shutdownR)
		unix.Close(s.shutdownW)
		s.shutdownR, s.shutdownW = -1, -1
	}
	if s.zeroPage != nil {
		errs = multierror.Append(errs, unix.Munmap(s.zeroPage))
		s.zeroPage = nil
	}
	return errs.ErrorOrNil()
}

// RegisterRegion registers [addr, addr+size) for missing-page faults
// served from path at fileOffsetBase. addr must be page-aligned; size
// is rounded up to a page multiple. On failure nothing is registered
// and the caller must fall back to a direct file mapping.
func (s *Server) RegisterRegion(addr, size uintptr, path string, fileOffsetBase uint64) error {
	if addr == 0 || size == 0 || path == "" {
		return uffdError("invalid region registration")
	}
	if addr%bigcache.PageSize != 0 {
		return uffdError("region base %#x is not page-aligned", addr)
	}
	if size%bigcache.PageSize != 0 {
		size = uintptr(bigcache.PageRoundUp(uint64(size)))
	}

	if err := registerRange(s.fd, addr, size); err != nil {
		return err
	}

	s.regionMu.Lock()
	s.arena.add(&Region{
		Base:           addr,
		Size:           size,
		Path:           path,
		FileOffsetBase: fileOffsetBase,
	})
	n := s.arena.len()
	s.regionMu.Unlock()

	s.log.Debug("registered region base=%#x size=%d file=%s offset=%d (%d live)",
		addr, size, path, fileOffsetBase, n)
	return nil
}

// UnregisterRegion removes the region based at addr from fault
// reporting and from the registry.
func (s *Server) UnregisterRegion(addr uintptr) error {
	s.regionMu.Lock()
	r := s.arena.remove(addr)
	s.regionMu.Unlock()

	if r == nil {
		return uffdError("no region registered at %#x", addr)
	}
	if err := unregisterRange(s.fd, r.Base, r.Size); err != nil {
		s.log.Warn("unregister of region %#x: %v", addr, err)
	}
	s.log.Debug("unregistered region base=%#x", addr)
	return nil
}

// CreateMapping allocates an anonymous region of size bytes, backed on
// fault by the cached pages of path starting at fileOffsetBase, and
// registers it. The mapping is internally writable so fault resolution
// can install content regardless of the requested protection. On
// registration failure the mapping is released; no partial state is
// left behind.
func (s *Server) CreateMapping(size uintptr, path string, fileOffsetBase uint64, prot int) ([]byte, error) {
	if size == 0 || path == "" {
		return nil, uffdError("invalid mapping request")
	}
	size = uintptr(bigcache.PageRoundUp(uint64(size)))

	mem, err := unix.Mmap(-1, 0, int(size), prot|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, uffdError("anonymous mmap of %d bytes failed: %v", size, err)
	}

	addr := uintptr(unsafe.Pointer(&mem[0]))
	if err := s.RegisterRegion(addr, size, path, fileOffsetBase); err != nil {
		unix.Munmap(mem)
		return nil, err
	}

	s.regionMu.Lock()
	if r := s.arena.find(addr); r != nil {
		r.Prot = prot
	}
	s.regionMu.Unlock()
	return mem, nil
}

// DestroyMapping unregisters and unmaps a region created with
// CreateMapping.
func (s *Server) DestroyMapping(mem []byte) error {
	if len(mem) == 0 {
		return uffdError("invalid mapping")
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))
	if err := s.UnregisterRegion(addr); err != nil {
		s.log.Warn("destroy mapping: %v", err)
	}
	return unix.Munmap(mem)
}

// Regions returns a snapshot of the registered regions.
func (s *Server) Regions() []Region {
	s.regionMu.Lock()
	defer s.regionMu.Unlock()
	out := make([]Region, 0, s.arena.len())
	for _, r := range s.arena.regions {
		out = append(out, *r)
	}
	return out
}

// Stats returns a snapshot of the fault counters.
func (s *Server) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// ResetStats zeroes the fault counters.
func (s *Server) ResetStats() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats = Stats{}
}

// worker is the event loop: block on the fault channel and the
// shutdown pipe, with a bounded timeout used only for liveness.
func (s *Server) worker(done chan struct{}) {
	defer close(done)
	s.log.Debug("worker loop started")

	fds := []unix.PollFd{
		{Fd: int32(s.fd), Events: unix.POLLIN},
		{Fd: int32(s.shutdownR), Events: unix.POLLIN},
	}

	for {
		n, err := unix.Poll(fds, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			s.log.Error("poll failed: %v", err)
			return
		}
		if n == 0 {
			continue
		}

		if fds[1].Revents != 0 {
			var b [1]byte
			unix.Read(s.shutdownR, b[:])
			s.log.Debug("shutdown signal received")
			return
		}

		// POLLERR or POLLHUP on the fault channel means the fd is
		// gone; looping on it would spin without ever blocking.
		if bad := fds[0].Revents & (unix.POLLERR | unix.POLLHUP | unix.POLLNVAL); bad != 0 {
			s.log.Error("fault channel unusable (revents 0x%x), stopping worker", bad)
			return
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			var msg uffdMsg
			buf := (*[unsafe.Sizeof(uffdMsg{})]byte)(unsafe.Pointer(&msg))[:]
			n, err := unix.Read(s.fd, buf)
			if err != nil {
				if err == unix.EAGAIN {
					continue
				}
				s.log.Error("read of fault channel failed: %v", err)
				return
			}
			if n != len(buf) {
				s.log.Error("short fault message: %d bytes", n)
				continue
			}
			s.dispatch(&msg)
		}
	}
}

// dispatch routes one fault-channel event. Only pagefaults are acted
// upon; fork/remap/remove/unmap are observed and logged.
func (s *Server) dispatch(msg *uffdMsg) {
	switch msg.event {
	case eventPagefault:
		addr, flags := msg.pagefault()
		if err := s.handleFault(uintptr(addr), flags); err != nil {
			s.log.Error("fault at %#x not resolved: %v", addr, err)
		}
	case eventFork:
		s.log.Debug("fork event on registered mapping")
	case eventRemap:
		s.log.Debug("remap event on registered mapping")
	case eventRemove:
		s.log.Debug("remove (madvise) event on registered mapping")
	case eventUnmap:
		s.log.Debug("unmap event on registered mapping")
	default:
		s.log.Warn("unknown fault channel event %#x", msg.event)
	}
}

// handleFault resolves a single reported fault: align the address,
// find the owning region, map it to a source-file offset, and install
// either the cached page or, on miss with zero fill enabled, the zero
// page. Runs on the worker goroutine only; shared state is the region
// registry and the stats, each under its own lock.
func (s *Server) handleFault(faultAddr uintptr, flags uint64) error {
	cfg := s.Config()

	var start time.Time
	if cfg.CollectStats {
		start = time.Now()
	}

	pageAddr := uintptr(bigcache.PageAlign(uint64(faultAddr)))
	s.log.Debug("pagefault at %#x (page %#x, flags %#x)", faultAddr, pageAddr, flags)

	s.regionMu.Lock()
	region := s.arena.find(pageAddr)
	s.regionMu.Unlock()
	if region == nil {
		return uffdError("no region registered for address %#x", pageAddr)
	}

	fileOffset := region.FileOffset(pageAddr)
	page, hit := s.store.Lookup(region.Path, fileOffset)

	var src []byte
	var outcome func(*Stats)
	switch {
	case hit:
		src = page
		outcome = func(st *Stats) { st.CacheHits++ }
	case cfg.ZeroFillOnMiss:
		src = s.zeroPage
		outcome = func(st *Stats) { st.ZeroFills++ }
		s.log.Debug("miss for %s@%d, zero-filling %#x", region.Path, fileOffset, pageAddr)
	default:
		s.count(cfg, start, func(st *Stats) { st.CacheMisses++ })
		return uffdError("no cached data for %s@%d", region.Path, fileOffset)
	}

	if err := resolveCopy(s.fd, pageAddr, src); err != nil {
		// No retry policy is defined for a rejected install; if zero
		// fill is on and we were installing real data, fall back once
		// so the faulting thread is not left blocked forever.
		if hit && cfg.ZeroFillOnMiss {
			if zerr := resolveCopy(s.fd, pageAddr, s.zeroPage); zerr == nil {
				s.log.Error("install of cached page at %#x failed (%v), zero-filled instead", pageAddr, err)
				s.count(cfg, start, func(st *Stats) { st.CopyErrors++; st.ZeroFills++ })
				return nil
			}
		}
		s.count(cfg, start, func(st *Stats) { st.CopyErrors++ })
		return uffdError("page install at %#x failed: %v", pageAddr, err)
	}

	if hit && cfg.PrefetchAhead > 0 {
		s.prefetch(region, pageAddr, cfg.PrefetchAhead)
	}

	s.count(cfg, start, outcome)
	return nil
}

// prefetch eagerly resolves up to n cached pages following addr inside
// the region. Pages already resolved or not cached are skipped; a
// racing natural fault is benign (EEXIST is success).
func (s *Server) prefetch(region *Region, addr uintptr, n int) {
	for i := 1; i <= n; i++ {
		next := addr + uintptr(i)*bigcache.PageSize
		if !region.Contains(next) {
			return
		}
		page, ok := s.store.Lookup(region.Path, region.FileOffset(next))
		if !ok {
			return
		}
		if err := resolveCopy(s.fd, next, page); err != nil {
			s.log.Debug("prefetch at %#x stopped: %v", next, err)
			return
		}
	}
}

// count updates the fault counters under the stats lock.
func (s *Server) count(cfg Config, start time.Time, outcome func(*Stats)) {
	if !cfg.CollectStats {
		return
	}
	elapsed := time.Since(start)

	s.statsMu.Lock()
	s.stats.TotalFaults++
	outcome(&s.stats)
	s.stats.TotalHandleTime += elapsed
	if elapsed > s.stats.MaxHandleTime {
		s.stats.MaxHandleTime = elapsed
	}
	s.statsMu.Unlock()
}
