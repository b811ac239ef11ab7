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

// Package tracer serves a traced process's positional reads of packed
// files from a bigcache container. It ptrace-follows the target's
// syscalls, learns which descriptors refer to cached files from openat
// results, and after each pread64 of such a descriptor overwrites the
// target's buffer with the cached bytes. Control flow and syscall
// return values are never modified; the target merely observes cached
// content instead of disk content.
package tracer

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/intel/coldstart-bigcache/pkg/bigcache"
	logger "github.com/intel/coldstart-bigcache/pkg/log"
)

// Regs is the arch-neutral view of the traced thread's syscall state.
type Regs struct {
	Nr   uint64
	Args [6]uint64
	Ret  uint64
}

// fdState is what the tracer knows about one open descriptor of the
// target.
type fdState struct {
	path    string
	fileID  uint32
	tracked bool
}

// Stats are the interception counters of a Tracer.
type Stats struct {
	TrackedOpens     uint64
	InterceptedReads uint64
	BypassedReads    uint64
	BytesServed      uint64
	InterceptTime    time.Duration
}

func tracerError(format string, args ...interface{}) error {
	return fmt.Errorf("tracer: "+format, args...)
}

// Tracer follows one process. All ptrace operations must come from the
// thread that attached, so the constructor locks the calling goroutine
// to its OS thread and Run must be called from that same goroutine.
type Tracer struct {
	store *bigcache.Store
	log   logger.Logger

	pid      int
	cmd      *exec.Cmd
	attached bool

	fds       map[int]*fdState
	inSyscall bool
	pending   Regs
	haveEntry bool

	stats Stats
}

// TraceCommand starts name with args under ptrace and returns a Tracer
// holding it stopped at its first instruction. The child inherits our
// stdio.
func TraceCommand(store *bigcache.Store, name string, args ...string) (*Tracer, error) {
	if store == nil || !store.Loaded() {
		return nil, tracerError("a loaded cache store is required")
	}
	runtime.LockOSThread()

	cmd := exec.Command(name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		runtime.UnlockOSThread()
		return nil, errors.Wrapf(err, "tracer: failed to start %s", name)
	}

	t := newTracer(store, cmd.Process.Pid)
	t.cmd = cmd

	// The child is stopped at its exec; reap that stop before taking
	// control of its syscalls.
	var ws unix.WaitStatus
	if _, err := unix.Wait4(t.pid, &ws, 0, nil); err != nil {
		cmd.Process.Kill()
		runtime.UnlockOSThread()
		return nil, errors.Wrap(err, "tracer: wait for initial stop failed")
	}
	if err := t.setOptions(); err != nil {
		cmd.Process.Kill()
		runtime.UnlockOSThread()
		return nil, err
	}

	t.log.Info("tracing command %s (pid %d)", name, t.pid)
	return t, nil
}

// TracePid attaches to a running process.
func TracePid(store *bigcache.Store, pid int) (*Tracer, error) {
	if store == nil || !store.Loaded() {
		return nil, tracerError("a loaded cache store is required")
	}
	runtime.LockOSThread()

	if err := unix.PtraceAttach(pid); err != nil {
		runtime.UnlockOSThread()
		return nil, errors.Wrapf(err, "tracer: failed to attach to pid %d", pid)
	}

	t := newTracer(store, pid)
	t.attached = true

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		unix.PtraceDetach(pid)
		runtime.UnlockOSThread()
		return nil, errors.Wrap(err, "tracer: wait for attach stop failed")
	}
	if err := t.setOptions(); err != nil {
		unix.PtraceDetach(pid)
		runtime.UnlockOSThread()
		return nil, err
	}

	t.log.Info("attached to pid %d", pid)
	return t, nil
}

func newTracer(store *bigcache.Store, pid int) *Tracer {
	return &Tracer{
		store: store,
		log:   logger.NewLogger("tracer"),
		pid:   pid,
		fds:   make(map[int]*fdState),
	}
}

// setOptions marks syscall stops with bit 7 of SIGTRAP so they cannot
// be confused with a real SIGTRAP from the target.
func (t *Tracer) setOptions() error {
	if err := unix.PtraceSetOptions(t.pid, unix.PTRACE_O_TRACESYSGOOD); err != nil {
		return errors.Wrap(err, "tracer: PTRACE_SETOPTIONS failed")
	}
	return nil
}

// Run drives the target until it exits (command mode) or until Detach
// is called from a syscall stop. Must run on the constructing
// goroutine.
func (t *Tracer) Run() error {
	sig := 0
	for {
		if err := unix.PtraceSyscall(t.pid, sig); err != nil {
			return errors.Wrap(err, "tracer: PTRACE_SYSCALL failed")
		}
		sig = 0

		var ws unix.WaitStatus
		if _, err := unix.Wait4(t.pid, &ws, 0, nil); err != nil {
			return errors.Wrap(err, "tracer: wait failed")
		}

		switch {
		case ws.Exited():
			t.log.Info("target exited with status %d", ws.ExitStatus())
			t.finish()
			return nil
		case ws.Signaled():
			t.log.Info("target killed by signal %s", ws.Signal())
			t.finish()
			return nil
		case ws.Stopped():
			stopSig := ws.StopSignal()
			if stopSig == unix.SIGTRAP|0x80 {
				t.syscallStop()
			} else if stopSig != unix.SIGTRAP {
				// A real signal for the target; deliver it unchanged.
				sig = int(stopSig)
			}
		}
	}
}

// finish releases the OS thread and reaps the child in command mode.
func (t *Tracer) finish() {
	if t.cmd != nil {
		t.cmd.Wait()
		t.cmd = nil
	}
	runtime.UnlockOSThread()
}

// Detach stops tracing an attached process, leaving it running.
func (t *Tracer) Detach() error {
	if !t.attached {
		return tracerError("not attached")
	}
	err := unix.PtraceDetach(t.pid)
	t.attached = false
	runtime.UnlockOSThread()
	return err
}

// Stats returns a snapshot of the interception counters.
func (t *Tracer) Stats() Stats {
	return t.stats
}

// syscallStop toggles between entry and exit stops. Arguments are
// captured at entry; argument registers are not reliable at exit.
func (t *Tracer) syscallStop() {
	regs, err := t.getRegs()
	if err != nil {
		t.log.Error("failed to read registers: %v", err)
		t.inSyscall = !t.inSyscall
		return
	}

	if !t.inSyscall {
		t.inSyscall = true
		t.pending = regs
		t.haveEntry = true
		return
	}

	t.inSyscall = false
	if t.haveEntry {
		t.syscallExit(t.pending, int64(regs.Ret))
		t.haveEntry = false
	}
}

// syscallExit acts on a completed syscall using the entry-captured
// arguments and the exit return value.
func (t *Tracer) syscallExit(entry Regs, ret int64) {
	switch entry.Nr {
	case sysOpenat:
		if ret >= 0 {
			t.trackOpen(int(ret))
		}
	case sysClose:
		delete(t.fds, int(entry.Args[0]))
	case sysPread64:
		t.servePread(entry, ret)
	case sysRead:
		// Sequential reads carry no stable file offset; count them so
		// a workload bypassing pread64 is visible in the stats.
		if st := t.fds[int(entry.Args[0])]; st != nil && st.tracked {
			t.stats.BypassedReads++
		}
	}
}

// trackOpen resolves a fresh descriptor to its path and remembers
// whether that path is packed in the cache.
func (t *Tracer) trackOpen(fd int) {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/fd/%d", t.pid, fd))
	if err != nil {
		return
	}

	fileID, tracked := t.matchTracked(path)
	t.fds[fd] = &fdState{path: path, fileID: fileID, tracked: tracked}
	if tracked {
		t.stats.TrackedOpens++
		t.log.Debug("tracking fd %d -> %s (file id %d)", fd, path, fileID)
	}
}

// matchTracked maps a path the target opened to a packed file. Exact
// match first; the cache may record paths from a different mount
// namespace, so fall back to containment and basename comparison.
func (t *Tracer) matchTracked(path string) (uint32, bool) {
	if id, ok := t.store.FileID(path); ok {
		return id, true
	}
	for _, entry := range t.store.Files() {
		if strings.Contains(path, entry.Path) ||
			strings.HasSuffix(path, "/"+filepath.Base(entry.Path)) {
			return entry.FileID, true
		}
	}
	return 0, false
}

// servePread overwrites the result of a successful pread64 of a
// tracked descriptor with the cached bytes for that offset. The write
// is clipped to one page, to the caller's buffer, and to what the
// kernel actually read; the return value is left alone.
func (t *Tracer) servePread(entry Regs, ret int64) {
	if ret <= 0 {
		return
	}
	fd := int(entry.Args[0])
	st := t.fds[fd]
	if st == nil || !st.tracked {
		return
	}

	buf := uintptr(entry.Args[1])
	count := entry.Args[2]
	offset := entry.Args[3]

	start := time.Now()

	page, ok := t.store.LookupByID(st.fileID, bigcache.PageAlign(offset))
	if !ok {
		t.stats.BypassedReads++
		return
	}

	pageOff := offset % bigcache.PageSize
	n := uint64(bigcache.PageSize) - pageOff
	if count < n {
		n = count
	}
	if uint64(ret) < n {
		n = uint64(ret)
	}

	wrote, err := t.writeMem(buf, page[pageOff:pageOff+n])
	if err != nil {
		t.log.Error("failed to write %d bytes into pid %d: %v", n, t.pid, err)
		return
	}

	t.stats.InterceptedReads++
	t.stats.BytesServed += uint64(wrote)
	t.stats.InterceptTime += time.Since(start)
	t.log.Debug("served pread64 fd=%d offset=%d count=%d from cache (%d bytes)",
		fd, offset, count, wrote)
}

// ntPrstatus is the NT_PRSTATUS ELF note type selecting the
// general-purpose register set for PTRACE_GETREGSET.
const ntPrstatus = 1

// getRegs reads the register file via PTRACE_GETREGSET, the only regs
// interface AArch64 kernels provide.
func (t *Tracer) getRegs() (Regs, error) {
	var pr unix.PtraceRegs
	iov := unix.Iovec{
		Base: (*byte)(unsafe.Pointer(&pr)),
		Len:  uint64(unsafe.Sizeof(pr)),
	}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET,
		uintptr(t.pid), ntPrstatus,
		uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return Regs{}, errors.Wrap(errno, "PTRACE_GETREGSET failed")
	}
	return decodeRegs(&pr), nil
}

// writeMem copies data into the target's address space without
// stopping it again.
func (t *Tracer) writeMem(addr uintptr, data []byte) (int, error) {
	local := []unix.Iovec{{
		Base: &data[0],
		Len:  uint64(len(data)),
	}}
	remote := []unix.RemoteIovec{{
		Base: addr,
		Len:  len(data),
	}}
	n, err := unix.ProcessVMWritev(t.pid, local, remote, 0)
	if err != nil {
		return 0, errors.Wrap(err, "process_vm_writev failed")
	}
	return n, nil
}
