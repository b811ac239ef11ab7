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
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// userfaultfd(2) plumbing: ioctl request numbers and packed argument
// structs from linux/userfaultfd.h. The structs contain only 64-bit
// fields, so the ioctl numbers are identical on amd64 and arm64.
const (
	// UFFD_API handshake version.
	uffdAPIVersion = 0xAA

	// _IOWR(UFFDIO, 0x3f, struct uffdio_api), sizeof = 24
	ioctlAPI = 0xc018aa3f
	// _IOWR(UFFDIO, 0x00, struct uffdio_register), sizeof = 32
	ioctlRegister = 0xc020aa00
	// _IOR(UFFDIO, 0x01, struct uffdio_range), sizeof = 16
	ioctlUnregister = 0x8010aa01
	// _IOWR(UFFDIO, 0x03, struct uffdio_copy), sizeof = 40
	ioctlCopy = 0xc028aa03

	// register the range in report-missing-pages mode
	registerModeMissing = 1 << 0
)

// Event kinds delivered through the fault-notification channel.
const (
	eventPagefault = 0x12
	eventFork      = 0x13
	eventRemap     = 0x14
	eventRemove    = 0x15
	eventUnmap     = 0x16
)

// uffdioAPI matches struct uffdio_api.
type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

// uffdioRange matches struct uffdio_range.
type uffdioRange struct {
	start uint64
	len   uint64
}

// uffdioRegister matches struct uffdio_register.
type uffdioRegister struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

// uffdioCopy matches struct uffdio_copy.
type uffdioCopy struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64 // out: bytes resolved, or negative errno
}

// uffdMsg matches struct uffd_msg (32 bytes). The arg union is decoded
// per event kind.
type uffdMsg struct {
	event     uint8
	reserved1 uint8
	reserved2 uint16
	reserved3 uint32
	arg       [24]byte
}

// Compile-time layout assertions.
var (
	_ [24]byte = [unsafe.Sizeof(uffdioAPI{})]byte{}
	_ [32]byte = [unsafe.Sizeof(uffdioRegister{})]byte{}
	_ [16]byte = [unsafe.Sizeof(uffdioRange{})]byte{}
	_ [40]byte = [unsafe.Sizeof(uffdioCopy{})]byte{}
	_ [32]byte = [unsafe.Sizeof(uffdMsg{})]byte{}
)

// pagefault decodes the pagefault member of the arg union.
func (m *uffdMsg) pagefault() (addr uint64, flags uint64) {
	flags = *(*uint64)(unsafe.Pointer(&m.arg[0]))
	addr = *(*uint64)(unsafe.Pointer(&m.arg[8]))
	return addr, flags
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// newUserfaultFD creates a non-blocking userfaultfd and performs the
// UFFDIO_API handshake with no optional features.
func newUserfaultFD() (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD,
		unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return -1, errors.Wrap(errno, "userfaultfd syscall failed")
	}

	api := uffdioAPI{api: uffdAPIVersion}
	if err := ioctl(int(fd), ioctlAPI, unsafe.Pointer(&api)); err != nil {
		unix.Close(int(fd))
		return -1, errors.Wrap(err, "UFFDIO_API handshake failed")
	}
	return int(fd), nil
}

// Available reports whether the running kernel lets this process
// create a userfaultfd. Typical failure: vm.unprivileged_userfaultfd=0
// without CAP_SYS_PTRACE.
func Available() bool {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD,
		unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return false
	}
	unix.Close(int(fd))
	return true
}

// registerRange registers [addr, addr+size) for missing-page reports.
func registerRange(fd int, addr, size uintptr) error {
	reg := uffdioRegister{
		rng:  uffdioRange{start: uint64(addr), len: uint64(size)},
		mode: registerModeMissing,
	}
	if err := ioctl(fd, ioctlRegister, unsafe.Pointer(&reg)); err != nil {
		return errors.Wrap(err, "UFFDIO_REGISTER failed")
	}
	return nil
}

// unregisterRange removes [addr, addr+size) from fault reporting.
func unregisterRange(fd int, addr, size uintptr) error {
	rng := uffdioRange{start: uint64(addr), len: uint64(size)}
	if err := ioctl(fd, ioctlUnregister, unsafe.Pointer(&rng)); err != nil {
		return errors.Wrap(err, "UFFDIO_UNREGISTER failed")
	}
	return nil
}

// resolveCopy installs one page of src at dst, atomically waking any
// thread blocked on the fault. EEXIST means the kernel raced us and
// the page is already resolved; that is success.
func resolveCopy(fd int, dst uintptr, src []byte) error {
	cp := uffdioCopy{
		dst: uint64(dst),
		src: uint64(uintptr(unsafe.Pointer(&src[0]))),
		len: uint64(len(src)),
	}
	err := ioctl(fd, ioctlCopy, unsafe.Pointer(&cp))
	if err == unix.EEXIST {
		return nil
	}
	return err
}
