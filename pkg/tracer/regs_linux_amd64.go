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

//go:build linux && amd64
// +build linux,amd64

package tracer

import (
	"golang.org/x/sys/unix"
)

// x86-64 syscall numbers of interest.
const (
	sysRead    = 0
	sysClose   = 3
	sysPread64 = 17
	sysOpenat  = 257
)

// decodeRegs extracts the syscall number, arguments, and return value
// from the x86-64 register file. Orig_rax survives into the exit stop;
// Rax carries the return value there.
func decodeRegs(r *unix.PtraceRegs) Regs {
	return Regs{
		Nr:   r.Orig_rax,
		Args: [6]uint64{r.Rdi, r.Rsi, r.Rdx, r.R10, r.R8, r.R9},
		Ret:  r.Rax,
	}
}
