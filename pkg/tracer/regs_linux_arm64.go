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

//go:build linux && arm64
// +build linux,arm64

package tracer

import (
	"golang.org/x/sys/unix"
)

// AArch64 syscall numbers of interest.
const (
	sysOpenat  = 56
	sysClose   = 57
	sysRead    = 63
	sysPread64 = 67
)

// decodeRegs extracts the syscall number, arguments, and return value
// from the AArch64 register file. The number lives in x8; x0 holds the
// first argument at entry and the return value at exit.
func decodeRegs(r *unix.PtraceRegs) Regs {
	return Regs{
		Nr:   r.Regs[8],
		Args: [6]uint64{r.Regs[0], r.Regs[1], r.Regs[2], r.Regs[3], r.Regs[4], r.Regs[5]},
		Ret:  r.Regs[0],
	}
}
