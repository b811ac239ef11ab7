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
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDecodeRegs(t *testing.T) {
	pr := unix.PtraceRegs{
		Orig_rax: sysPread64,
		Rdi:      3,
		Rsi:      0x7ffc0000,
		Rdx:      4096,
		R10:      8192,
		R8:       50,
		R9:       60,
		Rax:      4096,
	}

	regs := decodeRegs(&pr)
	require.Equal(t, uint64(sysPread64), regs.Nr)
	require.Equal(t, [6]uint64{3, 0x7ffc0000, 4096, 8192, 50, 60}, regs.Args)
	require.Equal(t, uint64(4096), regs.Ret)
}
