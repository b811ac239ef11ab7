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
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDecodeRegs(t *testing.T) {
	var pr unix.PtraceRegs
	pr.Regs[8] = sysPread64
	pr.Regs[0] = 3
	pr.Regs[1] = 0x7ffc0000
	pr.Regs[2] = 4096
	pr.Regs[3] = 8192
	pr.Regs[4] = 50
	pr.Regs[5] = 60

	regs := decodeRegs(&pr)
	require.Equal(t, uint64(sysPread64), regs.Nr)
	require.Equal(t, [6]uint64{3, 0x7ffc0000, 4096, 8192, 50, 60}, regs.Args)
	// x0 carries the first argument at entry and the return value at exit.
	require.Equal(t, uint64(3), regs.Ret)
}
