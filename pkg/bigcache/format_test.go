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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Magic:           Magic,
		Version:         Version,
		PageCount:       1234,
		FileCount:       7,
		DataOffset:      8192,
		IndexOffset:     HeaderSize,
		FileTableOffset: 4096,
		TotalSize:       8192 + 1234*PageSize,
		Checksum:        0xdeadbeef,
		Flags:           3,
	}

	buf := h.MarshalBinary()
	require.Len(t, buf, HeaderSize)

	var got Header
	require.NoError(t, got.UnmarshalBinary("test", buf))
	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatalf("header round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestHeaderRejectsBadMagicAndVersion(t *testing.T) {
	h := Header{Magic: Magic, Version: Version}

	bad := h
	bad.Magic = 0x12345678
	var got Header
	err := got.UnmarshalBinary("test", bad.MarshalBinary())
	require.Error(t, err)
	require.IsType(t, &FormatError{}, err)

	bad = h
	bad.Version = Version + 1
	err = got.UnmarshalBinary("test", bad.MarshalBinary())
	require.Error(t, err)
	require.IsType(t, &FormatError{}, err)

	err = got.UnmarshalBinary("test", make([]byte, HeaderSize-1))
	require.Error(t, err)
}

func TestPageIndexEntryRoundTrip(t *testing.T) {
	e := PageIndexEntry{
		FileID:       42,
		SourceOffset: 16 * PageSize,
		AccessOrder:  99,
		Flags:        PageFlagExecutable | PageFlagReadOnly,
	}

	buf := make([]byte, PageIndexEntrySize)
	e.marshal(buf)

	var got PageIndexEntry
	got.unmarshal(buf)
	require.Equal(t, e, got)
}

func TestFileEntryRoundTrip(t *testing.T) {
	e := FileEntry{
		FileID:       3,
		PageCount:    17,
		OriginalSize: 68000,
		Path:         "/system/framework/framework.jar",
	}

	buf := make([]byte, FileEntrySize)
	require.NoError(t, e.marshal(buf))

	var got FileEntry
	got.unmarshal(buf)
	require.Equal(t, e, got)

	long := FileEntry{Path: string(make([]byte, MaxPathLen))}
	require.Error(t, long.marshal(buf))
}

func TestPageAlignment(t *testing.T) {
	require.Equal(t, uint64(0), PageAlign(123))
	require.Equal(t, uint64(PageSize), PageAlign(PageSize+1))
	require.Equal(t, uint64(PageSize), PageRoundUp(1))
	require.Equal(t, uint64(PageSize), PageRoundUp(PageSize))
	require.Equal(t, uint64(0), PageRoundUp(0))
}

func TestComputeLayoutAlignment(t *testing.T) {
	l := computeLayout(6, 3)
	require.Equal(t, uint64(HeaderSize), l.indexOffset)
	require.Equal(t, l.indexOffset+6*PageIndexEntrySize, l.fileTableOffset)
	require.Equal(t, uint64(0), l.dataOffset%PageSize,
		"data region must start page-aligned")
	require.Equal(t, l.dataOffset+6*PageSize, l.totalSize)
	require.GreaterOrEqual(t, l.dataOffset, l.fileTableOffset+3*FileEntrySize)
}
