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
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// PageSize is the fixed page size of a container file.
	PageSize = 4096
	// PageShift is log2(PageSize).
	PageShift = 12

	// Magic identifies a BigCache container ("BIGC").
	Magic = 0x42494743
	// Version is the container format version this package reads and writes.
	Version = 1

	// MaxPathLen is the fixed size of the path field in a file table entry.
	MaxPathLen = 512

	// HeaderSize is the size of the packed on-disk header.
	HeaderSize = 88
	// PageIndexEntrySize is the size of a packed page index entry.
	PageIndexEntrySize = 20
	// FileEntrySize is the size of a packed file table entry.
	FileEntrySize = 532
)

// Page index entry flags.
const (
	PageFlagExecutable = 1 << 0
	PageFlagReadOnly   = 1 << 1
	PageFlagCritical   = 1 << 2
	PageFlagCompressed = 1 << 3
)

// PageAlign rounds an offset down to the containing page boundary.
func PageAlign(offset uint64) uint64 {
	return offset &^ (PageSize - 1)
}

// PageRoundUp rounds a size up to the next page multiple.
func PageRoundUp(size uint64) uint64 {
	return (size + PageSize - 1) &^ (PageSize - 1)
}

// FormatError describes a container that cannot be used: wrong magic,
// unsupported version, or a header inconsistent with the actual file.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return "bigcache: " + e.Reason
	}
	return fmt.Sprintf("bigcache: %s: %s", e.Path, e.Reason)
}

func formatErrorf(path, format string, args ...interface{}) *FormatError {
	return &FormatError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// bigcacheError returns a formatted package-specific error.
func bigcacheError(format string, args ...interface{}) error {
	return fmt.Errorf("bigcache: "+format, args...)
}

// Header is the fixed container header. All fields are stored packed,
// little-endian, followed by 32 reserved bytes.
type Header struct {
	Magic           uint32
	Version         uint32
	PageCount       uint32
	FileCount       uint32
	DataOffset      uint64
	IndexOffset     uint64
	FileTableOffset uint64
	TotalSize       uint64
	Checksum        uint32
	Flags           uint32
}

// MarshalBinary encodes the header into its HeaderSize-byte on-disk form.
func (h *Header) MarshalBinary() []byte {
	buf := make([]byte, HeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], h.Magic)
	le.PutUint32(buf[4:], h.Version)
	le.PutUint32(buf[8:], h.PageCount)
	le.PutUint32(buf[12:], h.FileCount)
	le.PutUint64(buf[16:], h.DataOffset)
	le.PutUint64(buf[24:], h.IndexOffset)
	le.PutUint64(buf[32:], h.FileTableOffset)
	le.PutUint64(buf[40:], h.TotalSize)
	le.PutUint32(buf[48:], h.Checksum)
	le.PutUint32(buf[52:], h.Flags)
	return buf
}

// UnmarshalBinary decodes and validates a header. Magic and version
// mismatches are FormatErrors; path is used for error context only.
func (h *Header) UnmarshalBinary(path string, buf []byte) error {
	if len(buf) < HeaderSize {
		return formatErrorf(path, "truncated header: %d bytes", len(buf))
	}
	le := binary.LittleEndian
	h.Magic = le.Uint32(buf[0:])
	h.Version = le.Uint32(buf[4:])
	h.PageCount = le.Uint32(buf[8:])
	h.FileCount = le.Uint32(buf[12:])
	h.DataOffset = le.Uint64(buf[16:])
	h.IndexOffset = le.Uint64(buf[24:])
	h.FileTableOffset = le.Uint64(buf[32:])
	h.TotalSize = le.Uint64(buf[40:])
	h.Checksum = le.Uint32(buf[48:])
	h.Flags = le.Uint32(buf[52:])

	if h.Magic != Magic {
		return formatErrorf(path, "invalid magic 0x%08x", h.Magic)
	}
	if h.Version != Version {
		return formatErrorf(path, "unsupported version %d", h.Version)
	}
	return nil
}

// PageIndexEntry describes the source of one page in the data region.
// Page i's content lives at DataOffset + i*PageSize.
type PageIndexEntry struct {
	FileID       uint32
	SourceOffset uint64
	AccessOrder  uint32
	Flags        uint16
}

func (e *PageIndexEntry) marshal(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], e.FileID)
	le.PutUint64(buf[4:], e.SourceOffset)
	le.PutUint32(buf[12:], e.AccessOrder)
	le.PutUint16(buf[16:], e.Flags)
	le.PutUint16(buf[18:], 0)
}

func (e *PageIndexEntry) unmarshal(buf []byte) {
	le := binary.LittleEndian
	e.FileID = le.Uint32(buf[0:])
	e.SourceOffset = le.Uint64(buf[4:])
	e.AccessOrder = le.Uint32(buf[12:])
	e.Flags = le.Uint16(buf[16:])
}

// FileEntry names one source file contributing pages to the container.
type FileEntry struct {
	FileID       uint32
	PageCount    uint32
	OriginalSize uint64
	Path         string
}

func (e *FileEntry) marshal(buf []byte) error {
	if len(e.Path) >= MaxPathLen {
		return bigcacheError("path too long (%d bytes): %q", len(e.Path), e.Path)
	}
	le := binary.LittleEndian
	le.PutUint32(buf[0:], e.FileID)
	le.PutUint32(buf[4:], uint32(len(e.Path)))
	le.PutUint32(buf[8:], e.PageCount)
	le.PutUint64(buf[12:], e.OriginalSize)
	copy(buf[20:20+MaxPathLen], e.Path)
	return nil
}

func (e *FileEntry) unmarshal(buf []byte) {
	le := binary.LittleEndian
	e.FileID = le.Uint32(buf[0:])
	pathLen := le.Uint32(buf[4:])
	e.PageCount = le.Uint32(buf[8:])
	e.OriginalSize = le.Uint64(buf[12:])
	path := buf[20 : 20+MaxPathLen]
	if pathLen > MaxPathLen {
		pathLen = MaxPathLen
	}
	path = path[:pathLen]
	// Tolerate writers that stored the terminating NUL inside path_len.
	if i := bytes.IndexByte(path, 0); i >= 0 {
		path = path[:i]
	}
	e.Path = string(path)
}

// layout is the computed placement of the container sections.
type layout struct {
	indexOffset     uint64
	fileTableOffset uint64
	dataOffset      uint64
	totalSize       uint64
}

// computeLayout places the index right after the header, the file table
// after the index, and the data region at the next page boundary.
func computeLayout(pages, files int) layout {
	var l layout
	l.indexOffset = HeaderSize
	l.fileTableOffset = l.indexOffset + uint64(pages)*PageIndexEntrySize
	metaEnd := l.fileTableOffset + uint64(files)*FileEntrySize
	l.dataOffset = PageRoundUp(metaEnd)
	l.totalSize = l.dataOffset + uint64(pages)*PageSize
	return l
}
