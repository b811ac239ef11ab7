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
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"
)

// packerEntry is one unique page scheduled for packing.
type packerEntry struct {
	fileID      uint32
	offset      uint64 // page-aligned source offset
	accessOrder uint32
}

// packerFile is one source file seen by the packer.
type packerFile struct {
	path         string
	pageCount    uint32
	originalSize uint64
}

// Packer accumulates (file, offset, access order) page requests and
// builds an immutable container from them in a single pass. Duplicate
// requests for the same page are dropped; file ids are assigned in
// first-seen order.
type Packer struct {
	entries []packerEntry
	files   []packerFile
	fileIDs map[string]uint32
	seen    map[pageKey]struct{}

	// running access order for whole-file additions
	nextOrder uint32
}

// BuildResult summarizes a finished Build.
type BuildResult struct {
	Pages      int
	Files      int
	TotalSize  uint64
	Checksum   uint32
	ReadErrors int // pages zero-filled because their source read failed
}

// NewPacker returns an empty packer.
func NewPacker() *Packer {
	return &Packer{
		fileIDs: make(map[string]uint32),
		seen:    make(map[pageKey]struct{}),
	}
}

// PageCount returns the number of unique pages added so far.
func (p *Packer) PageCount() int {
	return len(p.entries)
}

// FileCount returns the number of distinct source files added so far.
func (p *Packer) FileCount() int {
	return len(p.files)
}

// findOrAddFile interns a source path, assigning ids in first-seen
// order. The file size is recorded at first sight; an unreadable file
// is still added, its pages degrade to zero fill at build time.
func (p *Packer) findOrAddFile(path string) uint32 {
	if id, ok := p.fileIDs[path]; ok {
		return id
	}
	id := uint32(len(p.files))
	f := packerFile{path: path}
	if st, err := os.Stat(path); err == nil {
		f.originalSize = uint64(st.Size())
	}
	p.files = append(p.files, f)
	p.fileIDs[path] = id
	return id
}

// AddPage schedules the page of path covering offset. The offset is
// page-aligned first; a second request for the same page is a no-op.
// Returns whether a new page was added.
func (p *Packer) AddPage(path string, offset uint64, accessOrder uint32) bool {
	aligned := PageAlign(offset)
	id := p.findOrAddFile(path)

	key := pageKey{id, aligned}
	if _, dup := p.seen[key]; dup {
		return false
	}
	p.seen[key] = struct{}{}

	p.entries = append(p.entries, packerEntry{
		fileID:      id,
		offset:      aligned,
		accessOrder: accessOrder,
	})
	p.files[id].pageCount++
	if accessOrder >= p.nextOrder {
		p.nextOrder = accessOrder + 1
	}
	return true
}

// AddFile schedules every page of a file, continuing the running
// access order. Returns the number of pages added.
func (p *Packer) AddFile(path string) (int, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(err, "bigcache: cannot stat %q", path)
	}
	added := 0
	for offset := uint64(0); offset < uint64(st.Size()); offset += PageSize {
		if p.AddPage(path, offset, p.nextOrder) {
			added++
		}
	}
	return added, nil
}

// readSourcePage reads one page of path at offset into buf. Open and
// read failures are not fatal: the page is zero-filled, as is the tail
// of a short read at end of file. Returns whether the read degraded,
// which any read of fewer than PageSize bytes does.
func readSourcePage(path string, offset uint64, buf []byte) bool {
	for i := range buf {
		buf[i] = 0
	}
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		for i := range buf {
			buf[i] = 0
		}
		return true
	}
	return n < PageSize
}

// Build writes the container to outputPath in one pass: header, page
// index, file table, then one page of real data per entry. Pages whose
// source cannot be read are zero-filled and counted, never fatal. The
// CRC-32 of the data region is accumulated while writing and stored
// into the header afterwards.
func (p *Packer) Build(outputPath string) (*BuildResult, error) {
	if len(p.entries) == 0 {
		return nil, bigcacheError("build: no pages added")
	}

	l := computeLayout(len(p.entries), len(p.files))
	header := Header{
		Magic:           Magic,
		Version:         Version,
		PageCount:       uint32(len(p.entries)),
		FileCount:       uint32(len(p.files)),
		DataOffset:      l.dataOffset,
		IndexOffset:     l.indexOffset,
		FileTableOffset: l.fileTableOffset,
		TotalSize:       l.totalSize,
	}

	out, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "bigcache: failed to create container")
	}

	result, err := p.build(out, &header, l)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "bigcache: failed to close container")
	}
	if err != nil {
		os.Remove(outputPath)
		return nil, err
	}

	log.Info("built %s: %d pages, %d files, %.2f MB, %d read errors",
		outputPath, result.Pages, result.Files,
		float64(result.TotalSize)/(1024*1024), result.ReadErrors)
	return result, nil
}

func (p *Packer) build(out *os.File, header *Header, l layout) (*BuildResult, error) {
	if err := out.Truncate(int64(l.totalSize)); err != nil {
		return nil, errors.Wrap(err, "bigcache: failed to preallocate container")
	}

	var buf [PageIndexEntrySize]byte
	for i, e := range p.entries {
		idx := PageIndexEntry{
			FileID:       e.fileID,
			SourceOffset: e.offset,
			AccessOrder:  e.accessOrder,
		}
		idx.marshal(buf[:])
		off := int64(l.indexOffset) + int64(i)*PageIndexEntrySize
		if _, err := out.WriteAt(buf[:], off); err != nil {
			return nil, errors.Wrapf(err, "bigcache: failed to write index entry %d", i)
		}
	}

	fbuf := make([]byte, FileEntrySize)
	for i, f := range p.files {
		entry := FileEntry{
			FileID:       uint32(i),
			PageCount:    f.pageCount,
			OriginalSize: f.originalSize,
			Path:         f.path,
		}
		for j := range fbuf {
			fbuf[j] = 0
		}
		if err := entry.marshal(fbuf); err != nil {
			return nil, err
		}
		off := int64(l.fileTableOffset) + int64(i)*FileEntrySize
		if _, err := out.WriteAt(fbuf, off); err != nil {
			return nil, errors.Wrapf(err, "bigcache: failed to write file entry %d", i)
		}
	}

	readErrors := 0
	crc := uint32(0)
	page := make([]byte, PageSize)
	for i, e := range p.entries {
		if readSourcePage(p.files[e.fileID].path, e.offset, page) {
			readErrors++
		}
		crc = crc32.Update(crc, crc32.IEEETable, page)
		off := int64(l.dataOffset) + int64(i)*PageSize
		if _, err := out.WriteAt(page, off); err != nil {
			return nil, errors.Wrapf(err, "bigcache: failed to write page %d", i)
		}
	}

	header.Checksum = crc
	if _, err := out.WriteAt(header.MarshalBinary(), 0); err != nil {
		return nil, errors.Wrap(err, "bigcache: failed to write header")
	}
	if err := out.Sync(); err != nil {
		return nil, errors.Wrap(err, "bigcache: failed to sync container")
	}

	if readErrors > 0 {
		log.Warn("%d pages could not be read and were zero-filled", readErrors)
	}
	return &BuildResult{
		Pages:      len(p.entries),
		Files:      len(p.files),
		TotalSize:  l.totalSize,
		Checksum:   crc,
		ReadErrors: readErrors,
	}, nil
}
