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
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	logger "github.com/intel/coldstart-bigcache/pkg/log"
)

var log = logger.NewLogger("bigcache")

// Store is a loaded, read-only BigCache container. The backing file is
// memory-mapped; the page index is built once during Load and is
// immutable afterwards, so concurrent lookups need no locking. Hit and
// miss counters are kept with atomics.
//
// A container may be loaded by any number of independent Stores, one
// per intercepting process; they share no mutable state.
type Store struct {
	path   string
	file   *os.File
	data   []byte
	header Header
	index  []PageIndexEntry
	files  []FileEntry
	lookup *pageIndex

	loaded    bool
	preheated bool

	hits        uint64
	misses      uint64
	bytesServed uint64
}

// Load memory-maps the container at path read-only, validates the
// header against the actual file, and builds the runtime page index.
// Magic, version and size mismatches produce a *FormatError.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "bigcache: failed to open container")
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "bigcache: failed to stat container")
	}
	size := st.Size()
	if size < HeaderSize {
		f.Close()
		return nil, formatErrorf(path, "file too small (%d bytes)", size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "bigcache: failed to mmap container")
	}

	s := &Store{path: path, file: f, data: data}
	if err := s.parse(); err != nil {
		s.Unload()
		return nil, err
	}
	s.loaded = true

	log.Info("loaded %s: %d pages, %d files, %.2f MB",
		path, s.header.PageCount, s.header.FileCount,
		float64(s.header.TotalSize)/(1024*1024))
	return s, nil
}

// parse decodes the header, the index and the file table, validates
// the layout invariants, and builds the lookup index in one pass.
func (s *Store) parse() error {
	h := &s.header
	if err := h.UnmarshalBinary(s.path, s.data); err != nil {
		return err
	}
	if h.TotalSize != uint64(len(s.data)) {
		return formatErrorf(s.path, "size mismatch: header says %d, file is %d",
			h.TotalSize, len(s.data))
	}
	if h.DataOffset%PageSize != 0 {
		return formatErrorf(s.path, "data offset %#x is not page-aligned", h.DataOffset)
	}
	if h.TotalSize != h.DataOffset+uint64(h.PageCount)*PageSize {
		return formatErrorf(s.path, "data region size inconsistent with page count %d",
			h.PageCount)
	}
	indexEnd := h.IndexOffset + uint64(h.PageCount)*PageIndexEntrySize
	tableEnd := h.FileTableOffset + uint64(h.FileCount)*FileEntrySize
	if indexEnd > uint64(len(s.data)) || tableEnd > uint64(len(s.data)) {
		return formatErrorf(s.path, "index or file table extends past end of file")
	}

	s.files = make([]FileEntry, h.FileCount)
	for i := range s.files {
		off := h.FileTableOffset + uint64(i)*FileEntrySize
		s.files[i].unmarshal(s.data[off : off+FileEntrySize])
	}

	s.index = make([]PageIndexEntry, h.PageCount)
	s.lookup = newPageIndex(int(h.PageCount), s.files)
	for i := range s.index {
		off := h.IndexOffset + uint64(i)*PageIndexEntrySize
		e := &s.index[i]
		e.unmarshal(s.data[off : off+PageIndexEntrySize])
		if e.FileID >= h.FileCount {
			return formatErrorf(s.path, "page %d references file id %d out of range",
				i, e.FileID)
		}
		if e.SourceOffset%PageSize != 0 {
			return formatErrorf(s.path, "page %d source offset %#x is not page-aligned",
				i, e.SourceOffset)
		}
		s.lookup.insert(e.FileID, e.SourceOffset, h.DataOffset+uint64(i)*PageSize)
	}
	return nil
}

// Unload releases the mapping and the backing file. Idempotent.
func (s *Store) Unload() error {
	var err error
	if s.data != nil {
		err = unix.Munmap(s.data)
		s.data = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
	}
	s.loaded = false
	s.preheated = false
	return err
}

// Loaded tells whether the store currently has a mapped container.
func (s *Store) Loaded() bool {
	return s.loaded
}

// Header returns a copy of the container header.
func (s *Store) Header() Header {
	return s.header
}

// Files returns the decoded file table.
func (s *Store) Files() []FileEntry {
	return s.files
}

// Path returns the container file path.
func (s *Store) Path() string {
	return s.path
}

// FileID resolves a source file path to its file table id.
func (s *Store) FileID(path string) (uint32, bool) {
	if s.lookup == nil {
		return 0, false
	}
	id, ok := s.lookup.fileIDs[path]
	return id, ok
}

// Lookup returns the cached page covering offset in the given source
// file, or (nil, false) on a miss. The offset is page-aligned first;
// the returned slice is exactly one page of the read-only mapping.
func (s *Store) Lookup(path string, offset uint64) ([]byte, bool) {
	abs, ok := s.LookupOffset(path, offset)
	if !ok {
		return nil, false
	}
	atomic.AddUint64(&s.bytesServed, PageSize)
	return s.data[abs : abs+PageSize : abs+PageSize], true
}

// LookupOffset is Lookup for callers that want the absolute byte
// offset of the page inside the container instead of its bytes.
func (s *Store) LookupOffset(path string, offset uint64) (uint64, bool) {
	if !s.loaded {
		return 0, false
	}
	abs, ok := s.lookup.find(path, PageAlign(offset))
	if !ok {
		atomic.AddUint64(&s.misses, 1)
		return 0, false
	}
	atomic.AddUint64(&s.hits, 1)
	return abs, true
}

// LookupByID is Lookup keyed by an already-resolved file table id, for
// callers such as the syscall tracer that track open handles by id.
func (s *Store) LookupByID(fileID uint32, offset uint64) ([]byte, bool) {
	if !s.loaded {
		return nil, false
	}
	abs, ok := s.lookup.findByID(fileID, PageAlign(offset))
	if !ok {
		atomic.AddUint64(&s.misses, 1)
		return nil, false
	}
	atomic.AddUint64(&s.hits, 1)
	atomic.AddUint64(&s.bytesServed, PageSize)
	return s.data[abs : abs+PageSize : abs+PageSize], true
}

// PageData returns the bytes of page i of the data region.
func (s *Store) PageData(i uint32) []byte {
	off := s.header.DataOffset + uint64(i)*PageSize
	return s.data[off : off+PageSize : off+PageSize]
}

// Preheat forces the whole container into the OS page cache: advise
// sequential access, touch every page, then advise random access since
// post-preheat access is driven by fault order, not file order. Locking
// the mapping in memory is attempted but optional.
func (s *Store) Preheat() error {
	if !s.loaded {
		return bigcacheError("preheat: container not loaded")
	}

	if err := unix.Madvise(s.data, unix.MADV_SEQUENTIAL); err != nil {
		log.Warn("madvise(SEQUENTIAL) failed: %v", err)
	}

	var sum byte
	for off := 0; off < len(s.data); off += PageSize {
		sum += s.data[off]
	}
	_ = sum

	if err := unix.Madvise(s.data, unix.MADV_RANDOM); err != nil {
		log.Warn("madvise(RANDOM) failed: %v", err)
	}
	if err := unix.Mlock(s.data); err != nil {
		// Needs CAP_IPC_LOCK or a permissive RLIMIT_MEMLOCK.
		log.Debug("mlock failed: %v", err)
	}

	s.preheated = true
	return nil
}

// PreheatRange touches only the pages whose index position is in
// [startPage, endPage).
func (s *Store) PreheatRange(startPage, endPage uint32) error {
	if !s.loaded {
		return bigcacheError("preheat: container not loaded")
	}
	if startPage >= endPage || endPage > s.header.PageCount {
		return bigcacheError("preheat: invalid page range [%d, %d)", startPage, endPage)
	}
	var sum byte
	for i := startPage; i < endPage; i++ {
		sum += s.PageData(i)[0]
	}
	_ = sum
	return nil
}

// Preheated tells whether Preheat has run since Load.
func (s *Store) Preheated() bool {
	return s.preheated
}

// Verify re-checks the header consistency and recomputes the CRC-32
// of the data region against the stored checksum.
func (s *Store) Verify() error {
	if !s.loaded {
		return bigcacheError("verify: container not loaded")
	}
	// Magic, version, size and alignment were validated during Load.
	sum := crc32.ChecksumIEEE(s.data[s.header.DataOffset:])
	if sum != s.header.Checksum {
		return formatErrorf(s.path, "checksum mismatch: computed 0x%08x, header has 0x%08x",
			sum, s.header.Checksum)
	}
	return nil
}
