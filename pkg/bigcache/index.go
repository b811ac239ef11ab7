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

// pageKey identifies a unique page: the interned source file id plus
// the page-aligned offset within that file.
type pageKey struct {
	fileID uint32
	offset uint64
}

// pageIndex maps (source path, page-aligned offset) to the absolute
// byte offset of the page inside the container. It is populated once
// while parsing the container and never mutated afterwards, so reads
// are safe without locking. Paths are interned through fileIDs, which
// also gives lookups an exact path match before the page probe.
type pageIndex struct {
	fileIDs map[string]uint32
	pages   map[pageKey]uint64
}

func newPageIndex(pages int, files []FileEntry) *pageIndex {
	ix := &pageIndex{
		fileIDs: make(map[string]uint32, len(files)),
		pages:   make(map[pageKey]uint64, pages),
	}
	for i := range files {
		ix.fileIDs[files[i].Path] = files[i].FileID
	}
	return ix
}

func (ix *pageIndex) insert(fileID uint32, sourceOffset, containerOffset uint64) {
	ix.pages[pageKey{fileID, sourceOffset}] = containerOffset
}

func (ix *pageIndex) find(path string, alignedOffset uint64) (uint64, bool) {
	id, ok := ix.fileIDs[path]
	if !ok {
		return 0, false
	}
	abs, ok := ix.pages[pageKey{id, alignedOffset}]
	return abs, ok
}

// findByID is the lookup variant for callers that already hold a file
// id, such as the syscall tracer's fd table.
func (ix *pageIndex) findByID(fileID uint32, alignedOffset uint64) (uint64, bool) {
	abs, ok := ix.pages[pageKey{fileID, alignedOffset}]
	return abs, ok
}
