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

// Package uffd implements a userfaultfd-based fault server: anonymous
// memory regions registered for kernel-assisted demand paging, with
// missing-page faults resolved from a bigcache container by a single
// worker goroutine.
package uffd

// Region is a registered virtual-address interval owned by one Server.
// Faults inside it are served from the cached pages of Path, with the
// region's start mapping to file offset FileOffsetBase.
type Region struct {
	Base           uintptr
	Size           uintptr
	Path           string
	FileOffsetBase uint64
	Prot           int
}

// End returns the exclusive end address of the region.
func (r *Region) End() uintptr {
	return r.Base + r.Size
}

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr uintptr) bool {
	return addr >= r.Base && addr < r.End()
}

// FileOffset maps an address inside the region to its source-file
// offset.
func (r *Region) FileOffset(addr uintptr) uint64 {
	return r.FileOffsetBase + uint64(addr-r.Base)
}

// regionArena holds the live regions of a server. Regions are few and
// short-lived relative to fault frequency, so lookup is a linear scan;
// the server's region lock covers both mutation and lookup.
type regionArena struct {
	regions []*Region
}

func (a *regionArena) add(r *Region) {
	a.regions = append(a.regions, r)
}

// remove drops the region based at addr and returns it, or nil when no
// region starts there.
func (a *regionArena) remove(addr uintptr) *Region {
	for i, r := range a.regions {
		if r.Base == addr {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			return r
		}
	}
	return nil
}

// find returns the region containing addr, or nil.
func (a *regionArena) find(addr uintptr) *Region {
	for _, r := range a.regions {
		if r.Contains(addr) {
			return r
		}
	}
	return nil
}

func (a *regionArena) len() int {
	return len(a.regions)
}
