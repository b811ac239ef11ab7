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

// Package bigcache implements the BigCache container: a single
// contiguous, page-aligned blob holding the scattered 4 KB pages an
// application is known to read during cold start, together with the
// index needed to find any page by (source file, offset).
//
// The on-disk layout is
//
//	+------------------------------------------+
//	| Header (88 bytes, packed, little-endian) |
//	+------------------------------------------+
//	| PageIndexEntry[PageCount]                |
//	+------------------------------------------+
//	| FileEntry[FileCount]                     |
//	+------------------------------------------+
//	| page data, page-aligned                  |
//	| [page 0][page 1]...[page N-1]            |
//	+------------------------------------------+
//
// A container is produced once by the Packer and is immutable
// afterwards. Store memory-maps it read-only and serves lookups from
// an index built once at load time, so the read path needs no locking.
package bigcache
