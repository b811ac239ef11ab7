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
	"os"

	"golang.org/x/sys/unix"
)

// WarmResult summarizes one WarmSources run.
type WarmResult struct {
	Pages  int
	Files  int
	Bytes  uint64
	Errors int
}

// WarmSources pulls the source-file pages named by a layout into the
// kernel page cache, in recorded access order. No container is
// involved; a later start of the traced application finds its
// cold-start pages already resident. maxPages > 0 caps the run to the
// first maxPages entries.
//
// Unopenable files and short reads are counted, not fatal; a trace
// routinely names files that no longer exist on the target.
func WarmSources(entries []LayoutEntry, maxPages int) *WarmResult {
	res := &WarmResult{}
	if maxPages > 0 && len(entries) > maxPages {
		entries = entries[:maxPages]
	}

	files := map[string]*os.File{}
	defer func() {
		for _, f := range files {
			if f != nil {
				f.Close()
			}
		}
	}()

	var buf [1]byte
	for _, e := range entries {
		f, seen := files[e.SourceFile]
		if !seen {
			var err error
			f, err = os.Open(e.SourceFile)
			if err != nil {
				log.Warn("cannot warm %s: %v", e.SourceFile, err)
				f = nil
			} else {
				res.Files++
			}
			files[e.SourceFile] = f
		}
		if f == nil {
			res.Errors++
			continue
		}

		// Fadvise starts readahead for the page; the one-byte read
		// makes sure it lands even where the advice is ignored.
		unix.Fadvise(int(f.Fd()), int64(e.SourceOffset), PageSize, unix.FADV_WILLNEED)
		if _, err := f.ReadAt(buf[:], int64(e.SourceOffset)); err != nil {
			res.Errors++
			continue
		}

		res.Pages++
		res.Bytes += PageSize
	}

	log.Info("warmed %d pages from %d files (%d errors)", res.Pages, res.Files, res.Errors)
	return res
}
