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
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Layout CSV columns, as produced by the trace-collection tooling:
//
//	cache_offset,source_file,source_offset,size,first_access_order
//
// cache_offset and size are informational and ignored here; the packer
// recomputes placement itself. The first row is always a header row.
const (
	layoutColSourceFile   = 1
	layoutColSourceOffset = 2
	layoutColAccessOrder  = 4
	layoutMinColumns      = 5
)

// LayoutEntry is one parsed row of a layout CSV.
type LayoutEntry struct {
	SourceFile   string
	SourceOffset uint64
	AccessOrder  uint32
}

// ReadLayout parses a layout CSV. Malformed rows are skipped with a
// warning; the header row is always skipped.
func ReadLayout(path string) ([]LayoutEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "bigcache: failed to open layout")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var entries []LayoutEntry
	line := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		// An unparsable row still consumes its line, so the header is
		// skipped by position even when it fails to parse.
		line++
		if err != nil {
			log.Warn("layout %s line %d: skipping unparsable line: %v", path, line, err)
			continue
		}
		if line == 1 {
			// header row
			continue
		}
		if len(record) < layoutMinColumns {
			log.Warn("layout %s line %d: expected %d columns, got %d",
				path, line, layoutMinColumns, len(record))
			continue
		}

		source := record[layoutColSourceFile]
		offset, oerr := strconv.ParseUint(record[layoutColSourceOffset], 10, 64)
		order, aerr := strconv.ParseUint(record[layoutColAccessOrder], 10, 32)
		if source == "" || oerr != nil || aerr != nil {
			log.Warn("layout %s line %d: malformed row, skipping", path, line)
			continue
		}

		entries = append(entries, LayoutEntry{
			SourceFile:   source,
			SourceOffset: offset,
			AccessOrder:  uint32(order),
		})
	}
	return entries, nil
}

// LoadLayout feeds every row of a layout CSV into the packer. Returns
// the number of unique pages added.
func (p *Packer) LoadLayout(path string) (int, error) {
	entries, err := ReadLayout(path)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, e := range entries {
		if p.AddPage(e.SourceFile, e.SourceOffset, e.AccessOrder) {
			added++
		}
	}

	log.Info("loaded %d pages from layout %s (%d files)", added, path, p.FileCount())
	return added, nil
}

// LoadFileList feeds whole files into the packer from a list with one
// path per line. Files that cannot be statted are skipped with a
// warning. Returns the number of unique pages added.
func (p *Packer) LoadFileList(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "bigcache: failed to open file list")
	}
	defer f.Close()

	added := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		n, err := p.AddFile(name)
		if err != nil {
			log.Warn("file list %s: %v", path, err)
			continue
		}
		added += n
	}
	if err := scanner.Err(); err != nil {
		return added, errors.Wrap(err, "bigcache: failed to read file list")
	}

	log.Info("loaded %d pages from file list %s (%d files)", added, path, p.FileCount())
	return added, nil
}
