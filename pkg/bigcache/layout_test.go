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
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadLayout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "layout.csv")
	data := `cache_offset,source_file,source_offset,size,first_access_order
0,/data/app/lib/libgame.so,0,4096,0
4096,/data/app/lib/libgame.so,4096,4096,1
8192,/data/app/base.apk,12288,4096,2
not,enough,columns
12288,/data/app/base.apk,notanumber,4096,3
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	entries, err := ReadLayout(path)
	require.NoError(t, err)
	require.Len(t, entries, 3, "header and malformed rows are skipped")
	require.Equal(t, LayoutEntry{"/data/app/lib/libgame.so", 0, 0}, entries[0])
	require.Equal(t, LayoutEntry{"/data/app/base.apk", 12288, 2}, entries[2])

	_, err = ReadLayout(filepath.Join(dir, "missing.csv"))
	require.Error(t, err)
}

func TestReadLayoutUnparsableHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "layout.csv")

	// The bare quote makes the header row itself fail to parse. It
	// still counts as line 1, so no data row is mistaken for it.
	data := `cache"offset,source_file,source_offset,size,first_access_order
0,/data/app/lib/libgame.so,0,4096,0
4096,/data/app/lib/libgame.so,4096,4096,1
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	entries, err := ReadLayout(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, LayoutEntry{"/data/app/lib/libgame.so", 0, 0}, entries[0])
	require.Equal(t, LayoutEntry{"/data/app/lib/libgame.so", 4096, 1}, entries[1])
}

func TestLoadLayoutIntoPacker(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "liblayout.so", 3)

	path := filepath.Join(dir, "layout.csv")
	data := fmt.Sprintf(`cache_offset,source_file,source_offset,size,first_access_order
0,%[1]s,0,4096,0
4096,%[1]s,8192,4096,1
8192,%[1]s,0,4096,2
`, src)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	p := NewPacker()
	added, err := p.LoadLayout(path)
	require.NoError(t, err)
	require.Equal(t, 2, added, "the repeated page is deduplicated")
	require.Equal(t, 1, p.FileCount())
}

func TestLoadFileList(t *testing.T) {
	dir := t.TempDir()
	a := writeSource(t, dir, "a.so", 2)
	b := writeSource(t, dir, "b.so", 1)

	list := filepath.Join(dir, "files.txt")
	data := fmt.Sprintf("%s\n\n%s\n%s\n", a, b, filepath.Join(dir, "missing.so"))
	require.NoError(t, os.WriteFile(list, []byte(data), 0o644))

	p := NewPacker()
	added, err := p.LoadFileList(list)
	require.NoError(t, err, "unreadable listed files are skipped, not fatal")
	require.Equal(t, 3, added)
	require.Equal(t, 2, p.FileCount())
}
