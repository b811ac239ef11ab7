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

package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/intel/coldstart-bigcache/pkg/bigcache"
	logger "github.com/intel/coldstart-bigcache/pkg/log"
	"github.com/intel/coldstart-bigcache/pkg/uffd"
	"github.com/intel/coldstart-bigcache/pkg/version"
)

// simulate replays at most this many layout rows.
const maxSimulatedPages = 10000

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "bigcache: "+format+"\n", a...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: bigcache [options] COMMAND ARGS...

Commands:
  pack <layout.csv> <output>   build a cache container from a layout
       -files <list>           also pack whole files, one path per line
  verify <cachefile>           check format consistency and data checksum
  info <cachefile>             print header and file table
  benchmark <cachefile> [n]    load, preheat and time n page accesses
  simulate <cachefile> <layout.csv>
                               compare sequential, replayed and
                               fault-driven access timings
  preheat <layout.csv>         pull the layout's source-file pages into
       -n <count>              the kernel page cache, in access order
  help                         print this help

Options:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	verbose := flag.Int("v", 2, "log verbosity (0=quiet .. 4=debug)")
	printVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()
	logger.SetLevel(logger.LevelFromVerbosity(*verbose))

	if *printVersion {
		version.Fprint(os.Stdout)
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "pack":
		cmdPack(args[1:])
	case "verify":
		cmdVerify(args[1:])
	case "info":
		cmdInfo(args[1:])
	case "benchmark":
		cmdBenchmark(args[1:])
	case "simulate":
		cmdSimulate(args[1:])
	case "preheat":
		cmdPreheat(args[1:])
	case "help":
		usage()
	default:
		exit("unknown command %q, see \"bigcache help\"", args[0])
	}
}

func loadStore(path string) *bigcache.Store {
	store, err := bigcache.Load(path)
	if err != nil {
		exit("%v", err)
	}
	return store
}

func cmdPack(args []string) {
	fs := flag.NewFlagSet("pack", flag.ExitOnError)
	files := fs.String("files", "", "pack whole files from a list, one path per line")
	fs.Parse(args)

	if fs.NArg() != 2 {
		exit("pack needs <layout.csv> <output>")
	}
	layoutPath, outputPath := fs.Arg(0), fs.Arg(1)

	p := bigcache.NewPacker()
	if _, err := p.LoadLayout(layoutPath); err != nil {
		exit("%v", err)
	}
	if *files != "" {
		if _, err := p.LoadFileList(*files); err != nil {
			exit("%v", err)
		}
	}
	if p.PageCount() == 0 {
		exit("layout %s yields no pages to pack", layoutPath)
	}

	res, err := p.Build(outputPath)
	if err != nil {
		exit("%v", err)
	}

	fmt.Printf("packed %s: %d pages, %d files, %d bytes, checksum %#08x\n",
		outputPath, res.Pages, res.Files, res.TotalSize, res.Checksum)
	if res.ReadErrors > 0 {
		fmt.Printf("warning: %d pages zero-filled due to source read failures\n",
			res.ReadErrors)
	}
}

func cmdVerify(args []string) {
	if len(args) != 1 {
		exit("verify needs <cachefile>")
	}

	store := loadStore(args[0])
	defer store.Unload()

	if err := store.Verify(); err != nil {
		exit("%v", err)
	}
	fmt.Printf("%s: OK (%d pages, %d files, checksum %#08x)\n",
		args[0], store.Header().PageCount, store.Header().FileCount,
		store.Header().Checksum)
}

func cmdInfo(args []string) {
	if len(args) != 1 {
		exit("info needs <cachefile>")
	}

	store := loadStore(args[0])
	defer store.Unload()

	h := store.Header()
	fmt.Printf("cache file:        %s\n", args[0])
	fmt.Printf("magic:             %#08x\n", h.Magic)
	fmt.Printf("version:           %d\n", h.Version)
	fmt.Printf("pages:             %d (%d bytes of data)\n",
		h.PageCount, uint64(h.PageCount)*bigcache.PageSize)
	fmt.Printf("files:             %d\n", h.FileCount)
	fmt.Printf("data offset:       %d\n", h.DataOffset)
	fmt.Printf("index offset:      %d\n", h.IndexOffset)
	fmt.Printf("file table offset: %d\n", h.FileTableOffset)
	fmt.Printf("total size:        %d\n", h.TotalSize)
	fmt.Printf("checksum:          %#08x\n", h.Checksum)

	fmt.Printf("\n%-6s %-8s %-12s %s\n", "id", "pages", "size", "path")
	for _, f := range store.Files() {
		fmt.Printf("%-6d %-8d %-12d %s\n",
			f.FileID, f.PageCount, f.OriginalSize, f.Path)
	}
}

func cmdBenchmark(args []string) {
	if len(args) < 1 || len(args) > 2 {
		exit("benchmark needs <cachefile> [iterations]")
	}
	iterations := 1000
	if len(args) == 2 {
		if _, err := fmt.Sscanf(args[1], "%d", &iterations); err != nil || iterations <= 0 {
			exit("invalid iteration count %q", args[1])
		}
	}

	store := loadStore(args[0])
	defer store.Unload()

	start := time.Now()
	if err := store.Preheat(); err != nil {
		exit("preheat failed: %v", err)
	}
	fmt.Printf("preheat: %d pages in %v\n", store.Header().PageCount, time.Since(start))

	files := store.Files()
	if len(files) == 0 {
		exit("cache contains no files")
	}
	target := files[0]

	// Direct index timings first; they need no kernel cooperation.
	pages := int(target.PageCount)
	start = time.Now()
	for i := 0; i < pages; i++ {
		store.Lookup(target.Path, uint64(i)*bigcache.PageSize)
	}
	fmt.Printf("sequential lookup: %d pages in %v\n", pages, time.Since(start))

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	start = time.Now()
	for i := 0; i < iterations; i++ {
		store.Lookup(target.Path, uint64(rng.Intn(pages))*bigcache.PageSize)
	}
	fmt.Printf("random lookup:     %d iterations in %v\n", iterations, time.Since(start))

	if !uffd.Available() {
		fmt.Println("userfaultfd unavailable, skipping fault-driven timing")
		return
	}

	server, err := uffd.New(store)
	if err != nil {
		exit("%v", err)
	}
	defer server.Close()
	cfg := uffd.DefaultConfig()
	cfg.PrefetchAhead = 0
	server.SetConfig(cfg)
	if err := server.Start(); err != nil {
		exit("%v", err)
	}

	size := uintptr(target.PageCount) * bigcache.PageSize
	mem, err := server.CreateMapping(size, target.Path, 0, unix.PROT_READ)
	if err != nil {
		exit("%v", err)
	}
	defer server.DestroyMapping(mem)

	start = time.Now()
	for off := 0; off < len(mem); off += bigcache.PageSize {
		_ = mem[off]
	}
	fmt.Printf("fault-driven:      %d pages in %v\n", pages, time.Since(start))

	st := server.Stats()
	fmt.Printf("faults: %d total, %d hits, %d zero fills, avg %v, max %v\n",
		st.TotalFaults, st.CacheHits, st.ZeroFills, st.AvgHandleTime(), st.MaxHandleTime)
}

// cmdPreheat warms the real source files, not a container. It covers
// targets that cannot be run under the fault server or the tracer.
func cmdPreheat(args []string) {
	fs := flag.NewFlagSet("preheat", flag.ExitOnError)
	maxPages := fs.Int("n", 0, "warm only the first n layout entries")
	fs.Parse(args)

	if fs.NArg() != 1 {
		exit("preheat needs <layout.csv>")
	}

	entries, err := bigcache.ReadLayout(fs.Arg(0))
	if err != nil {
		exit("%v", err)
	}
	if len(entries) == 0 {
		exit("layout %s yields no pages to warm", fs.Arg(0))
	}

	start := time.Now()
	res := bigcache.WarmSources(entries, *maxPages)
	elapsed := time.Since(start)

	mb := float64(res.Bytes) / (1 << 20)
	fmt.Printf("warmed %d pages (%.2f MB) from %d files in %v\n",
		res.Pages, mb, res.Files, elapsed)
	if res.Errors > 0 {
		fmt.Printf("warning: %d pages could not be warmed\n", res.Errors)
	}
}

func cmdSimulate(args []string) {
	if len(args) != 2 {
		exit("simulate needs <cachefile> <layout.csv>")
	}

	store := loadStore(args[0])
	defer store.Unload()

	entries, err := bigcache.ReadLayout(args[1])
	if err != nil {
		exit("%v", err)
	}
	if len(entries) > maxSimulatedPages {
		entries = entries[:maxSimulatedPages]
	}

	// 1: everything up front, the cost a cold start pays without any
	// demand paging.
	start := time.Now()
	if err := store.Preheat(); err != nil {
		exit("preheat failed: %v", err)
	}
	fmt.Printf("sequential preheat:  %d pages in %v\n",
		store.Header().PageCount, time.Since(start))

	// 2: the recorded access order replayed against the index.
	hits := 0
	start = time.Now()
	for _, e := range entries {
		if _, ok := store.Lookup(e.SourceFile, e.SourceOffset); ok {
			hits++
		}
	}
	fmt.Printf("layout replay:       %d lookups (%d hits) in %v\n",
		len(entries), hits, time.Since(start))

	// 3: the same pages pulled in by real faults.
	if !uffd.Available() {
		fmt.Println("userfaultfd unavailable, skipping fault-driven simulation")
		return
	}

	server, err := uffd.New(store)
	if err != nil {
		exit("%v", err)
	}
	defer server.Close()
	cfg := uffd.DefaultConfig()
	cfg.PrefetchAhead = 0
	server.SetConfig(cfg)
	if err := server.Start(); err != nil {
		exit("%v", err)
	}

	// One region per packed file, touched in recorded order.
	regions := make(map[string][]byte)
	for _, f := range store.Files() {
		size := uintptr(bigcache.PageRoundUp(f.OriginalSize))
		if size == 0 {
			continue
		}
		mem, err := server.CreateMapping(size, f.Path, 0, unix.PROT_READ)
		if err != nil {
			exit("%v", err)
		}
		defer server.DestroyMapping(mem)
		regions[f.Path] = mem
	}

	touched := 0
	start = time.Now()
	for _, e := range entries {
		mem := regions[e.SourceFile]
		if mem == nil || e.SourceOffset >= uint64(len(mem)) {
			continue
		}
		_ = mem[e.SourceOffset]
		touched++
	}
	elapsed := time.Since(start)

	st := server.Stats()
	fmt.Printf("fault-driven replay: %d touches in %v\n", touched, elapsed)
	fmt.Printf("faults: %d total, %d hits, %d zero fills, avg %v\n",
		st.TotalFaults, st.CacheHits, st.ZeroFills, st.AvgHandleTime())
}
