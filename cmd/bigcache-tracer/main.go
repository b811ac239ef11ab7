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
	"os"
	"strconv"
	"time"

	"github.com/intel/coldstart-bigcache/pkg/bigcache"
	logger "github.com/intel/coldstart-bigcache/pkg/log"
	"github.com/intel/coldstart-bigcache/pkg/tracer"
	"github.com/intel/coldstart-bigcache/pkg/version"
)

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "bigcache-tracer: "+format+"\n", a...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  bigcache-tracer [options] <cachefile> -p <pid>
  bigcache-tracer [options] <cachefile> -- <command> [args...]

Serves a traced process's reads of packed files from the cache.

Options:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	pid := flag.Int("p", 0, "attach to a running process instead of spawning one")
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
	cachePath := args[0]
	rest := args[1:]

	// Flag parsing stops at the cache file, so -p and -- after it are
	// handled here.
	var command []string
	switch {
	case len(rest) >= 2 && rest[0] == "-p":
		n, err := strconv.Atoi(rest[1])
		if err != nil || n <= 0 {
			exit("invalid pid %q", rest[1])
		}
		*pid = n
	case len(rest) >= 1 && rest[0] == "--":
		command = rest[1:]
	default:
		command = rest
	}

	if (*pid == 0) == (len(command) == 0) {
		exit("need exactly one of -p <pid> or -- <command>")
	}

	store, err := bigcache.Load(cachePath)
	if err != nil {
		exit("%v", err)
	}
	defer store.Unload()
	if err := store.Verify(); err != nil {
		exit("%v", err)
	}
	if err := store.Preheat(); err != nil {
		fmt.Fprintf(os.Stderr, "bigcache-tracer: preheat incomplete: %v\n", err)
	}

	var t *tracer.Tracer
	if *pid != 0 {
		t, err = tracer.TracePid(store, *pid)
	} else {
		t, err = tracer.TraceCommand(store, command[0], command[1:]...)
	}
	if err != nil {
		exit("%v", err)
	}

	if err := t.Run(); err != nil {
		exit("%v", err)
	}

	st := t.Stats()
	fmt.Printf("tracked opens:     %d\n", st.TrackedOpens)
	fmt.Printf("intercepted reads: %d (%d bytes served)\n",
		st.InterceptedReads, st.BytesServed)
	fmt.Printf("bypassed reads:    %d\n", st.BypassedReads)
	if st.InterceptedReads > 0 {
		fmt.Printf("intercept time:    %v total, %v avg\n", st.InterceptTime,
			st.InterceptTime/time.Duration(st.InterceptedReads))
	}
}
