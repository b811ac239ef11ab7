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

// Package version tags built binaries with version metadata. The
// variables are overridden at link time:
//
//	LDFLAGS=-ldflags \
//	  "-X=github.com/intel/coldstart-bigcache/pkg/version.Version=<version> \
//	   -X=github.com/intel/coldstart-bigcache/pkg/version.Build=<build-id>"
package version

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Link-time defaults.
var (
	// Version is the version as given by 'git describe'.
	Version = "unknown"
	// Build is the SHA1 of the repository the binary was built from.
	Build = "unknown"
)

// String returns the version and build as one line.
func String() string {
	return fmt.Sprintf("%s (build %s)", Version, Build)
}

// Fprint writes version information for the running binary to w.
func Fprint(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", filepath.Base(os.Args[0]), String())
}
