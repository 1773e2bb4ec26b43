/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version carries build information.
package version

import "fmt"

// Version is the current version of roomair.
// This is set at build time via ldflags:
//
//	-X github.com/friendsincode/roomair/internal/version.Version=X.Y.Z
var Version = "0.3.0"

// Commit is the git revision, also set via ldflags.
var Commit = "unknown"

// String renders version and commit for --version output.
func String() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
