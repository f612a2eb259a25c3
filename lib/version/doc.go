// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the devbridge
// binaries.
//
// Three package-level variables are injected at build time via
// -ldflags -X:
//
//   - [GitCommit] -- short git SHA of the build
//   - [GitDirty] -- "true" if there were uncommitted changes
//   - [BuildTime] -- UTC timestamp of the build
//
// [Version] is set manually for releases. When nothing is injected
// (development builds, test runs) the values are "unknown" and
// "0.1.0-dev".
//
// Formatting functions produce human-readable strings:
//
//   - [Info] -- "0.1.0-dev (abc1234, 2026-02-10T...)" for --version
//   - [Full] -- Info plus Go version and GOOS/GOARCH
//   - [Short] -- just the version number
//
// The agent reports [Short] in its info service so a controller can
// identify firmware and agent builds before pairing.
package version
