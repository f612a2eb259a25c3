// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command framework behind the devbridge
// CLI: a tree of [Command] values dispatched by name, flags bound from
// tagged parameter structs with [FlagsFromParams], and output helpers
// for JSON and aligned tables.
//
// Commands that want to end the process with a particular status
// without an extra error line (for example, to pass through a remote
// command's exit code) return an [ExitError].
package cli
