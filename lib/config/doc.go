// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the devbridge
// agent and controller.
//
// Configuration is loaded from a single file named either by the
// DEVBRIDGE_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). Commands run on [Default] when neither is
// given. There is no automatic file search.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${DEVBRIDGE_ROOT}, and ${VAR:-default} patterns are
// expanded. No other environment variables override config values.
//
// Durations are written as Go duration strings ("30s", "10m") and read
// through the accessor methods on each section.
//
// This package depends on no other devbridge packages.
package config
