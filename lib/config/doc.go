// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the bridge.
//
// Configuration is loaded from a single file named either by the
// TGBRIDGE_CONFIG environment variable (via [Load]) or by the --config
// flag (via [LoadFile]). There is no file discovery and environment
// variables never override values from the file.
//
// The file may carry environment-specific sections (development,
// production) that override the base values when [Config].Environment
// matches. Production defaults are stricter: Matrix-side login is
// disabled unless the production section enables it explicitly.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${TGBRIDGE_STATE}, and ${VAR:-default} patterns are expanded.
//
// Key exports:
//
//   - [Config] -- master struct with Homeserver, AppService, Bridge,
//     Telegram, and Logging sections
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other packages in this module.
package config
