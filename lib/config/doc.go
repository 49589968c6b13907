// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads forge-mailbox service configuration.
//
// Configuration is loaded from a single file specified by either the
// FORGE_MAILBOX_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks, no ~/.config
// discovery, and no automatic file search.
//
// Files ending in .json or .jsonc are read as JSONC: comments and
// trailing commas are stripped before decoding. Everything else is
// YAML. Both decode into the same [Config] with the same field names.
//
// The file may carry environment-specific sections (development,
// staging, production). The section matching [Config].Environment is
// decoded over the base values, so it only needs to name what it
// changes. Production without a production section logs JSON.
//
// Variable expansion is performed on path and address fields after
// loading: ${HOME}, ${FORGE_MAILBOX_DATA}, and ${VAR:-default}
// patterns are expanded. No other environment variables override
// config values.
//
// This package depends on no other forge-mailbox packages.
package config
