// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Foyer bridge.
//
// Configuration is loaded from a single YAML file specified by:
//   - FOYER_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures deterministic,
// auditable configuration with no hidden overrides. Secrets (the Telegram bot
// token and Matrix access tokens) are referenced by file path and read into
// locked memory, never inlined in the config file.
package config
