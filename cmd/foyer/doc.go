// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Command foyer bridges Telegram conversations into department-scoped
// Matrix rooms. It long-polls the Telegram Bot API, routes each user
// through department selection, provisions a private Matrix room per
// conversation under a space hierarchy, and relays messages in both
// directions until stopped by SIGINT or SIGTERM.
//
// Configuration comes from a YAML file named by --config or the
// FOYER_CONFIG environment variable. All access tokens are loaded from
// files; nothing secret appears in the config itself.
package main
