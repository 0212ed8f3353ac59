// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. Fatal is the one
// place a Foyer binary writes raw output: errors from run() in main(),
// where the structured logger may not be initialized yet.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
