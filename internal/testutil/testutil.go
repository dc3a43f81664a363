// Package testutil provides test helpers for mboxsync tests.
//
// The package is organized into focused files:
//   - assert.go: assertion helpers (AssertValidUTF8, AssertContainsAll, ...)
//   - fs_helpers.go: filesystem operations (WriteFile, ReadFile, MustExist)
package testutil
