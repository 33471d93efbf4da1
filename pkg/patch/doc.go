// Package patch creates, applies and verifies unified-diff patch sets against
// a pinned baseline.
//
// # Records
//
// A Record is one patch file. It starts with a comment header that patch(1)
// ignores:
//
//	# Patch for cores/esp32/main.cpp
//	# Generated: 2024-05-01T12:00:00Z
//	# Purpose: Local hardware support modifications
//	# Baseline: 3.0.7
//	#
//	--- a/cores/esp32/main.cpp
//	+++ b/cores/esp32/main.cpp
//	@@ ...
//
// Records are named <seq>-<dir>-<file>.patch and applied in name order.
// Several records may target the same file; each one is a delta on the
// previous sequence number.
//
// # Backends
//
// The Differ and Applier interfaces have two implementations each. The exec
// backend shells out to diff(1) and patch(1) through a Runner; the library
// backend uses go-diff and an in-process hunk applier that prints the same
// diagnostics patch(1) does, so classification works identically.
//
// # Application
//
// Engine.Apply refuses a patch set whose baseline tag differs from the
// target tree, and refuses a tree that was already patched. Beyond that a
// failed patch never stops the others; results are collected and returned.
package patch
