// Copyright 2026 The Voxgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides a minimal injectable time source.
//
// [Real] wraps the standard time package. [Fake] is a deterministic
// clock for tests: time stands still until Advance is called, and
// WaitForWaiters synchronizes a test with a goroutine that is about to
// block on a timeout. This keeps the permission-timeout tests free of
// real sleeps.
package clock
