// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

//go:build !unix

package lock

import "os"

const flockSupported = false

// Without flock the lock relies on the info file alone: a live, unexpired
// holder recorded there refuses the lock.
func tryLock(f *os.File) error { return nil }

func unlock(f *os.File) error { return nil }

func isProcessAlive(pid int) bool { return pid > 0 }
