//go:build windows

package main

import "os"

// redirectStderr is a no-op on Windows, which has no dup2. Panics go
// to the console the TUI is drawing over; the crash log stays empty.
func redirectStderr(f *os.File) {}
