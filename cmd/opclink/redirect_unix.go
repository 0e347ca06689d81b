//go:build !windows

package main

import (
	"os"
	"syscall"
)

// redirectStderr points fd 2 at the crash log so panics survive the
// terminal takeover by the TUI.
func redirectStderr(f *os.File) {
	syscall.Dup2(int(f.Fd()), int(os.Stderr.Fd()))
}
