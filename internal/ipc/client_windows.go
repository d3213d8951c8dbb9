//go:build windows

package ipc

import "syscall"

// WSAECONNREFUSED
var errConnRefused error = syscall.Errno(10061)
