//go:build !windows

package ipc

import "syscall"

var errConnRefused error = syscall.ECONNREFUSED
