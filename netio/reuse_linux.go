// SPDX-License-Identifier: BSD-2-Clause

//go:build linux

package netio

import "syscall"

func trySetReusePort(fd uintptr) {
	_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEPORT, 1)
}
