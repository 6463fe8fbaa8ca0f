// SPDX-License-Identifier: BSD-2-Clause

//go:build !linux

package netio

func trySetReusePort(fd uintptr) {}
