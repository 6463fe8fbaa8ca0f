// SPDX-License-Identifier: BSD-2-Clause

package netio

import "syscall"

// setReuse sets SO_REUSEADDR (and, where the platform's syscall package
// exposes the constant, SO_REUSEPORT) on fd. Failure to set SO_REUSEPORT is
// tolerated since not all platforms in this module's support matrix expose
// it identically; SO_REUSEADDR failures are surfaced.
func setReuse(fd uintptr) error {
	if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		return err
	}
	trySetReusePort(fd)
	return nil
}
