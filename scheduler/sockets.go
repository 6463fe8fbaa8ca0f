// SPDX-License-Identifier: BSD-2-Clause

package scheduler

import (
	"sync/atomic"
	"syscall"
)

// SocketMask selects which readiness conditions a background handler cares
// about. Passing 0 to SetBackgroundHandling removes the registration.
type SocketMask uint8

const (
	Readable SocketMask = 1 << iota
	Writable
	Exception
)

type SocketCallback func(mask SocketMask, arg any)

// RawConn is the subset of syscall.Conn a descriptor must support to be
// registered with the scheduler. *net.TCPConn, *net.UDPConn, *net.TCPListener
// and TLS-adapter conns that expose SyscallConn all satisfy this.
type RawConn interface {
	SyscallConn() (syscall.RawConn, error)
}

type socketEntry struct {
	id      int64
	conn    RawConn
	mask    SocketMask
	cb      SocketCallback
	arg     any
	readyR  atomic.Bool
	readyW  atomic.Bool
	stop    chan struct{}
	stopped atomic.Bool
}

// SetBackgroundHandling registers cb to be invoked from the loop goroutine
// whenever conn becomes ready per mask. Passing mask 0 or cb nil removes
// any existing registration for conn (identity by the returned handle must
// be tracked by the caller — see MoveSocketHandling to transfer it to a new
// descriptor without losing registration).
func (h *Handle) SetBackgroundHandling(conn RawConn, mask SocketMask, cb SocketCallback, arg any) int64 {
	if mask == 0 || cb == nil {
		h.mu.Lock()
		var removed []*socketEntry
		for id, e := range h.sockets {
			if e.conn == conn {
				removed = append(removed, e)
				delete(h.sockets, id)
			}
		}
		h.mu.Unlock()
		for _, e := range removed {
			if e.stopped.CompareAndSwap(false, true) {
				close(e.stop)
			}
		}
		return 0
	}
	h.mu.Lock()
	h.nextSID++
	id := h.nextSID
	e := &socketEntry{id: id, conn: conn, mask: mask, cb: cb, arg: arg, stop: make(chan struct{})}
	h.sockets[id] = e
	h.mu.Unlock()

	h.startWatchers(e)
	return id
}

// ClearBackgroundHandling removes the registration created by id.
func (h *Handle) ClearBackgroundHandling(id int64) {
	h.mu.Lock()
	e, ok := h.sockets[id]
	delete(h.sockets, id)
	h.mu.Unlock()
	if ok && e.stopped.CompareAndSwap(false, true) {
		close(e.stop)
	}
}

// MoveSocketHandling transfers the registration at oldID onto newConn,
// preserving its mask and callback, per §4.2's move_socket_handling.
func (h *Handle) MoveSocketHandling(oldID int64, newConn RawConn) int64 {
	h.mu.Lock()
	e, ok := h.sockets[oldID]
	if !ok {
		h.mu.Unlock()
		return 0
	}
	delete(h.sockets, oldID)
	h.mu.Unlock()
	if e.stopped.CompareAndSwap(false, true) {
		close(e.stop)
	}
	return h.SetBackgroundHandling(newConn, e.mask, e.cb, e.arg)
}

// startWatchers spawns goroutines that detect read/write readiness on the
// socket using syscall.RawConn's polling hooks: the supplied function is
// invoked by the runtime netpoller once the fd is ready, without itself
// performing the read/write, letting the actual I/O happen later on the
// loop goroutine inside cb.
func (h *Handle) startWatchers(e *socketEntry) {
	rc, err := e.conn.SyscallConn()
	if err != nil {
		return
	}

	if e.mask&(Readable|Exception) != 0 {
		go func() {
			for {
				select {
				case <-e.stop:
					return
				default:
				}
				err := rc.Read(func(fd uintptr) bool {
					return true // fd is readable; report and re-arm next loop
				})
				if err != nil {
					return
				}
				e.readyR.Store(true)
				h.signal()
				select {
				case <-e.stop:
					return
				default:
				}
			}
		}()
	}

	if e.mask&Writable != 0 {
		go func() {
			for {
				select {
				case <-e.stop:
					return
				default:
				}
				err := rc.Write(func(fd uintptr) bool {
					return true
				})
				if err != nil {
					return
				}
				e.readyW.Store(true)
				h.signal()
				select {
				case <-e.stop:
					return
				default:
				}
			}
		}()
	}
}

func (h *Handle) runReadySockets() {
	h.mu.Lock()
	var fire []*socketEntry
	for _, e := range h.sockets {
		if e.readyR.Load() || e.readyW.Load() {
			fire = append(fire, e)
		}
	}
	h.mu.Unlock()

	for _, e := range fire {
		var m SocketMask
		if e.readyR.CompareAndSwap(true, false) {
			m |= e.mask & (Readable | Exception)
		}
		if e.readyW.CompareAndSwap(true, false) {
			m |= e.mask & Writable
		}
		if m != 0 {
			e.cb(m, e.arg)
		}
	}
}
