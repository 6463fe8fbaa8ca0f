// SPDX-License-Identifier: BSD-2-Clause

// Package scheduler implements the single-threaded cooperative task
// scheduler and socket-event core described in spec §4.2: one process-wide
// (or, here, one Handle-wide — see DESIGN.md on scoping away from statics)
// loop multiplexing descriptor readiness, a sorted delayed-task queue, named
// trigger events and background socket handlers.
//
// All registration calls (ScheduleDelayed, SetBackgroundHandling,
// CreateEventTrigger, ...) are safe to call from any goroutine; the
// callbacks themselves only ever run on the goroutine that calls
// DoEventLoop/SingleStep, matching §5's single-threaded execution model.
package scheduler

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MaxGranularity bounds how long a single wait step may block even if no
// delayed task or caller-supplied watch interval requires an earlier
// wakeup. Default matches §6.3's max_scheduler_granularity_us = 10000.
var MaxGranularity = 10 * time.Millisecond

// Handle is a scheduler instance. Multiple independent Handles may coexist
// in one process (Design Notes: "Global tables" — fd table and seed state
// are scoped to a Handle, not package-level statics).
type Handle struct {
	log zerolog.Logger

	mu       sync.Mutex
	tasks    taskHeap
	nextSeq  uint64
	tokenSeq uint64

	sockets map[int64]*socketEntry
	nextSID int64

	triggers   map[TriggerID]*triggerEntry
	nextTID    uint32
	pendingTrg []TriggerID

	wake chan struct{}

	closed atomic.Bool
}

// NewHandle allocates a scheduler Handle.
func NewHandle() *Handle {
	h := &Handle{
		sockets:  make(map[int64]*socketEntry),
		triggers: make(map[TriggerID]*triggerEntry),
		wake:     make(chan struct{}, 1),
		log:      log.With().Str("caller", "scheduler").Logger(),
	}
	heap.Init(&h.tasks)
	return h
}

func (h *Handle) SetLogger(l zerolog.Logger) { h.log = l }

func (h *Handle) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting new registrations' effects on the loop and wakes
// any blocked DoEventLoop/SingleStep call.
func (h *Handle) Close() {
	h.closed.Store(true)
	h.signal()
}

// DoEventLoop runs until *watch becomes non-zero (if watch is non-nil) or
// forever. It repeatedly calls SingleStep with MaxGranularity as the
// per-iteration bound, per §4.2's ordering guarantees.
func (h *Handle) DoEventLoop(watch *int32) {
	for {
		if watch != nil && atomic.LoadInt32(watch) != 0 {
			return
		}
		if h.closed.Load() {
			return
		}
		h.SingleStep(MaxGranularity)
	}
}

// SingleStep performs exactly one loop iteration: (1) compute the wait
// bound from the next delayed-task deadline and maxDelay; (2) wait for fd
// readiness or that bound; (3) run fd callbacks whose mask bit fired;
// (4) run delayed tasks whose deadline has passed; (5) drain pending
// triggers in registration order.
func (h *Handle) SingleStep(maxDelay time.Duration) {
	wait := h.nextWait(maxDelay)

	timer := time.NewTimer(wait)
	select {
	case <-h.wake:
	case <-timer.C:
	}
	timer.Stop()

	h.runReadySockets()
	h.runDueTasks()
	h.drainTriggers()
}

func (h *Handle) nextWait(maxDelay time.Duration) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.tasks) == 0 {
		return maxDelay
	}
	d := time.Until(h.tasks[0].deadline)
	if d < 0 {
		d = 0
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
