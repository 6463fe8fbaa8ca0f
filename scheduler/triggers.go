// SPDX-License-Identifier: BSD-2-Clause

package scheduler

import "sync/atomic"

// TriggerID identifies a registered event trigger.
type TriggerID uint32

type TriggerCallback func()

type triggerEntry struct {
	cb      TriggerCallback
	pending atomic.Bool
}

// CreateEventTrigger registers cb to run on the loop goroutine each time
// TriggerEvent is called for the returned id. Triggers are edge-level:
// multiple TriggerEvent calls before the next dispatch coalesce into a
// single callback invocation (§4.2).
func (h *Handle) CreateEventTrigger(cb TriggerCallback) TriggerID {
	h.mu.Lock()
	h.nextTID++
	id := TriggerID(h.nextTID)
	h.triggers[id] = &triggerEntry{cb: cb}
	h.mu.Unlock()
	return id
}

// TriggerEvent may be called from any goroutine ("Trigger events from other
// threads" — Design Notes); it posts id into the scheduler's MPSC-style
// pending list and wakes the loop.
func (h *Handle) TriggerEvent(id TriggerID) {
	h.mu.Lock()
	e, ok := h.triggers[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	if e.pending.CompareAndSwap(false, true) {
		h.pendingTrg = append(h.pendingTrg, id)
	}
	h.mu.Unlock()
	h.signal()
}

// DeleteEventTrigger unregisters a trigger. A TriggerEvent already posted
// but not yet drained is discarded silently.
func (h *Handle) DeleteEventTrigger(id TriggerID) {
	h.mu.Lock()
	delete(h.triggers, id)
	h.mu.Unlock()
}

func (h *Handle) drainTriggers() {
	h.mu.Lock()
	pending := h.pendingTrg
	h.pendingTrg = nil
	var cbs []TriggerCallback
	for _, id := range pending {
		e, ok := h.triggers[id]
		if !ok {
			continue
		}
		e.pending.Store(false)
		cbs = append(cbs, e.cb)
	}
	h.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}
