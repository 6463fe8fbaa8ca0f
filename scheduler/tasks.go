// SPDX-License-Identifier: BSD-2-Clause

package scheduler

import (
	"container/heap"
	"time"
)

// TaskToken is an opaque handle to a scheduled delayed task. The zero value
// is the "null" token; unscheduling it is a no-op, per §3.
type TaskToken uint64

type TaskCallback func(arg any)

type delayedTask struct {
	deadline time.Time
	seq      uint64 // tie-break: FIFO among equal deadlines
	token    TaskToken
	cb       TaskCallback
	arg      any
	index    int
	removed  bool
}

type taskHeap []*delayedTask

func (q taskHeap) Len() int { return len(q) }
func (q taskHeap) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].deadline.Before(q[j].deadline)
}
func (q taskHeap) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *taskHeap) Push(x any) {
	t := x.(*delayedTask)
	t.index = len(*q)
	*q = append(*q, t)
}
func (q *taskHeap) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// ScheduleDelayed schedules cb(arg) to run after us microseconds, returning
// a token usable with Unschedule/RescheduleDelayed.
func (h *Handle) ScheduleDelayed(us int64, cb TaskCallback, arg any) TaskToken {
	h.mu.Lock()
	h.tokenSeq++
	tok := TaskToken(h.tokenSeq)
	h.nextSeq++
	t := &delayedTask{
		deadline: time.Now().Add(time.Duration(us) * time.Microsecond),
		seq:      h.nextSeq,
		token:    tok,
		cb:       cb,
		arg:      arg,
	}
	heap.Push(&h.tasks, t)
	h.mu.Unlock()
	h.signal()
	return tok
}

// RescheduleDelayed reschedules the task identified by token to fire after
// us microseconds with a new callback/arg, creating it if token is the null
// token (0) or not found.
func (h *Handle) RescheduleDelayed(token TaskToken, us int64, cb TaskCallback, arg any) TaskToken {
	if token != 0 {
		h.Unschedule(token)
	}
	return h.ScheduleDelayed(us, cb, arg)
}

// Unschedule cancels the task for token. It is a no-op if token is zero or
// the task no longer exists (already fired or previously cancelled).
func (h *Handle) Unschedule(token TaskToken) {
	if token == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.tasks {
		if t.token == token && !t.removed {
			heap.Remove(&h.tasks, t.index)
			t.removed = true
			return
		}
	}
}

func (h *Handle) runDueTasks() {
	now := time.Now()
	var due []*delayedTask
	h.mu.Lock()
	for len(h.tasks) > 0 && !h.tasks[0].deadline.After(now) {
		t := heap.Pop(&h.tasks).(*delayedTask)
		if t.removed {
			continue
		}
		due = append(due, t)
	}
	h.mu.Unlock()

	for _, t := range due {
		t.cb(t.arg)
	}
}
