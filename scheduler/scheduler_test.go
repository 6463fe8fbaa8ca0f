// SPDX-License-Identifier: BSD-2-Clause

package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayedTasksFireInDeadlineOrder(t *testing.T) {
	h := NewHandle()
	var order []int
	done := make(chan struct{})

	h.ScheduleDelayed(30000, func(arg any) {
		order = append(order, arg.(int))
		close(done)
	}, 3)
	h.ScheduleDelayed(10000, func(arg any) { order = append(order, arg.(int)) }, 1)
	h.ScheduleDelayed(20000, func(arg any) { order = append(order, arg.(int)) }, 2)

	deadline := time.After(2 * time.Second)
	for len(order) < 3 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for tasks")
		default:
			h.SingleStep(5 * time.Millisecond)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestUnscheduleIsNoOpForUnknownToken(t *testing.T) {
	h := NewHandle()
	assert.NotPanics(t, func() {
		h.Unschedule(0)
		h.Unschedule(TaskToken(999))
	})
}

func TestUnscheduleCancelsPendingTask(t *testing.T) {
	h := NewHandle()
	var fired atomic.Bool
	tok := h.ScheduleDelayed(50000, func(arg any) { fired.Store(true) }, nil)
	h.Unschedule(tok)

	for i := 0; i < 20; i++ {
		h.SingleStep(time.Millisecond)
	}
	assert.False(t, fired.Load())
}

func TestTriggerEventCoalesces(t *testing.T) {
	h := NewHandle()
	var calls atomic.Int32
	id := h.CreateEventTrigger(func() { calls.Add(1) })

	h.TriggerEvent(id)
	h.TriggerEvent(id)
	h.TriggerEvent(id)

	h.SingleStep(time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDeleteEventTriggerDropsPending(t *testing.T) {
	h := NewHandle()
	var calls atomic.Int32
	id := h.CreateEventTrigger(func() { calls.Add(1) })
	h.TriggerEvent(id)
	h.DeleteEventTrigger(id)
	h.SingleStep(time.Millisecond)
	assert.EqualValues(t, 0, calls.Load())
}

func TestDoEventLoopStopsOnWatch(t *testing.T) {
	h := NewHandle()
	var watch int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		atomic.StoreInt32(&watch, 1)
	}()
	start := time.Now()
	h.DoEventLoop(&watch)
	require.Less(t, time.Since(start), 2*time.Second)
}
