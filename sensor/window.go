// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"container/list"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type windowEntry struct {
	at    time.Time
	value float64
}

// Window keeps a bounded history of timestamped samples so dashboards can
// show short term averages next to the live reading.
type Window struct {
	mutex    sync.Mutex
	clock    clock.Clock
	maxCount int
	events   list.List
}

// NewWindow makes a window holding at most maxCount samples.
func NewWindow(maxCount int) *Window {
	if maxCount < 1 {
		maxCount = 100
	}

	w := &Window{
		clock:    clock.New(),
		maxCount: maxCount,
	}
	w.events.Init()
	return w
}

// Add records a sample at the current time.
func (w *Window) Add(value float64) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.events.PushFront(windowEntry{at: w.clock.Now(), value: value})
	for w.events.Len() > w.maxCount {
		w.events.Remove(w.events.Back())
	}
}

// Mean returns the average of the samples recorded during the last `over`
// interval, and whether any sample was inside the interval.
func (w *Window) Mean(over time.Duration) (float64, bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	until := w.clock.Now().Add(-1 * over)

	var sum float64
	var n int
	for e := w.events.Front(); e != nil; e = e.Next() {
		entry := e.Value.(windowEntry)
		if entry.at.Before(until) {
			break
		}
		sum += entry.value
		n++
	}

	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
