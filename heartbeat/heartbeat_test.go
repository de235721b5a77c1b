// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ledRecorder struct {
	mutex  sync.Mutex
	states []bool
}

func (l *ledRecorder) set(on bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.states = append(l.states, on)
}

func (l *ledRecorder) snapshot() []bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]bool(nil), l.states...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestHeartbeatPulses(t *testing.T) {
	led := new(ledRecorder)
	mc := clock.NewMock()

	h := New(Opts{
		Namespace: "test_heartbeat_pulses",
		LED:       led.set,
		Clock:     mc,
	})
	require.NoError(t, h.Start(context.Background()))
	assert.Equal(t, errAlreadyStarted, h.Start(context.Background()))

	mc.Add(time.Second)
	waitFor(t, func() bool { return len(led.snapshot()) >= 1 })
	assert.True(t, led.snapshot()[0])

	// Keep nudging the clock until the pulse completes.
	waitFor(t, func() bool {
		mc.Add(10 * time.Millisecond)
		return len(led.snapshot()) >= 2
	})
	assert.Equal(t, []bool{true, false}, led.snapshot()[:2])

	h.Stop()
	// The shutdown path forces the LED off.
	states := led.snapshot()
	assert.False(t, states[len(states)-1])
}

func TestHeartbeatStallWarning(t *testing.T) {
	mc := clock.NewMock()

	h := New(Opts{
		Namespace:      "test_heartbeat_stall",
		Interval:       time.Second,
		StallThreshold: 2 * time.Second,
		Clock:          mc,
	})

	base := mc.Now()
	h.noteBeat(base)
	h.noteBeat(base.Add(time.Second))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.stalls))

	// A 5s gap is well past the threshold.
	h.noteBeat(base.Add(6 * time.Second))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.stalls))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.beats))
}
