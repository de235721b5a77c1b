// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSensor struct {
	mutex sync.Mutex
	kind  string
	reads int
	fail  bool
}

func (f *fakeSensor) ID() string   { return f.kind + "-0" }
func (f *fakeSensor) Kind() string { return f.kind }

func (f *fakeSensor) ReadOnce(ctx context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.reads++
	if f.fail {
		return errors.New("sensor broken")
	}
	return nil
}

func (f *fakeSensor) Export() map[string]any {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return map[string]any{"value": float64(f.reads)}
}

func (f *fakeSensor) Metadata() map[string]FieldMeta {
	return map[string]FieldMeta{"value": {Label: "Value"}}
}

func (f *fakeSensor) readCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.reads
}

type captureOutput struct {
	mutex  sync.Mutex
	writes []map[string]any
}

func (c *captureOutput) Write(_ context.Context, _ Sensor, data map[string]any) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *captureOutput) count() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.writes)
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
	t.Fatal("condition never became true")
}

func TestPollerCycles(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mc := clock.NewMock()
	s := &fakeSensor{kind: "pollertest"}
	out := &captureOutput{}

	p := NewPoller(PollerOpts{
		Sensor:    s,
		Interval:  time.Minute,
		Output:    out,
		Namespace: "pollertest",
		Clock:     mc,
	})

	require.NoError(p.Start(context.Background()))
	assert.ErrorIs(p.Start(context.Background()), errAlreadyStarted)
	defer p.Stop()

	// The first cycle runs immediately.
	waitFor(t, func() bool { return out.count() == 1 })

	mc.Add(time.Minute)
	waitFor(t, func() bool { return out.count() == 2 })
	mc.Add(2 * time.Minute)
	waitFor(t, func() bool { return out.count() >= 3 })

	mean, ok := p.Mean("value", time.Hour)
	assert.True(ok)
	assert.Greater(mean, 0.0)

	_, ok = p.Mean("nonexistent", time.Hour)
	assert.False(ok)
}

func TestPollerKeepsGoingOnError(t *testing.T) {
	require := require.New(t)

	mc := clock.NewMock()
	s := &fakeSensor{kind: "pollererr", fail: true}
	out := &captureOutput{}

	p := NewPoller(PollerOpts{
		Sensor:   s,
		Interval: time.Minute,
		Output:   out,
		Clock:    mc,
	})

	require.NoError(p.Start(context.Background()))
	defer p.Stop()

	waitFor(t, func() bool { return s.readCount() == 1 })
	mc.Add(time.Minute)
	waitFor(t, func() bool { return s.readCount() == 2 })

	// Failed cycles publish nothing.
	require.Equal(0, out.count())
}

func TestFanout(t *testing.T) {
	assert := assert.New(t)

	a := &captureOutput{}
	b := &captureOutput{}

	f := NewFanout(nil)
	f.Add(a)
	f.Add(b)

	s := &fakeSensor{kind: "fanouttest"}
	assert.NoError(f.Write(context.Background(), s, map[string]any{"value": 1.0}))
	assert.Equal(1, a.count())
	assert.Equal(1, b.count())
}

func TestWindowMean(t *testing.T) {
	assert := assert.New(t)

	mc := clock.NewMock()
	w := NewWindow(4)
	w.clock = mc

	_, ok := w.Mean(time.Minute)
	assert.False(ok)

	w.Add(1)
	mc.Add(10 * time.Second)
	w.Add(2)
	mc.Add(10 * time.Second)
	w.Add(3)

	mean, ok := w.Mean(time.Minute)
	assert.True(ok)
	assert.InDelta(2.0, mean, 0.001)

	// Only the samples inside the interval count.
	mean, ok = w.Mean(15 * time.Second)
	assert.True(ok)
	assert.InDelta(2.5, mean, 0.001)

	// The window is bounded.
	w.Add(4)
	w.Add(5)
	w.Add(6)
	mean, _ = w.Mean(time.Hour)
	assert.InDelta((3.0+4+5+6)/4, mean, 0.001)
}
