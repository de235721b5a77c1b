// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var errAlreadyStarted = errors.New("already started")

// PollerOpts configures a Poller.
type PollerOpts struct {
	// Sensor is the driver to poll.
	Sensor Reader

	// Interval between measurement cycles.
	Interval time.Duration

	// Output receives the sensor export after every successful cycle.
	Output Output

	// Namespace of the prometheus metrics published per numeric reading.
	Namespace string

	Logger *zap.Logger

	// Clock defaults to the wall clock; tests inject a mock.
	Clock clock.Clock
}

// Poller runs one sensor's measurement loop.  A failing cycle is logged
// and retried at the next tick; the loop only stops with the context.
type Poller struct {
	mutex    sync.Mutex
	sensor   Reader
	interval time.Duration
	output   Output
	clock    clock.Clock
	log      *zap.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Metrics and short term averages, created lazily per numeric field.
	namespace string
	gauges    map[string]prometheus.Gauge
	windows   map[string]*Window
}

func NewPoller(opts PollerOpts) *Poller {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	return &Poller{
		sensor:    opts.Sensor,
		interval:  interval,
		output:    opts.Output,
		clock:     c,
		log:       log.Named("sensor." + opts.Sensor.Kind()),
		namespace: opts.Namespace,
		gauges:    make(map[string]prometheus.Gauge),
		windows:   make(map[string]*Window),
	}
}

// Start launches the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.cancel != nil {
		return errAlreadyStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Stop halts the polling loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
		p.cancel = nil
	}
}

// Mean exposes the short term average of a numeric reading.
func (p *Poller) Mean(field string, over time.Duration) (float64, bool) {
	p.mutex.Lock()
	w, ok := p.windows[field]
	p.mutex.Unlock()
	if !ok {
		return 0, false
	}
	return w.Mean(over)
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	// First cycle right away; sensors with long intervals should not
	// stay silent for a full interval after boot.
	p.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	if err := p.sensor.ReadOnce(ctx); err != nil {
		p.log.Warn("measurement cycle failed", zap.Error(err))
		return
	}

	data := p.sensor.Export()
	p.record(data)

	if p.output != nil {
		_ = p.output.Write(ctx, p.sensor, data)
	}
}

func (p *Poller) record(data map[string]any) {
	for field, v := range data {
		value, ok := asFloat(v)
		if !ok {
			continue
		}

		p.mutex.Lock()
		g, ok := p.gauges[field]
		if !ok {
			g = promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: p.namespace,
				Subsystem: p.sensor.Kind(),
				Name:      field,
				Help:      p.sensor.Kind() + " " + field + " reading.",
			})
			p.gauges[field] = g
			p.windows[field] = NewWindow(512)
		}
		w := p.windows[field]
		p.mutex.Unlock()

		g.Set(value)
		w.Add(value)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
