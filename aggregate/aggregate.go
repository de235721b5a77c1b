// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package aggregate merges the latest reading of every sensor into one
// datapoint document and ships it upstream on a fixed cadence.  It also
// feeds the barometer's pressure into the CO2 sensor, which needs an
// ambient pressure reference for compensation.
package aggregate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ribbit-network/frog-agent/sensor"
	"github.com/ribbit-network/frog-agent/units"
)

// DefaultInterval between datapoint posts.
const DefaultInterval = 5 * time.Second

var errAlreadyStarted = errors.New("aggregator already started")

// Poster ships one merged document upstream.  Satisfied by
// *golioth.Service.
type Poster interface {
	PostDatapoint(ctx context.Context, doc any) error
}

// PressureSource yields the current ambient pressure.  Satisfied
// by *sensor.DPS310.
type PressureSource interface {
	Pressure() (units.Pressure, bool)
}

// PressureSink accepts an ambient pressure reference.  Satisfied
// by *sensor.SCD30.
type PressureSink interface {
	SetPressureReference(p units.Pressure)
}

// Opts configures an Aggregator.
type Opts struct {
	Poster   Poster
	Interval time.Duration

	// PressureSource and PressureSink, when both set, cross-feed the
	// barometer into the CO2 sensor every cycle.
	PressureSource PressureSource
	PressureSink   PressureSink

	Logger *zap.Logger
	Clock  clock.Clock
}

// Aggregator snapshots all registered sensors into one document.
type Aggregator struct {
	mutex   sync.Mutex
	sensors []sensor.Sensor

	poster         Poster
	interval       time.Duration
	pressureSource PressureSource
	pressureSink   PressureSink
	clock          clock.Clock
	log            *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Opts) *Aggregator {
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
		interval = DefaultInterval
	}

	return &Aggregator{
		poster:         opts.Poster,
		interval:       interval,
		pressureSource: opts.PressureSource,
		pressureSink:   opts.PressureSink,
		clock:          c,
		log:            log.Named("aggregate"),
	}
}

// Add registers a sensor for inclusion in the datapoint document.
func (a *Aggregator) Add(s sensor.Sensor) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.sensors = append(a.sensors, s)
}

func (a *Aggregator) Start(ctx context.Context) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.cancel != nil {
		return errAlreadyStarted
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	// The ticker must exist before Start returns so the first cycle
	// cannot be missed while the run loop comes up.
	ticker := a.clock.Ticker(a.interval)
	go a.run(ctx, ticker)
	return nil
}

func (a *Aggregator) Stop() {
	a.mutex.Lock()
	cancel := a.cancel
	done := a.done
	a.cancel = nil
	a.mutex.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (a *Aggregator) run(ctx context.Context, ticker *clock.Ticker) {
	defer close(a.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

func (a *Aggregator) cycle(ctx context.Context) {
	if a.pressureSource != nil && a.pressureSink != nil {
		if p, ok := a.pressureSource.Pressure(); ok {
			a.pressureSink.SetPressureReference(p)
		}
	}

	doc := a.Snapshot()
	if len(doc) == 0 || a.poster == nil {
		return
	}

	if err := a.poster.PostDatapoint(ctx, doc); err != nil {
		a.log.Debug("datapoint not delivered", zap.Error(err))
	}
}

// Snapshot merges every sensor's exported fields, keyed by sensor kind.
func (a *Aggregator) Snapshot() map[string]any {
	a.mutex.Lock()
	sensors := append([]sensor.Sensor(nil), a.sensors...)
	a.mutex.Unlock()

	doc := make(map[string]any, len(sensors))
	for _, s := range sensors {
		data := s.Export()
		if len(data) == 0 {
			continue
		}
		doc[s.Kind()] = data
	}
	return doc
}
