// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package sensor defines the sensor contract and the polling machinery
// shared by all drivers.
package sensor

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// FieldMeta describes one exported measurement for the dashboards and the
// Home Assistant discovery payloads.
type FieldMeta struct {
	// Label is the human readable name of the measurement.
	Label string

	// Class is the measurement class (temperature, pressure, ...).
	Class string

	// Unit is the unit of measurement as displayed.
	Unit string

	// Precision is the suggested display precision in digits.
	Precision int

	// Diagnostic marks measurements about the device itself rather than
	// the environment.
	Diagnostic bool
}

// Sensor is a source of measurements.
type Sensor interface {
	// ID is the configured instance identifier.
	ID() string

	// Kind is the driver name (scd30, dps310, ...).
	Kind() string

	// Export returns the latest readings keyed by measurement name.  The
	// "t" key carries the time of the last successful read.
	Export() map[string]any

	// Metadata describes the exported measurements.
	Metadata() map[string]FieldMeta
}

// Reader is implemented by sensors that are polled at a fixed interval.
type Reader interface {
	Sensor

	// ReadOnce performs one measurement cycle.
	ReadOnce(ctx context.Context) error
}

// Output consumes sensor readings.
type Output interface {
	Write(ctx context.Context, s Sensor, data map[string]any) error
}

// Fanout copies every reading to all registered outputs.
type Fanout struct {
	mutex   sync.Mutex
	outputs []Output
	log     *zap.Logger
}

func NewFanout(log *zap.Logger) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fanout{log: log.Named("output")}
}

// Add registers an output.  Outputs added after readings started flowing
// only see subsequent readings.
func (f *Fanout) Add(out Output) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.outputs = append(f.outputs, out)
}

// Write delivers the reading to every output.  A failing output is logged
// and does not block the others.
func (f *Fanout) Write(ctx context.Context, s Sensor, data map[string]any) error {
	f.mutex.Lock()
	outputs := make([]Output, len(f.outputs))
	copy(outputs, f.outputs)
	f.mutex.Unlock()

	for _, out := range outputs {
		if err := out.Write(ctx, s, data); err != nil {
			f.log.Warn("sensor output failed",
				zap.String("sensor", s.ID()), zap.Error(err))
		}
	}
	return nil
}
