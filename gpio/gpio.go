// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package gpio drives the board's output pins: the sensor power rail and
// the status LED.
package gpio

import (
	"errors"
	"fmt"
	"sync"

	pin "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"github.com/ribbit-network/frog-agent/board"
)

var (
	errNotFound = errors.New("gpio pin not found")
	errClosed   = errors.New("gpio pin closed")
)

// byName is replaced in tests.
var byName = gpioreg.ByName

// Output is a single GPIO output pin.
type Output struct {
	m      sync.Mutex
	pin    pin.PinIO
	closed bool
}

// Open claims the pin and drives it to the initial level.
func Open(p board.Pin, initial bool) (*Output, error) {
	io := byName(fmt.Sprintf("GPIO%d", p))
	if io == nil {
		return nil, fmt.Errorf("%w: GPIO%d", errNotFound, p)
	}
	out := &Output{pin: io}
	if err := out.Set(initial); err != nil {
		return nil, err
	}
	return out, nil
}

// Set drives the pin high or low.
func (o *Output) Set(level bool) error {
	o.m.Lock()
	defer o.m.Unlock()

	if o.closed {
		return errClosed
	}
	return o.pin.Out(pin.Level(level))
}

// Func adapts the pin for callers that take a plain setter.
func (o *Output) Func() func(bool) {
	return func(level bool) {
		_ = o.Set(level)
	}
}

// Close drives the pin low and releases it.
func (o *Output) Close() error {
	o.m.Lock()
	defer o.m.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true
	if err := o.pin.Out(pin.Low); err != nil {
		return err
	}
	return o.pin.Halt()
}
