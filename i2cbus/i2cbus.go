// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package i2cbus provides the shared, mutex guarded I2C bus all sensor
// drivers hang off of.
package i2cbus

import (
	"errors"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
)

var (
	errAlreadyOpen = errors.New("bus already open")
	errNotOpen     = errors.New("bus not open")
)

// Conn is the sensor facing view of the bus.  All transactions are
// serialized; a driver never observes another driver mid-transfer.
type Conn interface {
	// Write sends w to the device at addr.
	Write(addr uint16, w []byte) error

	// Read fills r from the device at addr.
	Read(addr uint16, r []byte) error

	// ReadReg writes the register address then fills r.
	ReadReg(addr uint16, reg byte, r []byte) error

	// WriteReg writes the register address followed by values.
	WriteReg(addr uint16, reg byte, values ...byte) error
}

// Bus wraps a periph.io I2C bus.
type Bus struct {
	mutex sync.Mutex
	name  string
	speed physic.Frequency
	bus   i2c.BusCloser
	open  func(name string) (i2c.BusCloser, error)
}

// New returns a bus for the named I2C device (for example "/dev/i2c-1" or
// "1").  The sensor stack runs the bus at 50 kHz; some of the sensors do
// not tolerate more.
func New(name string, speed physic.Frequency) *Bus {
	return &Bus{
		name:  name,
		speed: speed,
		open: func(name string) (i2c.BusCloser, error) {
			return i2creg.Open(name)
		},
	}
}

// Open claims the bus.
func (b *Bus) Open() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.bus != nil {
		return errAlreadyOpen
	}

	bus, err := b.open(b.name)
	if err != nil {
		return err
	}
	if b.speed != 0 {
		if err := bus.SetSpeed(b.speed); err != nil {
			_ = bus.Close()
			return err
		}
	}

	b.bus = bus
	return nil
}

// Close releases the bus.
func (b *Bus) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.bus == nil {
		return nil
	}
	err := b.bus.Close()
	b.bus = nil
	return err
}

func (b *Bus) tx(addr uint16, w, r []byte) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.bus == nil {
		return errNotOpen
	}
	return b.bus.Tx(addr, w, r)
}

func (b *Bus) Write(addr uint16, w []byte) error {
	return b.tx(addr, w, nil)
}

func (b *Bus) Read(addr uint16, r []byte) error {
	return b.tx(addr, nil, r)
}

func (b *Bus) ReadReg(addr uint16, reg byte, r []byte) error {
	return b.tx(addr, []byte{reg}, r)
}

func (b *Bus) WriteReg(addr uint16, reg byte, values ...byte) error {
	w := make([]byte, 0, 1+len(values))
	w = append(w, reg)
	w = append(w, values...)
	return b.tx(addr, w, nil)
}
