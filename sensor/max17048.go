// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/ribbit-network/frog-agent/i2cbus"
)

// MAX17048 registers.
const (
	max17048RegVCell = 0x02
	max17048RegSOC   = 0x04
)

// max17048VCellLSB is the cell voltage resolution, 78.125 µV per bit.
const max17048VCellLSB = 78.125 / 1_000_000

// Battery reads the cell voltage and state of charge from the MAX17048
// fuel gauge.
type Battery struct {
	mutex sync.Mutex
	id    string
	bus   i2cbus.Conn
	addr  uint16

	lastUpdate time.Time
	voltage    float64
	charge     float64
}

func NewBattery(id string, bus i2cbus.Conn, addr uint16) *Battery {
	return &Battery{id: id, bus: bus, addr: addr}
}

func (b *Battery) ID() string   { return b.id }
func (b *Battery) Kind() string { return "battery" }

func (b *Battery) ReadOnce(_ context.Context) error {
	buf := make([]byte, 2)
	if err := b.bus.ReadReg(b.addr, max17048RegVCell, buf); err != nil {
		return err
	}
	voltage := float64(binary.BigEndian.Uint16(buf)) * max17048VCellLSB

	if err := b.bus.ReadReg(b.addr, max17048RegSOC, buf); err != nil {
		return err
	}
	// State of charge in 1/256 % units.
	charge := float64(binary.BigEndian.Uint16(buf)) / 256

	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.voltage = voltage
	b.charge = charge
	b.lastUpdate = time.Now().UTC()
	return nil
}

func (b *Battery) Export() map[string]any {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return map[string]any{
		"t":       b.lastUpdate,
		"voltage": b.voltage,
		"charge":  b.charge,
	}
}

func (b *Battery) Metadata() map[string]FieldMeta {
	return map[string]FieldMeta{
		"voltage": {
			Label: "Battery voltage", Class: "voltage", Unit: "V", Precision: 3,
		},
		"charge": {
			Label: "Battery charge", Class: "battery", Unit: "%", Precision: 1,
		},
	}
}
