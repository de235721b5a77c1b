// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package board holds the static hardware descriptions for the frog sensor
// family.  A Definition is a plain table of feature switches and pin
// assignments; it performs no I/O and never changes after registration.
// The rest of the agent gates optional subsystems on these flags.
package board

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownBoard  = errors.New("unknown board")
	ErrAlreadyExists = errors.New("board already registered")
	ErrInvalidBoard  = errors.New("invalid board definition")
)

// maxGPIO is the highest pin number in the ESP32-S3 GPIO matrix.
const maxGPIO = 48

// Pin is a pin number in the MCU's GPIO matrix.
type Pin int

// Features selects which optional subsystems are active for a board.
// Every field mirrors a compile-time switch of the original firmware.
type Features struct {
	// Bluetooth enables the BLE stack (Improv provisioning).
	Bluetooth bool

	// DAC enables the digital-to-analog converter driver.
	DAC bool

	// ESPNow enables the peer-to-peer radio protocol.
	ESPNow bool

	// I2S enables the I2S audio bus driver.
	I2S bool

	// SDCard enables the SD-card driver.
	SDCard bool

	// UARTConsole enables the interactive console on the external UART.
	UARTConsole bool

	// Interpreter enables on-device script execution from the console.
	Interpreter bool
}

// Definition describes one hardware variant.  Values are fixed at build
// time; a Definition must pass Validate before it can be registered.
type Definition struct {
	// Name is the human readable board identity.
	Name string

	// MCU is the target chip family.
	MCU string

	Features Features

	// I2C0SCL and I2C0SDA are the pins of the main sensor bus.
	I2C0SCL Pin
	I2C0SDA Pin

	// I2CPowerPin switches the power rail of the sensor bus.
	I2CPowerPin Pin

	// StatusLEDPowerPin and StatusLEDDataPin drive the heartbeat pixel.
	StatusLEDPowerPin Pin
	StatusLEDDataPin  Pin

	// Fixed I2C addresses of the on-board peripherals.
	GPSAddr     uint16
	SCD30Addr   uint16
	DPS310Addr  uint16
	BatteryAddr uint16
}

// Validate performs the structural checks on the definition: non-empty
// identity strings, every pin inside the GPIO matrix, and no two assigned
// pins colliding.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty board name", ErrInvalidBoard)
	}
	if d.MCU == "" {
		return fmt.Errorf("%w: empty MCU name", ErrInvalidBoard)
	}

	pins := map[string]Pin{
		"i2c0_scl":         d.I2C0SCL,
		"i2c0_sda":         d.I2C0SDA,
		"i2c_power":        d.I2CPowerPin,
		"status_led_power": d.StatusLEDPowerPin,
		"status_led_data":  d.StatusLEDDataPin,
	}

	names := make([]string, 0, len(pins))
	for name := range pins {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[Pin]string, len(pins))
	for _, name := range names {
		pin := pins[name]
		if pin < 0 || pin > maxGPIO {
			return fmt.Errorf("%w: pin %s=%d outside the GPIO matrix (0..%d)",
				ErrInvalidBoard, name, pin, maxGPIO)
		}
		if other, ok := seen[pin]; ok {
			return fmt.Errorf("%w: pin %d assigned to both %s and %s",
				ErrInvalidBoard, pin, other, name)
		}
		seen[pin] = name
	}

	return nil
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]Definition)
)

// Register adds a board definition to the registry.  Each board name may
// be registered at most once.
func Register(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := registry[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, d.Name)
	}
	registry[d.Name] = d
	return nil
}

// Lookup returns the definition registered under name.
func Lookup(name string) (Definition, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	d, ok := registry[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownBoard, name)
	}
	return d, nil
}

// Names returns the sorted names of all registered boards.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
