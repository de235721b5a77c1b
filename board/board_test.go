// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	valid := Definition{
		Name:              "test board",
		MCU:               "ESP32-S3",
		I2C0SCL:           4,
		I2C0SDA:           3,
		I2CPowerPin:       7,
		StatusLEDPowerPin: 21,
		StatusLEDDataPin:  33,
	}

	tests := []struct {
		description string
		alter       func(*Definition)
		expectErr   error
	}{
		{
			description: "valid definition",
		}, {
			description: "empty board name",
			alter:       func(d *Definition) { d.Name = "" },
			expectErr:   ErrInvalidBoard,
		}, {
			description: "empty mcu name",
			alter:       func(d *Definition) { d.MCU = "" },
			expectErr:   ErrInvalidBoard,
		}, {
			description: "pin above the gpio matrix",
			alter:       func(d *Definition) { d.I2C0SCL = 49 },
			expectErr:   ErrInvalidBoard,
		}, {
			description: "negative pin",
			alter:       func(d *Definition) { d.StatusLEDDataPin = -1 },
			expectErr:   ErrInvalidBoard,
		}, {
			description: "scl and sda collide",
			alter:       func(d *Definition) { d.I2C0SDA = d.I2C0SCL },
			expectErr:   ErrInvalidBoard,
		}, {
			description: "led pin collides with power pin",
			alter:       func(d *Definition) { d.StatusLEDPowerPin = 7 },
			expectErr:   ErrInvalidBoard,
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			assert := assert.New(t)

			d := valid
			if tc.alter != nil {
				tc.alter(&d)
			}

			err := d.Validate()
			if tc.expectErr == nil {
				assert.NoError(err)
				return
			}
			assert.ErrorIs(err, tc.expectErr)
		})
	}
}

func TestFrogSensorV4(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	d, err := Lookup("Ribbit Frog Sensor v4")
	require.NoError(err)

	assert.Equal("ESP32-S3", d.MCU)

	// The v4 board compiles the radio and storage subsystems out.
	assert.False(d.Features.Bluetooth)
	assert.False(d.Features.DAC)
	assert.False(d.Features.ESPNow)
	assert.False(d.Features.I2S)
	assert.False(d.Features.SDCard)

	// External USB-UART, so the console and interpreter stay on.
	assert.True(d.Features.UARTConsole)
	assert.True(d.Features.Interpreter)

	assert.Equal(Pin(4), d.I2C0SCL)
	assert.Equal(Pin(3), d.I2C0SDA)

	assert.NoError(d.Validate())
}

func TestRegistry(t *testing.T) {
	assert := assert.New(t)

	d := Definition{
		Name:              "registry test board",
		MCU:               "ESP32-S3",
		I2C0SCL:           4,
		I2C0SDA:           3,
		I2CPowerPin:       7,
		StatusLEDPowerPin: 21,
		StatusLEDDataPin:  33,
	}

	assert.NoError(Register(d))

	// Each board name may only be defined once.
	assert.ErrorIs(Register(d), ErrAlreadyExists)

	got, err := Lookup(d.Name)
	assert.NoError(err)
	assert.Equal(d, got)

	_, err = Lookup("no such board")
	assert.ErrorIs(err, ErrUnknownBoard)

	assert.Contains(Names(), d.Name)

	invalid := d
	invalid.Name = "invalid board"
	invalid.I2C0SCL = 200
	assert.ErrorIs(Register(invalid), ErrInvalidBoard)
}
