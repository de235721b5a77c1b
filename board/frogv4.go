// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package board

// FrogSensorV4 is the v4 frog sensor board.  The radio focused subsystems
// are compiled out on this variant; the console and the script interpreter
// stay on because v4 modules carry an external USB-UART instead of native
// USB.
var FrogSensorV4 = Definition{
	Name: "Ribbit Frog Sensor v4",
	MCU:  "ESP32-S3",

	Features: Features{
		Bluetooth:   false,
		DAC:         false,
		ESPNow:      false,
		I2S:         false,
		SDCard:      false,
		UARTConsole: true,
		Interpreter: true,
	},

	I2C0SCL: 4,
	I2C0SDA: 3,

	I2CPowerPin:       7,
	StatusLEDPowerPin: 21,
	StatusLEDDataPin:  33,

	GPSAddr:     0x10,
	SCD30Addr:   0x61,
	DPS310Addr:  0x77,
	BatteryAddr: 0x36,
}

func init() {
	if err := Register(FrogSensorV4); err != nil {
		panic(err)
	}
}
