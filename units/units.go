// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package units holds the typed physical quantities the sensors report.
package units

import (
	"fmt"
	"strconv"
	"strings"
)

// Temperature is stored as a float64 in degrees Celsius.
type Temperature float64

// ParseTemperature sets the temperature based on the string provided.
// Both a number and units are required.
func ParseTemperature(s string) (Temperature, error) {
	list := []struct {
		suffix string
		toC    func(float64) float64
	}{
		{suffix: "°c", toC: func(n float64) float64 { return n }},
		{suffix: "c", toC: func(n float64) float64 { return n }},
		{suffix: "°f", toC: func(n float64) float64 { return (n - 32.0) * 5 / 9 }},
		{suffix: "f", toC: func(n float64) float64 { return (n - 32.0) * 5 / 9 }},
		{suffix: "k", toC: func(n float64) float64 { return n - 273.15 }},
	}

	known := make([]string, 0, len(list))
	for _, unit := range list {
		if strings.HasSuffix(strings.ToLower(s), unit.suffix) {
			n, err := strconv.ParseFloat(strings.TrimSpace(s[:len(s)-len(unit.suffix)]), 64)
			if err != nil {
				return 0.0, fmt.Errorf("%w: '%s' %v", ErrInvalidUnit, s, err)
			}
			return Temperature(unit.toC(n)), nil
		}
		known = append(known, unit.suffix)
	}

	return 0.0, fmt.Errorf("%w: unknown unit for '%s' valid: %s",
		ErrInvalidUnit, s, strings.Join(known, ", "))
}

// Fahrenheit returns the temperature as a floating point in °F.
func (t Temperature) Fahrenheit() float64 {
	return float64(t)*9/5 + 32.0
}

// String returns the temperature formatted as a string in °C.
func (t Temperature) String() string {
	return fmt.Sprintf("%.2f°C", float64(t))
}

// Pressure is stored as a float64 in hectopascals.
type Pressure float64

// Pascals returns the pressure as a floating point in Pa.
func (p Pressure) Pascals() float64 {
	return float64(p) * 100.0
}

// String returns the pressure formatted as a string in hPa.
func (p Pressure) String() string {
	return fmt.Sprintf("%.1fhPa", float64(p))
}

// Concentration is stored as a float64 in parts per million.
type Concentration float64

// String returns the concentration formatted as a string in ppm.
func (c Concentration) String() string {
	return fmt.Sprintf("%.0fppm", float64(c))
}

// Voltage is stored as a float64 in volts.
type Voltage float64

// String returns the voltage formatted as a string in V.
func (v Voltage) String() string {
	return fmt.Sprintf("%.3fV", float64(v))
}

// RelativeHumidity is stored as a float64 in percent.
type RelativeHumidity float64

// String returns the humidity formatted as a string in %.
func (h RelativeHumidity) String() string {
	return fmt.Sprintf("%.1f%%", float64(h))
}
