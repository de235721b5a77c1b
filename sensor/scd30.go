// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ribbit-network/frog-agent/i2cbus"
	"github.com/ribbit-network/frog-agent/units"
)

// SCD30 command set.
const (
	scd30CmdContinuousMeasurement = 0x0010
	scd30CmdSetInterval           = 0x4600
	scd30CmdGetDataReady          = 0x0202
	scd30CmdReadMeasurement       = 0x0300
	scd30CmdSelfCalibration       = 0x5306
	scd30CmdForcedRecalibration   = 0x5204
	scd30CmdTemperatureOffset     = 0x5403
	scd30CmdSoftReset             = 0xD304
)

const scd30ReadDelay = 10 * time.Millisecond

var (
	ErrCRC         = errors.New("crc mismatch")
	ErrBadInterval = errors.New("measurement interval out of range")
)

// crc8Table is the CRC-8 table for polynomial 0x31, as used by the
// Sensirion word framing.
var crc8Table [256]byte

func init() {
	for i := 0; i < 256; i++ {
		crc := byte(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0x31
			} else {
				crc <<= 1
			}
		}
		crc8Table[i] = crc
	}
}

func crc8(a, b byte) byte {
	crc := byte(0xFF)
	crc = crc8Table[crc^a]
	crc = crc8Table[crc^b]
	return crc
}

// decode16 decodes a [MSB, LSB, CRC] word from the sensor.
func decode16(buf []byte) (uint16, error) {
	if crc8(buf[0], buf[1]) != buf[2] {
		return 0, ErrCRC
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

// decodeFloat decodes two CRC protected words into a big-endian float32.
func decodeFloat(buf []byte) (float64, error) {
	if crc8(buf[0], buf[1]) != buf[2] {
		return 0, ErrCRC
	}
	if crc8(buf[3], buf[4]) != buf[5] {
		return 0, ErrCRC
	}
	bits := binary.BigEndian.Uint32([]byte{buf[0], buf[1], buf[3], buf[4]})
	return float64(math.Float32frombits(bits)), nil
}

// encode16 appends a 16 bit value as a CRC protected word.
func encode16(dst []byte, v uint16) []byte {
	msb := byte(v >> 8)
	lsb := byte(v & 0xFF)
	return append(dst, msb, lsb, crc8(msb, lsb))
}

// SCD30Opts configures the CO2 sensor driver.
type SCD30Opts struct {
	ID       string
	Bus      i2cbus.Conn
	Addr     uint16
	Interval time.Duration
	Logger   *zap.Logger
}

// SCD30 reads CO2, temperature, and relative humidity from a Sensirion
// SCD30 over I2C.
type SCD30 struct {
	mutex sync.Mutex
	id    string
	bus   i2cbus.Conn
	addr  uint16
	log   *zap.Logger

	interval    time.Duration
	initialized bool

	// Ambient references pushed from the barometer; the sensor uses
	// them to compensate its own readings.
	pressureRef        float64
	pressureUpdated    bool
	temperatureRef     float64
	temperatureUpdated bool
	temperatureOffset  int // device units, 1/100 °C

	lastUpdate  time.Time
	co2         float64
	temperature float64
	humidity    float64

	// sleep is the inter-transfer delay the sensor needs; tests stub it.
	sleep func(time.Duration)
}

// NewSCD30 builds the driver.  The measurement interval must be within
// the 2s..1800s range the sensor accepts.
func NewSCD30(opts SCD30Opts) (*SCD30, error) {
	if opts.Interval < 2*time.Second || opts.Interval > 1800*time.Second {
		return nil, fmt.Errorf("%w: %v", ErrBadInterval, opts.Interval)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &SCD30{
		id:       opts.ID,
		bus:      opts.Bus,
		addr:     opts.Addr,
		log:      log.Named("scd30"),
		interval: opts.Interval,

		// The continuous measurement command must be sent once even
		// with no pressure reference.
		pressureUpdated: true,

		sleep: time.Sleep,
	}, nil
}

func (s *SCD30) ID() string   { return s.id }
func (s *SCD30) Kind() string { return "scd30" }

func (s *SCD30) readRegister(cmd uint16) (uint16, error) {
	if err := s.bus.Write(s.addr, []byte{byte(cmd >> 8), byte(cmd)}); err != nil {
		return 0, err
	}
	s.sleep(scd30ReadDelay)

	buf := make([]byte, 3)
	if err := s.bus.Read(s.addr, buf); err != nil {
		return 0, err
	}
	s.sleep(scd30ReadDelay)
	return decode16(buf)
}

func (s *SCD30) sendCommand(cmd uint16) error {
	err := s.bus.Write(s.addr, []byte{byte(cmd >> 8), byte(cmd)})
	s.sleep(scd30ReadDelay)
	return err
}

func (s *SCD30) sendCommandValue(cmd, value uint16) error {
	buf := []byte{byte(cmd >> 8), byte(cmd)}
	buf = encode16(buf, value)
	err := s.bus.Write(s.addr, buf)
	s.sleep(scd30ReadDelay)
	return err
}

// SetPressureReference feeds the ambient pressure into the sensor's CO2
// compensation at the next cycle.
func (s *SCD30) SetPressureReference(p units.Pressure) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.pressureRef = float64(p)
	s.pressureUpdated = true
}

// SetTemperatureReference submits a trusted ambient temperature (°C); the
// sensor's self-heating offset is adjusted from the difference at the
// next cycle.
func (s *SCD30) SetTemperatureReference(celsius float64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.temperatureRef = celsius
	s.temperatureUpdated = true
}

// ForceRecalibration pins the CO2 scale to a known reference value (ppm).
func (s *SCD30) ForceRecalibration(ppm uint16) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.sendCommandValue(scd30CmdForcedRecalibration, ppm)
}

func (s *SCD30) initialize() error {
	if err := s.sendCommandValue(scd30CmdSetInterval, uint16(s.interval/time.Second)); err != nil {
		return err
	}

	offset, err := s.readRegister(scd30CmdTemperatureOffset)
	if err != nil {
		return err
	}
	s.temperatureOffset = int(offset)
	s.log.Info("current temperature offset",
		zap.Float64("celsius", float64(offset)/100))

	if err := s.sendCommandValue(scd30CmdSelfCalibration, 1); err != nil {
		return err
	}

	s.initialized = true
	return nil
}

func (s *SCD30) waitMeasurement(ctx context.Context) error {
	for {
		status, err := s.readRegister(scd30CmdGetDataReady)
		if err != nil {
			return err
		}
		if status != 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.sleep(100 * time.Millisecond)
	}
}

// ReadOnce runs one measurement cycle.
func (s *SCD30) ReadOnce(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.initialized {
		if err := s.initialize(); err != nil {
			return err
		}
	}

	if s.pressureUpdated {
		if s.pressureRef != 0 {
			s.log.Info("submitting pressure reference",
				zap.Float64("hpa", s.pressureRef))
		}
		if err := s.sendCommandValue(scd30CmdContinuousMeasurement, uint16(s.pressureRef)); err != nil {
			return err
		}
		s.pressureUpdated = false
	}

	if s.temperatureUpdated && !s.lastUpdate.IsZero() {
		offset := int(s.temperature*100) - int(s.temperatureRef*100) + s.temperatureOffset
		if offset < 0 {
			offset = 0
		}
		s.log.Info("submitting temperature offset",
			zap.Float64("celsius", float64(offset)/100))
		if err := s.sendCommandValue(scd30CmdTemperatureOffset, uint16(offset)); err != nil {
			return err
		}
		s.temperatureOffset = offset
		s.temperatureUpdated = false
	}

	if err := s.waitMeasurement(ctx); err != nil {
		return err
	}

	if err := s.sendCommand(scd30CmdReadMeasurement); err != nil {
		return err
	}

	buf := make([]byte, 18)
	if err := s.bus.Read(s.addr, buf); err != nil {
		return err
	}

	co2, err := decodeFloat(buf[0:6])
	if err != nil {
		return err
	}
	temperature, err := decodeFloat(buf[6:12])
	if err != nil {
		return err
	}
	humidity, err := decodeFloat(buf[12:18])
	if err != nil {
		return err
	}

	s.co2 = co2
	s.temperature = temperature
	s.humidity = humidity
	s.lastUpdate = time.Now().UTC()
	return nil
}

func (s *SCD30) Export() map[string]any {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return map[string]any{
		"t":                  s.lastUpdate,
		"co2":                s.co2,
		"temperature":        s.temperature,
		"temperature_offset": float64(s.temperatureOffset) / 100,
		"humidity":           s.humidity,
	}
}

func (s *SCD30) Metadata() map[string]FieldMeta {
	return map[string]FieldMeta{
		"co2": {
			Label: "CO2", Class: "carbon_dioxide", Unit: "ppm", Precision: 0,
		},
		"temperature": {
			Label: "Temperature", Class: "temperature", Unit: "°C", Precision: 1,
		},
		"humidity": {
			Label: "Humidity", Class: "humidity", Unit: "%", Precision: 1,
		},
		"temperature_offset": {
			Label: "Temperature offset", Class: "temperature", Unit: "°C",
			Precision: 2, Diagnostic: true,
		},
	}
}
