// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ribbit-network/frog-agent/i2cbus"
	"github.com/ribbit-network/frog-agent/units"
)

// DPS310 registers.
const (
	dps310RegPressure    = 0x00
	dps310RegTemperature = 0x03
	dps310RegPressureCfg = 0x06
	dps310RegTempCfg     = 0x07
	dps310RegMeasCfg     = 0x08
	dps310RegCfg         = 0x09
	dps310RegReset       = 0x0C
	dps310RegProductID   = 0x0D
	dps310RegCoefficient = 0x10
	dps310RegTempSource  = 0x28
)

// Compensation scale factor per oversampling setting.
var dps310ScaleFactors = []float64{
	524288, 1572864, 3670016, 7864320, 253952, 516096, 1040384, 2088960,
}

// DPS310Opts configures the barometer driver.
type DPS310Opts struct {
	ID   string
	Bus  i2cbus.Conn
	Addr uint16

	// PressureOversampling and TemperatureOversampling index the scale
	// factor table (0..7); both default to 6.
	PressureOversampling    int
	TemperatureOversampling int

	Logger *zap.Logger
}

// DPS310 reads barometric pressure and temperature from an Infineon
// DPS310 over I2C.
type DPS310 struct {
	mutex sync.Mutex
	id    string
	bus   i2cbus.Conn
	addr  uint16
	log   *zap.Logger

	pressureScale    float64
	temperatureScale float64
	pressureCfg      byte
	temperatureCfg   byte
	cfgReg           byte

	initialized                       bool
	c0, c1                            int32
	c00, c10, c01, c11, c20, c21, c30 int32

	lastUpdate  time.Time
	temperature float64
	pressure    float64

	sleep func(time.Duration)
}

// NewDPS310 builds the driver.
func NewDPS310(opts DPS310Opts) (*DPS310, error) {
	pOS := opts.PressureOversampling
	if pOS == 0 {
		pOS = 6
	}
	tOS := opts.TemperatureOversampling
	if tOS == 0 {
		tOS = 6
	}
	if pOS < 0 || pOS > 7 || tOS < 0 || tOS > 7 {
		return nil, fmt.Errorf("oversampling out of range: pressure=%d temperature=%d", pOS, tOS)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	d := &DPS310{
		id:   opts.ID,
		bus:  opts.Bus,
		addr: opts.Addr,
		log:  log.Named("dps310"),

		pressureScale:    dps310ScaleFactors[pOS],
		temperatureScale: dps310ScaleFactors[tOS],
		pressureCfg:      byte(pOS),
		// Temperature measurements use the external (MEMS) element.
		temperatureCfg: byte(1<<7 | tOS),

		sleep: time.Sleep,
	}

	// Result bit-shift is required above 8x oversampling.
	if pOS > 3 {
		d.cfgReg |= 1 << 2
	}
	if tOS > 3 {
		d.cfgReg |= 1 << 3
	}

	return d, nil
}

func (d *DPS310) ID() string   { return d.id }
func (d *DPS310) Kind() string { return "dps310" }

func twosComplement(v uint32, bits uint) int32 {
	if v>>(bits-1) != 0 {
		return int32(int64(v) - (1 << bits))
	}
	return int32(v)
}

func (d *DPS310) readRegister(reg byte, size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := d.bus.ReadReg(d.addr, reg, buf); err != nil {
		return nil, err
	}
	d.sleep(10 * time.Millisecond)
	return buf, nil
}

func (d *DPS310) writeRegister(reg, value byte) error {
	err := d.bus.WriteReg(d.addr, reg, value)
	d.sleep(10 * time.Millisecond)
	return err
}

func (d *DPS310) readCoefficients() error {
	buf, err := d.readRegister(dps310RegCoefficient, 18)
	if err != nil {
		return err
	}

	d.c0 = twosComplement(uint32(buf[0])<<4|uint32(buf[1])>>4, 12)
	d.c1 = twosComplement(uint32(buf[1]&0x0F)<<8|uint32(buf[2]), 12)
	d.c00 = twosComplement(uint32(buf[3])<<12|uint32(buf[4])<<4|uint32(buf[5])>>4, 20)
	d.c10 = twosComplement(uint32(buf[5]&0x0F)<<16|uint32(buf[6])<<8|uint32(buf[7]), 20)
	d.c01 = twosComplement(uint32(buf[8])<<8|uint32(buf[9]), 16)
	d.c11 = twosComplement(uint32(buf[10])<<8|uint32(buf[11]), 16)
	d.c20 = twosComplement(uint32(buf[12])<<8|uint32(buf[13]), 16)
	d.c21 = twosComplement(uint32(buf[14])<<8|uint32(buf[15]), 16)
	d.c30 = twosComplement(uint32(buf[16])<<8|uint32(buf[17]), 16)
	return nil
}

func (d *DPS310) readRawMeasurement(reg byte) (float64, error) {
	buf, err := d.readRegister(reg, 3)
	if err != nil {
		return 0, err
	}
	raw := twosComplement(uint32(buf[0])<<16|uint32(buf[1])<<8|uint32(buf[2]), 24)
	return float64(raw), nil
}

func (d *DPS310) waitStatus(ctx context.Context, bit uint) error {
	for {
		buf, err := d.readRegister(dps310RegMeasCfg, 1)
		if err != nil {
			return err
		}
		if (buf[0]>>bit)&0x01 != 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		d.sleep(10 * time.Millisecond)
	}
}

func (d *DPS310) initialize(ctx context.Context) error {
	if err := d.writeRegister(dps310RegReset, 0b1001); err != nil {
		return err
	}
	d.sleep(10 * time.Millisecond)

	if err := d.writeRegister(dps310RegTempSource, 1<<7); err != nil {
		return err
	}

	buf, err := d.readRegister(dps310RegProductID, 1)
	if err != nil {
		return err
	}
	d.log.Info("found barometer",
		zap.Uint8("rev_id", buf[0]>>4),
		zap.Uint8("prod_id", buf[0]&0x0F))

	// Wait for the coefficients, then for sensor readiness.
	if err := d.waitStatus(ctx, 7); err != nil {
		return err
	}
	if err := d.readCoefficients(); err != nil {
		return err
	}

	if err := d.writeRegister(dps310RegPressureCfg, d.pressureCfg); err != nil {
		return err
	}
	if err := d.writeRegister(dps310RegTempCfg, d.temperatureCfg); err != nil {
		return err
	}
	if err := d.writeRegister(dps310RegCfg, d.cfgReg); err != nil {
		return err
	}
	if err := d.waitStatus(ctx, 6); err != nil {
		return err
	}

	d.initialized = true
	return nil
}

// ReadOnce performs a one-shot temperature measurement followed by a
// one-shot pressure measurement and applies the compensation polynomial.
func (d *DPS310) ReadOnce(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.initialized {
		if err := d.initialize(ctx); err != nil {
			return err
		}
	}

	if err := d.writeRegister(dps310RegMeasCfg, 0x02); err != nil {
		return err
	}
	if err := d.waitStatus(ctx, 5); err != nil {
		return err
	}
	rawTemperature, err := d.readRawMeasurement(dps310RegTemperature)
	if err != nil {
		return err
	}
	rawTemperature /= d.temperatureScale
	d.temperature = 0.5*float64(d.c0) + rawTemperature*float64(d.c1)

	if err := d.writeRegister(dps310RegMeasCfg, 0x01); err != nil {
		return err
	}
	if err := d.waitStatus(ctx, 4); err != nil {
		return err
	}
	rawPressure, err := d.readRawMeasurement(dps310RegPressure)
	if err != nil {
		return err
	}
	rawPressure /= d.pressureScale

	// Datasheet compensation, result in hPa.
	d.pressure = (float64(d.c00) +
		rawPressure*(float64(d.c10)+rawPressure*(float64(d.c20)+rawPressure*float64(d.c30))) +
		rawTemperature*(float64(d.c01)+rawPressure*(float64(d.c11)+rawPressure*float64(d.c21)))) / 100

	d.lastUpdate = time.Now().UTC()
	return nil
}

// Pressure returns the last compensated pressure reading.
func (d *DPS310) Pressure() (units.Pressure, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return units.Pressure(d.pressure), !d.lastUpdate.IsZero()
}

// Temperature returns the last compensated temperature reading.
func (d *DPS310) Temperature() (units.Temperature, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return units.Temperature(d.temperature), !d.lastUpdate.IsZero()
}

func (d *DPS310) Export() map[string]any {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return map[string]any{
		"t":           d.lastUpdate,
		"temperature": d.temperature,
		"pressure":    d.pressure,
	}
}

func (d *DPS310) Metadata() map[string]FieldMeta {
	return map[string]FieldMeta{
		"pressure": {
			Label: "Pressure", Class: "pressure", Unit: "hPa", Precision: 1,
		},
		"temperature": {
			Label: "Temperature", Class: "temperature", Unit: "°C", Precision: 1,
		},
	}
}
