// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn scripts bus responses for driver tests.
type fakeConn struct {
	mutex    sync.Mutex
	reads    [][]byte          // responses for Read, in order
	regReads map[byte][][]byte // responses for ReadReg, per register
	writes   [][]byte          // every Write/WriteReg payload, in order
}

func (f *fakeConn) Write(_ uint16, w []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	cp := make([]byte, len(w))
	copy(cp, w)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeConn) Read(_ uint16, r []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	copy(r, f.reads[0])
	f.reads = f.reads[1:]
	return nil
}

func (f *fakeConn) ReadReg(_ uint16, reg byte, r []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	q := f.regReads[reg]
	copy(r, q[0])
	if len(q) > 1 {
		f.regReads[reg] = q[1:]
	}
	return nil
}

func (f *fakeConn) WriteReg(_ uint16, reg byte, values ...byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.writes = append(f.writes, append([]byte{reg}, values...))
	return nil
}

func word(v uint16) []byte {
	return encode16(nil, v)
}

func floatWords(f float64) []byte {
	bits := math.Float32bits(float32(f))
	out := encode16(nil, uint16(bits>>16))
	return encode16(out, uint16(bits&0xFFFF))
}

// measurement frames one 18 byte read measurement response.
func measurement(co2, temp, hum float64) []byte {
	out := floatWords(co2)
	out = append(out, floatWords(temp)...)
	return append(out, floatWords(hum)...)
}

func TestSCD30Framing(t *testing.T) {
	assert := assert.New(t)

	// CRC of 0xBEEF per the Sensirion datasheet example is 0x92.
	assert.Equal(byte(0x92), crc8(0xBE, 0xEF))

	v, err := decode16([]byte{0xBE, 0xEF, 0x92})
	assert.NoError(err)
	assert.Equal(uint16(0xBEEF), v)

	_, err = decode16([]byte{0xBE, 0xEF, 0x00})
	assert.ErrorIs(err, ErrCRC)

	assert.Equal([]byte{0xBE, 0xEF, 0x92}, encode16(nil, 0xBEEF))

	f, err := decodeFloat(floatWords(421.5))
	assert.NoError(err)
	assert.InDelta(421.5, f, 0.01)

	corrupt := floatWords(421.5)
	corrupt[5] ^= 0xFF
	_, err = decodeFloat(corrupt)
	assert.ErrorIs(err, ErrCRC)
}

func TestSCD30IntervalValidation(t *testing.T) {
	assert := assert.New(t)

	_, err := NewSCD30(SCD30Opts{Interval: time.Second})
	assert.ErrorIs(err, ErrBadInterval)
	_, err = NewSCD30(SCD30Opts{Interval: 2000 * time.Second})
	assert.ErrorIs(err, ErrBadInterval)
}

func TestSCD30ReadOnce(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	bus := &fakeConn{
		reads: [][]byte{
			word(150), // current temperature offset (1.5 °C)
			word(1),   // data ready
			measurement(421.5, 21.25, 43.75),
		},
	}

	s, err := NewSCD30(SCD30Opts{
		ID:       "scd30",
		Bus:      bus,
		Addr:     0x61,
		Interval: 60 * time.Second,
	})
	require.NoError(err)
	s.sleep = func(time.Duration) {}

	require.NoError(s.ReadOnce(context.Background()))

	export := s.Export()
	assert.InDelta(421.5, export["co2"].(float64), 0.01)
	assert.InDelta(21.25, export["temperature"].(float64), 0.01)
	assert.InDelta(43.75, export["humidity"].(float64), 0.01)
	assert.InDelta(1.5, export["temperature_offset"].(float64), 0.001)
	assert.False(export["t"].(time.Time).IsZero())

	// Initialization sent the measurement interval and enabled self
	// calibration, then continuous measurement started with no pressure
	// reference.
	assert.Equal(append([]byte{0x46, 0x00}, word(60)...), bus.writes[0])
	assert.Equal(append([]byte{0x53, 0x06}, word(1)...), bus.writes[2])
	assert.Equal(append([]byte{0x00, 0x10}, word(0)...), bus.writes[3])
}

func TestSCD30PressureReference(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	bus := &fakeConn{
		reads: [][]byte{
			word(0), // temperature offset
			word(1), // data ready
			measurement(400, 20, 40),
			word(1), // data ready, second cycle
			measurement(400, 20, 40),
		},
	}

	s, err := NewSCD30(SCD30Opts{
		ID: "scd30", Bus: bus, Addr: 0x61, Interval: 60 * time.Second,
	})
	require.NoError(err)
	s.sleep = func(time.Duration) {}

	require.NoError(s.ReadOnce(context.Background()))

	s.SetPressureReference(1013)
	require.NoError(s.ReadOnce(context.Background()))

	// The second cycle resubmitted continuous measurement with the
	// pressure reference.
	found := false
	for _, w := range bus.writes {
		if len(w) == 5 && w[0] == 0x00 && w[1] == 0x10 {
			if v, err := decode16(w[2:]); err == nil && v == 1013 {
				found = true
			}
		}
	}
	assert.True(found, "pressure reference never submitted")
}
