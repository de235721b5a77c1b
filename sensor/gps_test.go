// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeTimeSink struct {
	times []time.Time
}

func (f *fakeTimeSink) SetFromGPS(t time.Time) {
	f.times = append(f.times, t)
}

func TestGPSSentences(t *testing.T) {
	assert := assert.New(t)

	sink := &fakeTimeSink{}
	g := NewGPS(GPSOpts{ID: "gps", Port: "/dev/ttyUSB0", TimeSink: sink})

	stream := strings.Join([]string{
		// ZDA before any fix must be ignored.
		"$GNZDA,160012.00,11,03,2023,00,00*7C",
		// No-fix GGA.
		"$GNGGA,001043.00,,,,,0,00,99.99,,,,,,*7E",
		// Fix.
		"$GNGGA,001043.00,4404.14036,N,12118.85961,W,1,12,0.98,1113.0,M,-21.3,M,,*47",
		// ZDA with a fix held feeds the time sink.
		"$GNZDA,160012.00,11,03,2023,00,00*7C",
		// Line noise must not break the reader.
		"garbage",
	}, "\r\n")

	g.readSentences(strings.NewReader(stream))

	export := g.Export()
	assert.Equal(true, export["has_fix"])
	assert.Equal(int64(12), export["satellites_count"])

	// Coordinates are rounded to two decimals before storage.
	assert.InDelta(44.07, export["latitude"].(float64), 0.0001)
	assert.InDelta(-121.31, export["longitude"].(float64), 0.0001)
	assert.InDelta(1113.0, export["altitude"].(float64), 0.001)
	assert.InDelta(-21.3, export["geoid_height"].(float64), 0.001)

	if assert.Len(sink.times, 1) {
		assert.Equal(
			time.Date(2023, time.March, 11, 16, 0, 12, 0, time.UTC),
			sink.times[0])
	}
}

func TestObfuscate(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(44.07, obfuscate(44.069006))
	assert.Equal(-121.31, obfuscate(-121.31433))
	assert.Equal(0.0, obfuscate(0.0))
}
