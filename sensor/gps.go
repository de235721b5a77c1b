// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package sensor

import (
	"bufio"
	"context"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// gpsReopenDelay is how long to wait before reopening a failed port.
const gpsReopenDelay = 10 * time.Second

// TimeSink receives wall clock readings recovered from the GPS stream.
type TimeSink interface {
	SetFromGPS(t time.Time)
}

// GPSOpts configures the GPS reader.
type GPSOpts struct {
	ID string

	// Port is the serial device the GPS is attached to.
	Port string
	Baud int

	// TimeSink, when set, receives the time carried by ZDA sentences.
	TimeSink TimeSink

	Logger *zap.Logger
}

// GPS continuously reads NMEA sentences from a serial port.  Coordinates
// are rounded to two decimal places before they are stored, so precise
// positions never reach logs or data storage.
type GPS struct {
	mutex sync.Mutex
	id    string
	port  string
	baud  int
	sink  TimeSink
	log   *zap.Logger

	open   func() (io.ReadCloser, error)
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastUpdate  time.Time
	lastFix     time.Time
	hasFix      bool
	firstFix    bool
	latitude    float64
	longitude   float64
	altitude    float64
	geoidHeight float64
	satellites  int64
}

func NewGPS(opts GPSOpts) *GPS {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	baud := opts.Baud
	if baud == 0 {
		baud = 9600
	}

	g := &GPS{
		id:   opts.ID,
		port: opts.Port,
		baud: baud,
		sink: opts.TimeSink,
		log:  log.Named("gps"),
	}
	g.open = func() (io.ReadCloser, error) {
		return serial.Open(g.port, &serial.Mode{BaudRate: g.baud})
	}
	return g
}

func (g *GPS) ID() string   { return g.id }
func (g *GPS) Kind() string { return "gps" }

// Start launches the reader loop.  The port is reopened after errors.
func (g *GPS) Start(ctx context.Context) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.cancel != nil {
		return errAlreadyStarted
	}

	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go g.run(ctx)
	return nil
}

// Stop halts the reader loop.
func (g *GPS) Stop() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.cancel != nil {
		g.cancel()
		g.wg.Wait()
		g.cancel = nil
	}
}

func (g *GPS) run(ctx context.Context) {
	defer g.wg.Done()

	for {
		port, err := g.open()
		if err != nil {
			g.log.Warn("failed to open gps port",
				zap.String("port", g.port), zap.Error(err))
		} else {
			g.log.Info("gps port opened", zap.String("port", g.port))

			done := make(chan struct{})
			go func() {
				// Unblock the pending read on shutdown.
				select {
				case <-ctx.Done():
					port.Close()
				case <-done:
				}
			}()

			g.readSentences(port)
			close(done)
			port.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(gpsReopenDelay):
		}
	}
}

func (g *GPS) readSentences(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		s, err := nmea.Parse(line)
		if err != nil {
			// Noise on the line is routine right after open.
			continue
		}
		g.handleSentence(s)
	}
}

func (g *GPS) handleSentence(s nmea.Sentence) {
	switch s.DataType() {
	case nmea.TypeGGA:
		g.handleGGA(s.(nmea.GGA))
	case nmea.TypeZDA:
		g.handleZDA(s.(nmea.ZDA))
	}
}

// obfuscate rounds a coordinate to two decimal places (roughly 1 km).
func obfuscate(coordinate float64) float64 {
	return math.Round(coordinate*100) / 100
}

func (g *GPS) handleGGA(gga nmea.GGA) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.hasFix = gga.FixQuality != "0"
	g.satellites = gga.NumSatellites
	g.lastUpdate = time.Now().UTC()

	if !g.hasFix {
		return
	}

	g.latitude = obfuscate(gga.Latitude)
	g.longitude = obfuscate(gga.Longitude)
	g.altitude = gga.Altitude
	g.geoidHeight = gga.Separation
	g.lastFix = g.lastUpdate

	if !g.firstFix {
		g.log.Info("got gps fix",
			zap.Float64("latitude", g.latitude),
			zap.Float64("longitude", g.longitude),
			zap.Int64("satellites", g.satellites))
		g.firstFix = true
	}
}

func (g *GPS) handleZDA(zda nmea.ZDA) {
	g.mutex.Lock()
	hasFix := g.hasFix
	sink := g.sink
	g.mutex.Unlock()

	// The receiver can report bogus date/time before it has a fix; only
	// trust ZDA while a fix is held.
	if !hasFix || sink == nil {
		return
	}

	t := time.Date(
		int(zda.Year), time.Month(zda.Month), int(zda.Day),
		zda.Time.Hour, zda.Time.Minute, zda.Time.Second,
		zda.Time.Millisecond*int(time.Millisecond), time.UTC)
	sink.SetFromGPS(t)
}

func (g *GPS) Export() map[string]any {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	return map[string]any{
		"t":                g.lastUpdate,
		"has_fix":          g.hasFix,
		"latitude":         g.latitude,
		"longitude":        g.longitude,
		"altitude":         g.altitude,
		"geoid_height":     g.geoidHeight,
		"satellites_count": g.satellites,
	}
}

func (g *GPS) Metadata() map[string]FieldMeta {
	return map[string]FieldMeta{
		"latitude":         {Label: "Latitude", Precision: 2},
		"longitude":        {Label: "Longitude", Precision: 2},
		"altitude":         {Label: "Altitude", Unit: "m", Precision: 1},
		"geoid_height":     {Label: "Geoid height", Unit: "m", Diagnostic: true},
		"satellites_count": {Label: "Satellites", Diagnostic: true},
	}
}
