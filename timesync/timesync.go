// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package timesync tracks the device's wall clock quality.  Time can come
// from NTP or from the GPS stream; a better source always wins, and each
// source only refreshes after its minimum interval.
package timesync

import (
	"strconv"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ribbit-network/frog-agent/version"
)

// Source identifies where a time reading came from.  Higher values are
// better sources.
type Source int

const (
	SourceUnknown Source = iota
	SourceNTP
	SourceGPS
)

func (s Source) String() string {
	switch s {
	case SourceNTP:
		return "ntp"
	case SourceGPS:
		return "gps"
	}
	return "unknown"
}

// DefaultNTPHost is queried when the network comes up.
const DefaultNTPHost = "0.pool.ntp.org"

// Opts configures a Manager.
type Opts struct {
	// NTPHost overrides DefaultNTPHost.
	NTPHost string

	// UpdateIntervals is the minimum refresh interval per source.
	UpdateIntervals map[Source]time.Duration

	// SetSystemTime applies an accepted reading to the system clock.
	// Left nil, readings are only tracked (the agent usually runs on a
	// host whose clock is managed elsewhere).
	SetSystemTime func(time.Time) error

	Logger *zap.Logger

	Clock clock.Clock
}

// Manager arbitrates between time sources.
type Manager struct {
	mutex       sync.Mutex
	ntpHost     string
	intervals   map[Source]time.Duration
	setTime     func(time.Time) error
	queryNTP    func(host string) (time.Time, error)
	sleep       func(time.Duration)
	clock       clock.Clock
	log         *zap.Logger
	minimumYear int

	hasValidTime bool
	lastUpdate   time.Time
	lastSource   Source
}

func New(opts Opts) *Manager {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}

	intervals := opts.UpdateIntervals
	if intervals == nil {
		intervals = map[Source]time.Duration{
			SourceNTP: 24 * time.Hour,
			SourceGPS: time.Hour,
		}
	}

	host := opts.NTPHost
	if host == "" {
		host = DefaultNTPHost
	}

	minimumYear, err := strconv.Atoi(version.BuildYear)
	if err != nil {
		minimumYear = 2023
	}

	m := &Manager{
		ntpHost:     host,
		intervals:   intervals,
		setTime:     opts.SetSystemTime,
		clock:       c,
		log:         log.Named("timesync"),
		minimumYear: minimumYear,
		queryNTP: func(host string) (time.Time, error) {
			return ntp.Time(host)
		},
		sleep: time.Sleep,
	}

	m.hasValidTime = m.IsValidTime(c.Now())
	return m
}

// IsValidTime reports whether t is plausible, i.e. not before the year
// this build was cut.
func (m *Manager) IsValidTime(t time.Time) bool {
	return t.UTC().Year() >= m.minimumYear
}

// NeedsUpdate reports whether a reading from source would be accepted.
func (m *Manager) NeedsUpdate(source Source) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.needsUpdateLocked(source)
}

func (m *Manager) needsUpdateLocked(source Source) bool {
	if source > m.lastSource {
		return true // a better source is available
	}

	interval, ok := m.intervals[source]
	if !ok {
		return false
	}
	return m.clock.Now().Sub(m.lastUpdate) >= interval
}

// SetTime offers a reading from a source.  Implausible or unneeded
// readings are dropped.
func (m *Manager) SetTime(source Source, t time.Time) {
	if !m.IsValidTime(t) {
		m.log.Warn("dropping implausible time reading",
			zap.Time("t", t), zap.Stringer("source", source))
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.needsUpdateLocked(source) {
		return
	}

	if m.setTime != nil {
		if err := m.setTime(t); err != nil {
			m.log.Error("failed to set system time", zap.Error(err))
			return
		}
	}

	m.log.Info("setting time",
		zap.Time("t", t), zap.Stringer("source", source))

	m.lastSource = source
	m.lastUpdate = m.clock.Now()
	m.hasValidTime = true
}

// SetFromGPS lets the GPS stream feed the manager (sensor.TimeSink).
func (m *Manager) SetFromGPS(t time.Time) {
	m.SetTime(SourceGPS, t)
}

// OnNetworkConnect fetches NTP time if an update is due.  Registered as a
// network manager connect callback.
func (m *Manager) OnNetworkConnect() {
	if !m.NeedsUpdate(SourceNTP) {
		return
	}

	m.log.Info("fetching current time via ntp", zap.String("host", m.ntpHost))

	var t time.Time
	var err error
	for i := 0; i < 5; i++ {
		t, err = m.queryNTP(m.ntpHost)
		if err == nil {
			break
		}
		m.sleep(100 * time.Millisecond)
	}
	if err != nil {
		m.log.Warn("ntp query failed", zap.Error(err))
		return
	}

	m.SetTime(SourceNTP, t)
}

// Export reports the manager state for the diagnostics surfaces.
func (m *Manager) Export() map[string]any {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return map[string]any{
		"source":         m.lastSource.String(),
		"last_update":    m.lastUpdate,
		"has_valid_time": m.hasValidTime,
	}
}
