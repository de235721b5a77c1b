// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package heartbeat blinks the status LED and watches for stalls in the
// process scheduler.  The blink is deliberately short so a frozen agent is
// visually obvious.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var errAlreadyStarted = errors.New("heartbeat already started")

// Opts configures a Heartbeat.
type Opts struct {
	// Namespace for the metrics.
	Namespace string

	// LED drives the status LED.  Left nil the heartbeat only keeps
	// metrics and stall detection.
	LED func(on bool)

	// Interval between beats.  Defaults to one second.
	Interval time.Duration

	// OnDuration is how long the LED stays lit each beat.  Defaults to
	// 50ms.
	OnDuration time.Duration

	// StallThreshold is how late a beat may fire before a warning is
	// logged.  Defaults to one second past the interval.
	StallThreshold time.Duration

	Logger *zap.Logger

	Clock clock.Clock
}

// Heartbeat periodically pulses the LED and records how late each pulse
// fired.
type Heartbeat struct {
	mutex          sync.Mutex
	led            func(on bool)
	interval       time.Duration
	onDuration     time.Duration
	stallThreshold time.Duration
	clock          clock.Clock
	log            *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	last   time.Time

	beats  prometheus.Counter
	stalls prometheus.Counter
}

func New(opts Opts) *Heartbeat {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}

	h := &Heartbeat{
		led:            opts.LED,
		interval:       opts.Interval,
		onDuration:     opts.OnDuration,
		stallThreshold: opts.StallThreshold,
		clock:          c,
		log:            log.Named("heartbeat"),
	}
	if h.led == nil {
		h.led = func(bool) {}
	}
	if h.interval <= 0 {
		h.interval = time.Second
	}
	if h.onDuration <= 0 {
		h.onDuration = 50 * time.Millisecond
	}
	if h.stallThreshold <= 0 {
		h.stallThreshold = h.interval + time.Second
	}

	h.beats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: opts.Namespace,
		Subsystem: "heartbeat",
		Name:      "beats_total",
		Help:      "Number of heartbeat pulses emitted.",
	})
	h.stalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: opts.Namespace,
		Subsystem: "heartbeat",
		Name:      "stalls_total",
		Help:      "Number of heartbeat pulses that fired late.",
	})

	return h
}

func (h *Heartbeat) Start(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.cancel != nil {
		return errAlreadyStarted
	}

	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	h.last = h.clock.Now()

	// The ticker must exist before Start returns so a beat cannot be
	// missed between Start and the run loop coming up.
	ticker := h.clock.Ticker(h.interval)
	go h.run(ctx, ticker)
	return nil
}

func (h *Heartbeat) Stop() {
	h.mutex.Lock()
	cancel := h.cancel
	done := h.done
	h.cancel = nil
	h.mutex.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (h *Heartbeat) run(ctx context.Context, ticker *clock.Ticker) {
	defer close(h.done)
	defer h.led(false)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		h.noteBeat(h.clock.Now())
		h.led(true)
		select {
		case <-ctx.Done():
			return
		case <-h.clock.After(h.onDuration):
		}
		h.led(false)
	}
}

// noteBeat records one pulse and warns when it fired well past the
// expected interval.
func (h *Heartbeat) noteBeat(now time.Time) {
	if !h.last.IsZero() {
		if gap := now.Sub(h.last); gap > h.stallThreshold {
			h.stalls.Inc()
			h.log.Warn("heartbeat delayed, the agent may be stalling",
				zap.Duration("gap", gap),
				zap.Duration("interval", h.interval))
		}
	}
	h.last = now
	h.beats.Inc()
}
