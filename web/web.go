// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package web exposes the local HTTP surface: the status page, the JSON
// API used by it, and the Prometheus metrics endpoint.
package web

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ribbit-network/frog-agent/board"
	"github.com/ribbit-network/frog-agent/config"
	"github.com/ribbit-network/frog-agent/network"
	"github.com/ribbit-network/frog-agent/sensor"
	"github.com/ribbit-network/frog-agent/version"
	"github.com/ribbit-network/frog-agent/views"
)

// NetworkStatus reports the wifi connection state.
type NetworkStatus interface {
	Status() network.Status
}

// CloudStatus reports the cloud session state.
type CloudStatus interface {
	Connected() bool
}

// TimeStatus reports the time synchronization state.
type TimeStatus interface {
	Export() map[string]any
}

type Opts struct {
	Registry *config.Registry
	Board    board.Definition
	DeviceID string

	// Sensors returns the sensors to expose; called per request so late
	// additions show up.
	Sensors func() []sensor.Sensor

	Network NetworkStatus
	Cloud   CloudStatus
	Time    TimeStatus

	Logger *zap.Logger
}

type handler struct {
	registry *config.Registry
	boardDef board.Definition
	deviceID string
	sensors  func() []sensor.Sensor
	network  NetworkStatus
	cloud    CloudStatus
	timeSync TimeStatus
	log      *zap.Logger
}

// NewHandler builds the router for the local HTTP endpoint.
func NewHandler(opts Opts) http.Handler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	h := &handler{
		registry: opts.Registry,
		boardDef: opts.Board,
		deviceID: opts.DeviceID,
		sensors:  opts.Sensors,
		network:  opts.Network,
		cloud:    opts.Cloud,
		timeSync: opts.Time,
		log:      log.Named("web"),
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/config", h.getConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", h.patchConfig).Methods(http.MethodPatch)
	api.HandleFunc("/sensors", h.getSensors).Methods(http.MethodGet)
	api.HandleFunc("/status", h.getStatus).Methods(http.MethodGet)

	r.PathPrefix("/").Handler(views.Handler(views.Page{
		DeviceID: opts.DeviceID,
		Board:    opts.Board.Name,
		Version:  version.Version,
	}))

	return r
}

type configEntry struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Value     any    `json:"value"`
	Domain    string `json:"domain"`
	Protected bool   `json:"protected,omitempty"`
}

func (h *handler) getConfig(w http.ResponseWriter, r *http.Request) {
	keys := h.registry.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })

	entries := make([]configEntry, 0, len(keys))
	for _, key := range keys {
		value, domain, err := h.registry.Get(key.Name)
		if err != nil {
			continue
		}
		entry := configEntry{
			Name:      key.Name,
			Type:      key.Type.Name(),
			Value:     value,
			Domain:    domain.String(),
			Protected: key.Protected,
		}
		if key.Protected {
			entry.Value = nil
		}
		entries = append(entries, entry)
	}

	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) patchConfig(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.registry.Set(config.DomainLocal, values); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	h.log.Info("configuration updated", zap.Int("keys", len(values)))
	h.getConfig(w, r)
}

type sensorEntry struct {
	Kind string                      `json:"kind"`
	Data map[string]any              `json:"data"`
	Meta map[string]sensor.FieldMeta `json:"meta"`
}

func (h *handler) getSensors(w http.ResponseWriter, r *http.Request) {
	out := map[string]sensorEntry{}
	if h.sensors != nil {
		for _, s := range h.sensors() {
			out[s.ID()] = sensorEntry{
				Kind: s.Kind(),
				Data: s.Export(),
				Meta: s.Metadata(),
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"device_id": h.deviceID,
		"board":     h.boardDef.Name,
		"mcu":       h.boardDef.MCU,
		"version":   version.Version,
	}
	if h.network != nil {
		status["network"] = h.network.Status()
	}
	if h.cloud != nil {
		status["cloud"] = map[string]any{"connected": h.cloud.Connected()}
	}
	if h.timeSync != nil {
		status["time"] = h.timeSync.Export()
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
