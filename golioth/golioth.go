// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package golioth maintains the device's session with the Golioth cloud
// over CoAP/DTLS.  One session observes the remote config document, the
// RPC channel, and the desired firmware manifest, and carries the sensor
// datapoint stream back up.
package golioth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ribbit-network/frog-agent/config"
	"github.com/ribbit-network/frog-agent/ota"
	"github.com/ribbit-network/frog-agent/version"
)

// Config keys owned by this package.
const (
	KeyEnabled    = "golioth.enabled"
	KeyHost       = "golioth.host"
	KeyPort       = "golioth.port"
	KeyUser       = "golioth.user"
	KeyPassword   = "golioth.password"
	KeyOTAEnabled = "golioth.ota.enabled"
)

// ConfigKeys is the schema contributed to the config registry.
var ConfigKeys = []config.Key{
	{Name: KeyEnabled, Type: config.Boolean, Default: true},
	{Name: KeyHost, Type: config.String, Default: "coap.golioth.io"},
	{Name: KeyPort, Type: config.Integer, Default: int64(5684)},
	{Name: KeyUser, Type: config.String},
	{Name: KeyPassword, Type: config.String, Protected: true},
	{Name: KeyOTAEnabled, Type: config.Boolean, Default: true},
}

// RPC status codes, matching the gRPC code space Golioth reports back to
// the console.
const (
	rpcOK            = 0
	rpcInternal      = 13
	rpcUnimplemented = 12
)

// Firmware report states.
const (
	fwStateIdle        = 0
	fwStateDownloading = 1
	fwStateDownloaded  = 2
)

const firmwarePackage = "main"

// Conn is an established cloud session.  The production implementation
// speaks CoAP over DTLS; tests substitute a fake.
type Conn interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Post(ctx context.Context, path string, payload []byte) error
	Observe(ctx context.Context, path string, fn func(payload []byte)) (io.Closer, error)
	Ping(ctx context.Context) error
	Close() error
}

// Settings is everything needed to dial a session.
type Settings struct {
	Host     string
	Port     int64
	User     string
	Password string
}

// RPCHandler serves one remote procedure call.  The returned detail
// string, if any, is shown verbatim in the Golioth console.
type RPCHandler func(ctx context.Context, params []any) (string, error)

// Updater stages firmware images.  Satisfied by *ota.Manager.
type Updater interface {
	Apply(ctx context.Context, u ota.Update) error
	Download(ctx context.Context, url, sha256Hex string, size int64, version string) error
}

// Opts configures a Service.
type Opts struct {
	Registry *config.Registry
	Updater  Updater

	// Restart requests an agent restart after a staged update.  Left
	// nil, updates are staged but wait for the next natural restart.
	Restart func()

	Logger *zap.Logger
}

// Service owns the cloud session lifecycle.
type Service struct {
	registry *config.Registry
	updater  Updater
	restart  func()
	log      *zap.Logger

	// dial is swapped out in tests.
	dial func(ctx context.Context, s Settings) (Conn, error)

	rpcMutex sync.Mutex
	rpcs     map[string]RPCHandler

	connMutex sync.Mutex
	conn      Conn

	version    string
	otaEnabled bool

	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Opts) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	g := &Service{
		registry: opts.Registry,
		updater:  opts.Updater,
		restart:  opts.Restart,
		log:      log.Named("golioth"),
		dial:     dialDTLS,
		rpcs:     make(map[string]RPCHandler),
		version:  version.Version,
	}

	g.RegisterRPC("ping", func(context.Context, []any) (string, error) {
		return "pong", nil
	})

	return g
}

// RegisterRPC installs a handler for a remote procedure call.
func (g *Service) RegisterRPC(method string, handler RPCHandler) {
	g.rpcMutex.Lock()
	defer g.rpcMutex.Unlock()
	g.rpcs[method] = handler
}

var errAlreadyStarted = errors.New("golioth service already started")

func (g *Service) Start(ctx context.Context) error {
	if g.cancel != nil {
		return errAlreadyStarted
	}

	ctx, g.cancel = context.WithCancel(ctx)
	g.done = make(chan struct{})
	go g.run(ctx)
	return nil
}

func (g *Service) Stop() {
	if g.cancel == nil {
		return
	}
	g.cancel()
	<-g.done
	g.cancel = nil
}

// run restarts the session whenever its config keys change.
func (g *Service) run(ctx context.Context) {
	defer close(g.done)

	watcher := g.registry.Watch(
		KeyEnabled, KeyHost, KeyPort, KeyUser, KeyPassword, KeyOTAEnabled)
	defer watcher.Close()

	var (
		sessionCancel context.CancelFunc
		sessionDone   chan struct{}
	)
	stopSession := func() {
		if sessionCancel != nil {
			sessionCancel()
			<-sessionDone
			sessionCancel = nil
		}
	}
	defer stopSession()

	for {
		select {
		case <-ctx.Done():
			return
		case values := <-watcher.C:
			enabled, _ := values[0].(bool)
			host, _ := values[1].(string)
			port, _ := values[2].(int64)
			user, _ := values[3].(string)
			password, _ := values[4].(string)
			g.otaEnabled, _ = values[5].(bool)

			stopSession()

			if !enabled || user == "" || password == "" {
				g.log.Info("golioth integration disabled")
				continue
			}

			g.log.Info("starting golioth integration",
				zap.String("host", host), zap.Int64("port", port))

			sessionCtx, cancel := context.WithCancel(ctx)
			sessionCancel = cancel
			sessionDone = make(chan struct{})
			go g.sessionLoop(sessionCtx, sessionDone, Settings{
				Host:     host,
				Port:     port,
				User:     user,
				Password: password,
			})
		}
	}
}

// sessionLoop dials and re-dials the cloud until the session config is
// torn down.
func (g *Service) sessionLoop(ctx context.Context, done chan struct{}, s Settings) {
	defer close(done)

	backoff := 5 * time.Second
	for ctx.Err() == nil {
		conn, err := g.dial(ctx, s)
		if err != nil {
			g.log.Warn("failed to connect to golioth", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < time.Minute {
				backoff *= 2
			}
			continue
		}
		backoff = 5 * time.Second

		g.setConn(conn)
		err = g.serve(ctx, conn)
		g.setConn(nil)
		conn.Close()

		if err != nil && ctx.Err() == nil {
			g.log.Warn("golioth session ended", zap.Error(err))
		}
	}
}

func (g *Service) setConn(conn Conn) {
	g.connMutex.Lock()
	g.conn = conn
	g.connMutex.Unlock()
}

// serve installs the observations and keeps the session alive until it
// fails a ping or the context ends.
func (g *Service) serve(ctx context.Context, conn Conn) error {
	if err := g.sendFirmwareReport(ctx, conn, fwStateIdle, ""); err != nil {
		return err
	}

	configObs, err := conn.Observe(ctx, ".c", func(payload []byte) {
		g.handleConfig(ctx, conn, payload)
	})
	if err != nil {
		return err
	}
	defer configObs.Close()

	rpcObs, err := conn.Observe(ctx, ".rpc", func(payload []byte) {
		g.handleRPC(ctx, conn, payload)
	})
	if err != nil {
		return err
	}
	defer rpcObs.Close()

	if g.otaEnabled && g.updater != nil {
		fwObs, err := conn.Observe(ctx, ".u/desired", func(payload []byte) {
			g.handleFirmware(ctx, conn, payload)
		})
		if err != nil {
			return err
		}
		defer fwObs.Close()
	}

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping.C:
			if err := conn.Ping(ctx); err != nil {
				return fmt.Errorf("keepalive failed: %w", err)
			}
		}
	}
}

// handleConfig applies the remote config document and acknowledges its
// version.  Golioth flattens key paths with underscores; the registry
// uses dots.
func (g *Service) handleConfig(ctx context.Context, conn Conn, payload []byte) {
	var req struct {
		Settings map[string]any `json:"settings"`
		Version  int64          `json:"version"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		g.log.Warn("bad config payload", zap.Error(err))
		return
	}

	g.log.Info("remote config received", zap.Int64("version", req.Version))

	values := make(map[string]any, len(req.Settings))
	for k, v := range req.Settings {
		values[strings.ToLower(strings.ReplaceAll(k, "_", "."))] = v
	}
	if err := g.registry.SetRemote(values); err != nil {
		g.log.Warn("failed to apply remote config", zap.Error(err))
	}

	ack, _ := json.Marshal(map[string]any{
		"version":    req.Version,
		"error_code": 0,
	})
	if err := conn.Post(ctx, ".c/status", ack); err != nil {
		g.log.Warn("failed to ack remote config", zap.Error(err))
	}
}

func (g *Service) handleRPC(ctx context.Context, conn Conn, payload []byte) {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params []any           `json:"params"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Method == "" {
		return
	}

	g.rpcMutex.Lock()
	handler := g.rpcs[req.Method]
	g.rpcMutex.Unlock()

	status := rpcOK
	detail := ""
	if handler == nil {
		status = rpcUnimplemented
	} else if d, err := handler(ctx, req.Params); err != nil {
		status = rpcInternal
		detail = err.Error()
	} else {
		detail = d
	}

	g.log.Info("rpc served",
		zap.String("method", req.Method), zap.Int("status", status))

	res := map[string]any{
		"id":         req.ID,
		"statusCode": status,
	}
	if detail != "" {
		res["detail"] = detail
	}
	body, _ := json.Marshal(res)
	if err := conn.Post(ctx, ".rpc/status", body); err != nil {
		g.log.Warn("failed to post rpc status", zap.Error(err))
	}
}

type firmwareComponent struct {
	Package string `json:"package"`
	Version string `json:"version"`
	URI     string `json:"uri"`
	Hash    string `json:"hash"`
	Size    int64  `json:"size"`
}

func (g *Service) handleFirmware(ctx context.Context, conn Conn, payload []byte) {
	var req struct {
		Components []firmwareComponent `json:"components"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		g.log.Warn("bad firmware manifest", zap.Error(err))
		return
	}

	for _, component := range req.Components {
		if component.Package != firmwarePackage || component.Version == g.version {
			continue
		}
		component := component
		go func() {
			if err := g.updateFirmware(ctx, conn, component); err != nil {
				g.log.Error("firmware update failed", zap.Error(err))
			}
		}()
	}
}

func (g *Service) updateFirmware(ctx context.Context, conn Conn, component firmwareComponent) error {
	g.log.Info("firmware update offered",
		zap.String("version", component.Version),
		zap.Int64("size", component.Size))

	if err := g.sendFirmwareReport(ctx, conn, fwStateDownloading, component.Version); err != nil {
		return err
	}

	if err := g.fetchImage(ctx, conn, component); err != nil {
		return err
	}

	if err := g.sendFirmwareReport(ctx, conn, fwStateDownloaded, component.Version); err != nil {
		return err
	}

	if g.restart != nil {
		g.restart()
	}
	return nil
}

// fetchImage stages the offered image.  Manifests normally point at a
// CoAP path on the session; an absolute http(s) URI is pulled over plain
// HTTP instead, which Golioth uses for large artifacts.
func (g *Service) fetchImage(ctx context.Context, conn Conn, component firmwareComponent) error {
	if strings.HasPrefix(component.URI, "http://") || strings.HasPrefix(component.URI, "https://") {
		return g.updater.Download(ctx,
			component.URI, component.Hash, component.Size, component.Version)
	}

	image, err := conn.Get(ctx, strings.TrimPrefix(component.URI, "/"))
	if err != nil {
		return err
	}
	return g.updater.Apply(ctx, ota.Update{
		Reader:  bytes.NewReader(image),
		SHA256:  component.Hash,
		Size:    component.Size,
		Version: component.Version,
	})
}

func (g *Service) sendFirmwareReport(ctx context.Context, conn Conn, state int, target string) error {
	report := map[string]any{
		"state":   state,
		"reason":  0,
		"package": firmwarePackage,
		"version": g.version,
	}
	if target != "" {
		report["target"] = target
	}
	body, _ := json.Marshal(report)
	return conn.Post(ctx, ".u/c/"+firmwarePackage, body)
}

// PostDatapoint publishes one aggregated sensor document to the
// datapoint stream.  A nil error with no session would hide data loss,
// so the caller learns when the device is offline.
func (g *Service) PostDatapoint(ctx context.Context, doc any) error {
	g.connMutex.Lock()
	conn := g.conn
	g.connMutex.Unlock()

	if conn == nil {
		return errors.New("not connected")
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return conn.Post(ctx, ".s/ribbitnetwork.datapoint", body)
}

// Connected reports whether a cloud session is currently established.
func (g *Service) Connected() bool {
	g.connMutex.Lock()
	defer g.connMutex.Unlock()
	return g.conn != nil
}
