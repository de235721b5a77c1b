// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package golioth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ribbit-network/frog-agent/config"
	"github.com/ribbit-network/frog-agent/ota"
)

type fakeConn struct {
	mutex     sync.Mutex
	posts     map[string][][]byte
	gets      map[string][]byte
	observers map[string]func([]byte)
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		posts:     make(map[string][][]byte),
		gets:      make(map[string][]byte),
		observers: make(map[string]func([]byte)),
	}
}

func (f *fakeConn) Get(_ context.Context, path string) ([]byte, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	payload, ok := f.gets[path]
	if !ok {
		return nil, errors.New("not found: " + path)
	}
	return payload, nil
}

func (f *fakeConn) Post(_ context.Context, path string, payload []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.posts[path] = append(f.posts[path], append([]byte(nil), payload...))
	return nil
}

func (f *fakeConn) Observe(_ context.Context, path string, fn func([]byte)) (io.Closer, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.observers[path] = fn
	return io.NopCloser(nil), nil
}

func (f *fakeConn) Ping(context.Context) error { return nil }

func (f *fakeConn) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) lastPost(t *testing.T, path string) map[string]any {
	t.Helper()
	f.mutex.Lock()
	defer f.mutex.Unlock()
	posts := f.posts[path]
	require.NotEmpty(t, posts, "no posts to %s", path)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(posts[len(posts)-1], &decoded))
	return decoded
}

func (f *fakeConn) notify(path string, payload string) {
	f.mutex.Lock()
	fn := f.observers[path]
	f.mutex.Unlock()
	if fn != nil {
		fn([]byte(payload))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never met")
}

func testRegistry(t *testing.T) *config.Registry {
	t.Helper()
	registry, err := config.New(config.Options{
		Dir:    t.TempDir(),
		Schema: ConfigKeys,
	})
	require.NoError(t, err)
	return registry
}

func newTestService(t *testing.T, updater Updater) (*Service, *fakeConn, *config.Registry) {
	t.Helper()

	registry := testRegistry(t)
	require.NoError(t, registry.Set(config.DomainLocal, map[string]any{
		KeyUser:     "device@project",
		KeyPassword: "supersecret",
	}))

	g := New(Opts{Registry: registry, Updater: updater})
	g.version = "1.0.0"

	conn := newFakeConn()
	g.dial = func(context.Context, Settings) (Conn, error) {
		return conn, nil
	}

	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(g.Stop)

	// Session is up once the initial firmware report went out.
	waitFor(t, func() bool { return g.Connected() })
	return g, conn, registry
}

func TestSessionStartsObservations(t *testing.T) {
	assert := assert.New(t)
	g, conn, _ := newTestService(t, nil)

	report := conn.lastPost(t, ".u/c/main")
	assert.Equal("main", report["package"])
	assert.Equal("1.0.0", report["version"])
	assert.Equal(0.0, report["state"])

	waitFor(t, func() bool {
		conn.mutex.Lock()
		defer conn.mutex.Unlock()
		_, c := conn.observers[".c"]
		_, r := conn.observers[".rpc"]
		return c && r
	})
	_ = g
}

func TestDisabledWithoutCredentials(t *testing.T) {
	registry := testRegistry(t)

	g := New(Opts{Registry: registry})
	dialed := false
	g.dial = func(context.Context, Settings) (Conn, error) {
		dialed = true
		return newFakeConn(), nil
	}

	require.NoError(t, g.Start(context.Background()))
	defer g.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, dialed)
	assert.False(t, g.Connected())
}

func TestRemoteConfig(t *testing.T) {
	assert := assert.New(t)
	_, conn, registry := newTestService(t, nil)

	waitFor(t, func() bool {
		conn.mutex.Lock()
		defer conn.mutex.Unlock()
		return conn.observers[".c"] != nil
	})

	conn.notify(".c", `{"version": 7, "settings": {"GOLIOTH_HOST": "coap.example.org"}}`)

	waitFor(t, func() bool {
		return registry.GetString(KeyHost) == "coap.example.org"
	})
	_, domain, err := registry.Get(KeyHost)
	require.NoError(t, err)
	assert.Equal(config.DomainRemote, domain)

	ack := conn.lastPost(t, ".c/status")
	assert.Equal(7.0, ack["version"])
	assert.Equal(0.0, ack["error_code"])
}

func TestRPCDispatch(t *testing.T) {
	assert := assert.New(t)
	g, conn, _ := newTestService(t, nil)

	g.RegisterRPC("fail", func(context.Context, []any) (string, error) {
		return "", errors.New("kaboom")
	})

	waitFor(t, func() bool {
		conn.mutex.Lock()
		defer conn.mutex.Unlock()
		return conn.observers[".rpc"] != nil
	})

	conn.notify(".rpc", `{"id": "a1", "method": "ping", "params": []}`)
	res := conn.lastPost(t, ".rpc/status")
	assert.Equal("a1", res["id"])
	assert.Equal(0.0, res["statusCode"])
	assert.Equal("pong", res["detail"])

	conn.notify(".rpc", `{"id": "a2", "method": "fail", "params": []}`)
	res = conn.lastPost(t, ".rpc/status")
	assert.Equal(13.0, res["statusCode"])
	assert.Equal("kaboom", res["detail"])

	conn.notify(".rpc", `{"id": "a3", "method": "nope", "params": []}`)
	res = conn.lastPost(t, ".rpc/status")
	assert.Equal(12.0, res["statusCode"])
}

func TestFirmwareUpdate(t *testing.T) {
	assert := assert.New(t)

	manager, err := ota.New(ota.Opts{Dir: t.TempDir()})
	require.NoError(t, err)

	restarted := make(chan struct{}, 1)
	g, conn, _ := newTestService(t, manager)
	g.restart = func() { restarted <- struct{}{} }

	image := []byte("new firmware image")
	sum := sha256.Sum256(image)

	conn.mutex.Lock()
	conn.gets[".u/main@2.0.0"] = image
	conn.mutex.Unlock()

	waitFor(t, func() bool {
		conn.mutex.Lock()
		defer conn.mutex.Unlock()
		return conn.observers[".u/desired"] != nil
	})

	manifest := map[string]any{
		"components": []map[string]any{{
			"package": "main",
			"version": "2.0.0",
			"uri":     "/.u/main@2.0.0",
			"hash":    hex.EncodeToString(sum[:]),
			"size":    len(image),
		}},
	}
	body, err := json.Marshal(manifest)
	require.NoError(t, err)
	conn.notify(".u/desired", string(body))

	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("update never completed")
	}

	version, ok := manager.Pending()
	assert.True(ok)
	assert.Equal("2.0.0", version)

	report := conn.lastPost(t, ".u/c/main")
	assert.Equal(2.0, report["state"])
	assert.Equal("2.0.0", report["target"])
}

// fakeUpdater records which staging path a manifest took.
type fakeUpdater struct {
	mutex     sync.Mutex
	applied   []ota.Update
	downloads []string
}

func (f *fakeUpdater) Apply(_ context.Context, u ota.Update) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.applied = append(f.applied, u)
	return nil
}

func (f *fakeUpdater) Download(_ context.Context, url, _ string, _ int64, _ string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.downloads = append(f.downloads, url)
	return nil
}

func TestFirmwareUpdateOverHTTP(t *testing.T) {
	assert := assert.New(t)

	updater := new(fakeUpdater)
	restarted := make(chan struct{}, 1)
	g, conn, _ := newTestService(t, updater)
	g.restart = func() { restarted <- struct{}{} }

	waitFor(t, func() bool {
		conn.mutex.Lock()
		defer conn.mutex.Unlock()
		return conn.observers[".u/desired"] != nil
	})

	// An absolute URI bypasses the CoAP session entirely.
	conn.notify(".u/desired", `{"components": [{
		"package": "main", "version": "2.0.0",
		"uri": "https://artifacts.example.org/main-2.0.0.bin",
		"hash": "abcd", "size": 4096}]}`)

	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("update never completed")
	}

	updater.mutex.Lock()
	defer updater.mutex.Unlock()
	assert.Equal([]string{"https://artifacts.example.org/main-2.0.0.bin"}, updater.downloads)
	assert.Empty(updater.applied)
}

func TestMatchingVersionIgnored(t *testing.T) {
	manager, err := ota.New(ota.Opts{Dir: t.TempDir()})
	require.NoError(t, err)

	g, conn, _ := newTestService(t, manager)
	g.restart = func() { t.Error("unexpected restart") }

	waitFor(t, func() bool {
		conn.mutex.Lock()
		defer conn.mutex.Unlock()
		return conn.observers[".u/desired"] != nil
	})

	conn.notify(".u/desired",
		`{"components": [{"package": "main", "version": "1.0.0"}]}`)

	time.Sleep(50 * time.Millisecond)
	_, ok := manager.Pending()
	assert.False(t, ok)
}

func TestPostDatapoint(t *testing.T) {
	assert := assert.New(t)
	g, conn, _ := newTestService(t, nil)

	require.NoError(t, g.PostDatapoint(context.Background(), map[string]any{
		"scd30": map[string]any{"co2": 420.5},
	}))

	doc := conn.lastPost(t, ".s/ribbitnetwork.datapoint")
	assert.Contains(doc, "scd30")

	g.Stop()
	assert.Error(g.PostDatapoint(context.Background(), nil))
}
