// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() []Key {
	return []Key{
		{Name: "golioth.enabled", Type: Boolean, Default: true},
		{Name: "golioth.host", Type: String, Default: "coap.golioth.io"},
		{Name: "golioth.port", Type: Integer, Default: int64(5684)},
		{Name: "golioth.password", Type: String, Protected: true},
		{Name: "sensor.offset", Type: Float, Default: 0.0},
	}
}

func TestGetResolvesDomains(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r, err := New(Options{Schema: testSchema()})
	require.NoError(err)

	v, domain, err := r.Get("golioth.host")
	require.NoError(err)
	assert.Equal("coap.golioth.io", v)
	assert.Equal(DomainDefault, domain)

	require.NoError(r.Set(DomainLocal, map[string]any{"golioth.host": "local.example"}))
	require.NoError(r.Set(DomainRemote, map[string]any{"golioth.host": "remote.example"}))

	// Remote wins over local.
	v, domain, err = r.Get("golioth.host")
	require.NoError(err)
	assert.Equal("remote.example", v)
	assert.Equal(DomainRemote, domain)

	// Override wins over remote.
	require.NoError(r.Set(DomainLocalOverride, map[string]any{"golioth.host": "override.example"}))
	v, domain, _ = r.Get("golioth.host")
	assert.Equal("override.example", v)
	assert.Equal(DomainLocalOverride, domain)

	// Clearing the override falls back to remote.
	require.NoError(r.Set(DomainLocalOverride, map[string]any{"golioth.host": nil}))
	v, domain, _ = r.Get("golioth.host")
	assert.Equal("remote.example", v)
	assert.Equal(DomainRemote, domain)

	_, _, err = r.Get("no.such.key")
	assert.ErrorIs(err, ErrUnknownKey)
}

func TestSetValidation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r, err := New(Options{Schema: testSchema()})
	require.NoError(err)

	assert.ErrorIs(r.Set(DomainLocal, map[string]any{"bogus": 1}), ErrUnknownKey)
	assert.ErrorIs(
		r.Set(DomainLocal, map[string]any{"golioth.port": "not a number"}),
		ErrInvalidValue)

	// JSON numbers arrive as float64 and normalize to int64.
	require.NoError(r.Set(DomainLocal, map[string]any{"golioth.port": float64(5683)}))
	assert.Equal(int64(5683), r.GetInt("golioth.port"))

	assert.ErrorIs(
		r.Set(DomainLocal, map[string]any{"golioth.port": 1.5}),
		ErrInvalidValue)

	assert.Error(r.Set(DomainDefault, map[string]any{"golioth.port": 1}))
}

func TestPersistence(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir := t.TempDir()

	r, err := New(Options{Dir: dir, Schema: testSchema()})
	require.NoError(err)
	require.NoError(r.Set(DomainLocal, map[string]any{
		"golioth.host": "stored.example",
		"golioth.port": 1234,
	}))

	// A fresh registry sees the stored values.
	r2, err := New(Options{Dir: dir, Schema: testSchema()})
	require.NoError(err)
	assert.Equal("stored.example", r2.GetString("golioth.host"))
	assert.Equal(int64(1234), r2.GetInt("golioth.port"))

	// A corrupt domain file is deleted and treated as empty.
	path := filepath.Join(dir, "000-local.json")
	require.NoError(os.WriteFile(path, []byte("{garbage"), 0o600))
	r3, err := New(Options{Dir: dir, Schema: testSchema()})
	require.NoError(err)
	assert.Equal("coap.golioth.io", r3.GetString("golioth.host"))
	_, statErr := os.Stat(path)
	assert.ErrorIs(statErr, os.ErrNotExist)
}

func TestWatcher(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r, err := New(Options{Schema: testSchema()})
	require.NoError(err)

	w := r.Watch("golioth.enabled", "golioth.host")
	defer w.Close()

	// The current values are available immediately.
	values := <-w.C
	assert.Equal([]any{true, "coap.golioth.io"}, values)

	require.NoError(r.Set(DomainLocal, map[string]any{"golioth.host": "new.example"}))
	values = <-w.C
	assert.Equal([]any{true, "new.example"}, values)

	// Irrelevant keys do not wake the watcher; coalesced updates deliver
	// only the latest tuple.
	require.NoError(r.Set(DomainLocal, map[string]any{"golioth.port": 1}))
	require.NoError(r.Set(DomainLocal, map[string]any{"golioth.host": "a.example"}))
	require.NoError(r.Set(DomainLocal, map[string]any{"golioth.host": "b.example"}))
	values = <-w.C
	assert.Equal([]any{true, "b.example"}, values)

	w.Close()
	require.NoError(r.Set(DomainLocal, map[string]any{"golioth.host": "c.example"}))
	select {
	case values = <-w.C:
		t.Fatalf("unexpected notification after close: %v", values)
	default:
	}
}

func TestWatcherAbandonedDoesNotBlockSet(t *testing.T) {
	require := require.New(t)

	r, err := New(Options{Schema: testSchema()})
	require.NoError(err)

	// The watcher is never read; concurrent Sets must still all return.
	w := r.Watch("golioth.host")
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			host := fmt.Sprintf("host-%d.example", i)
			assert.NoError(t, r.Set(DomainLocal, map[string]any{"golioth.host": host}))
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Set blocked on an abandoned watcher")
	}

	// The pending tuple is one of the written values.
	values := <-w.C
	assert.Contains(t, values[0], "host-")
}

func TestSetRemote(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r, err := New(Options{Schema: testSchema()})
	require.NoError(err)

	require.NoError(r.SetRemote(map[string]any{
		"golioth.host":    "cloud.example",
		"not.in.schema":   "ignored",
		"golioth.enabled": false,
	}))
	assert.Equal("cloud.example", r.GetString("golioth.host"))
	assert.False(r.GetBool("golioth.enabled"))

	// A later push without the key clears the previous remote value.
	require.NoError(r.SetRemote(map[string]any{"golioth.host": "cloud.example"}))
	assert.True(r.GetBool("golioth.enabled"))
}
