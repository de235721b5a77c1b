// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package improv

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(t *testing.T, d *decoder, raw []byte) (byte, []byte) {
	t.Helper()
	for i, c := range raw {
		typ, payload, ok := d.feed(c)
		if ok {
			assert.Equal(t, len(raw)-1, i, "packet ended early")
			return typ, payload
		}
	}
	t.Fatal("no packet decoded")
	return 0, nil
}

func TestDecoderRoundTrip(t *testing.T) {
	var d decoder

	raw := encodePacket(packetRPCCommand, []byte{rpcRequestDeviceInfo, 0})
	typ, payload := feedAll(t, &d, raw)
	assert.Equal(t, byte(packetRPCCommand), typ)
	assert.Equal(t, []byte{rpcRequestDeviceInfo, 0}, payload)

	// Console noise between packets is skipped.
	noise := append([]byte("hello world\r\nIMPRO nope"), raw...)
	typ, _ = feedAll(t, &d, noise)
	assert.Equal(t, byte(packetRPCCommand), typ)
}

func TestDecoderRejectsBadChecksum(t *testing.T) {
	var d decoder

	raw := encodePacket(packetRPCCommand, []byte{rpcRequestCurrentState, 0})
	raw[len(raw)-1]++
	for _, c := range raw {
		_, _, ok := d.feed(c)
		assert.False(t, ok)
	}
}

func decodeStrings(t *testing.T, body []byte) []string {
	t.Helper()
	var out []string
	rest := body
	for len(rest) > 0 {
		var s string
		var err error
		rest, s, err = decodeString(rest)
		require.NoError(t, err)
		out = append(out, s)
	}
	return out
}

func testInfo() DeviceInfo {
	return DeviceInfo{
		ProductName:    "Ribbit Frog Sensor",
		ProductVersion: "4.1.0",
		HardwareName:   "ESP32-S3",
		DeviceName:     "frog-1234",
	}
}

func TestDeviceInfoRPC(t *testing.T) {
	h := NewHandler(testInfo(), Callbacks{}, nil)

	replies := h.handleRPC(context.Background(), []byte{rpcRequestDeviceInfo, 0})
	require.Len(t, replies, 1)
	assert.Equal(t, byte(packetRPCResult), replies[0].typ)
	assert.Equal(t, byte(rpcRequestDeviceInfo), replies[0].data[0])

	fields := decodeStrings(t, replies[0].data[2:])
	assert.Equal(t, []string{
		"Ribbit Frog Sensor", "4.1.0", "ESP32-S3", "frog-1234",
	}, fields)
}

func sendSettingsPayload(ssid, password string) []byte {
	args := []byte{byte(len(ssid))}
	args = append(args, ssid...)
	args = append(args, byte(len(password)))
	args = append(args, password...)
	return append([]byte{rpcSendSettings, byte(len(args))}, args...)
}

func TestSendSettings(t *testing.T) {
	assert := assert.New(t)

	var gotSSID, gotPassword string
	h := NewHandler(testInfo(), Callbacks{
		Provision: func(_ context.Context, ssid, password string) error {
			gotSSID, gotPassword = ssid, password
			return nil
		},
		CurrentState: func() (State, string) {
			return StateProvisioned, "http://10.0.0.17/"
		},
	}, nil)

	replies := h.handleRPC(context.Background(), sendSettingsPayload("backyard", "hunter22"))
	assert.Equal("backyard", gotSSID)
	assert.Equal("hunter22", gotPassword)

	require.Len(t, replies, 2)
	assert.Equal(byte(packetCurrentState), replies[0].typ)
	assert.Equal([]byte{byte(StateProvisioned)}, replies[0].data)
	assert.Equal(byte(packetRPCResult), replies[1].typ)
	assert.Equal([]string{"http://10.0.0.17/"}, decodeStrings(t, replies[1].data[2:]))
}

func TestSendSettingsFailure(t *testing.T) {
	h := NewHandler(testInfo(), Callbacks{
		Provision: func(context.Context, string, string) error {
			return errors.New("wrong password")
		},
	}, nil)

	replies := h.handleRPC(context.Background(), sendSettingsPayload("backyard", "nope"))
	require.Len(t, replies, 1)
	assert.Equal(t, byte(packetErrorState), replies[0].typ)
	assert.Equal(t, []byte{byte(errUnableToConnect)}, replies[0].data)
}

func TestScanNetworks(t *testing.T) {
	assert := assert.New(t)

	h := NewHandler(testInfo(), Callbacks{
		Scan: func(context.Context) ([]Network, error) {
			return []Network{
				{SSID: "backyard", RSSI: -48, Secured: true},
				{SSID: "backyard", RSSI: -80, Secured: true},
				{SSID: "cafe", RSSI: -71},
			}, nil
		},
	}, nil)

	replies := h.handleRPC(context.Background(), []byte{rpcRequestScanNetworks, 0})
	require.Len(t, replies, 3)

	assert.Equal([]string{"backyard", "-48", "YES"}, decodeStrings(t, replies[0].data[2:]))
	assert.Equal([]string{"cafe", "-71", "NO"}, decodeStrings(t, replies[1].data[2:]))
	// The empty result ends the listing.
	assert.Empty(decodeStrings(t, replies[2].data[2:]))
}

func TestUnknownCommand(t *testing.T) {
	h := NewHandler(testInfo(), Callbacks{}, nil)

	replies := h.handleRPC(context.Background(), []byte{0x7F, 0})
	require.Len(t, replies, 1)
	assert.Equal(t, byte(packetErrorState), replies[0].typ)
	assert.Equal(t, []byte{byte(errUnknownCommand)}, replies[0].data)
}

type lockedBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) snapshot() []byte {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

type pipeRW struct {
	io.Reader
	io.Writer
}

func TestSerialHandler(t *testing.T) {
	pr, pw := io.Pipe()
	out := new(lockedBuffer)

	s := NewSerialHandler(SerialOpts{
		Info: testInfo(),
		Callbacks: Callbacks{
			CurrentState: func() (State, string) { return StateReady, "" },
		},
		RW: pipeRW{Reader: pr, Writer: out},
	})
	require.NoError(t, s.Start(context.Background()))
	defer func() {
		pw.Close()
		s.Stop()
	}()

	_, err := pw.Write(encodePacket(packetRPCCommand, []byte{rpcRequestCurrentState, 0}))
	require.NoError(t, err)

	// Expect a current-state packet followed by an empty RPC result.
	want := append(
		encodePacket(packetCurrentState, []byte{byte(StateReady)}),
		encodePacket(packetRPCResult, []byte{rpcRequestCurrentState, 0})...)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bytes.Equal(out.snapshot(), want) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("unexpected output: %x", out.snapshot())
}
