// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWifiSettings(t *testing.T) {
	assert := assert.New(t)

	got := wifiSettings("backyard", "hunter22")
	conn := got["connection"]
	assert.Equal("Ribbit:backyard", conn["id"])
	assert.Equal("802-11-wireless", conn["type"])
	assert.Equal(true, conn["autoconnect"])
	assert.Equal([]byte("backyard"), got["802-11-wireless"]["ssid"])
	assert.Equal("wpa-psk", got["802-11-wireless-security"]["key-mgmt"])
	assert.Equal("hunter22", got["802-11-wireless-security"]["psk"])

	open := wifiSettings("cafe", "")
	_, hasSecurity := open["802-11-wireless-security"]
	assert.False(hasSecurity)
}

func TestManagedID(t *testing.T) {
	assert.True(t, managedID("Ribbit:backyard"))
	assert.False(t, managedID("backyard"))
	assert.False(t, managedID("office wifi"))
}

func TestConnectCallbacks(t *testing.T) {
	assert := assert.New(t)
	m := New(Opts{})

	fired := make(chan struct{}, 4)
	m.OnConnect(func() { fired <- struct{}{} })

	m.setStatus(Status{Connected: true, SSID: "backyard"})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("connect callback never fired")
	}
	assert.Equal(Status{Connected: true, SSID: "backyard"}, m.Status())

	// Staying connected does not re-fire.
	m.setStatus(Status{Connected: true, SSID: "backyard"})
	m.setStatus(Status{})
	assert.False(m.Connected())
	select {
	case <-fired:
		t.Fatal("unexpected callback")
	case <-time.After(50 * time.Millisecond):
	}

	// Reconnecting fires again.
	m.setStatus(Status{Connected: true, SSID: "backyard"})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("reconnect callback never fired")
	}
}
