// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package network watches connectivity through NetworkManager over D-Bus
// and owns the Wi-Fi connection profiles the agent provisions.  Profiles
// created here carry the "Ribbit:" ID prefix; anything else in
// NetworkManager is left alone.
package network

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	nm "github.com/Wifx/gonetworkmanager/v2"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// ManagedPrefix marks connection profiles owned by the agent.
const ManagedPrefix = "Ribbit:"

const dbusPropertiesChanged = "org.freedesktop.DBus.Properties.PropertiesChanged"

var (
	errAlreadyStarted = errors.New("network manager already started")
	ErrNoWifiDevice   = errors.New("no usable wifi device")
)

// Status is a snapshot of connectivity.
type Status struct {
	Connected bool     `json:"connected"`
	SSID      string   `json:"ssid,omitempty"`
	IP        string   `json:"ip,omitempty"`
	Prefix    uint8    `json:"prefix,omitempty"`
	Gateway   string   `json:"gateway,omitempty"`
	DNS       []string `json:"dns,omitempty"`
}

// AccessPoint is one scan result.
type AccessPoint struct {
	SSID     string `json:"ssid"`
	BSSID    string `json:"bssid"`
	Strength uint8  `json:"strength"`
	Secured  bool   `json:"secured"`
}

// Opts configures a Manager.
type Opts struct {
	Logger *zap.Logger
}

// Manager tracks NetworkManager state and fires callbacks on connect.
type Manager struct {
	mutex    sync.Mutex
	log      *zap.Logger
	nmObj    nm.NetworkManager
	settings nm.Settings

	onConnect []func()
	status    Status

	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Opts) *Manager {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log: log.Named("network"),
	}
}

// OnConnect registers fn to run whenever connectivity is (re)gained.
// Register before Start.
func (m *Manager) OnConnect(fn func()) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onConnect = append(m.onConnect, fn)
}

func (m *Manager) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.cancel != nil {
		return errAlreadyStarted
	}

	var err error
	m.nmObj, err = nm.NewNetworkManager()
	if err != nil {
		return err
	}
	m.settings, err = nm.NewSettings()
	if err != nil {
		return err
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)
	return nil
}

func (m *Manager) Stop() {
	m.mutex.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mutex.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	signals := m.nmObj.Subscribe()
	defer m.nmObj.Unsubscribe()

	// NetworkManager may already be up when the agent starts.
	m.refresh()

	// The periodic poll covers missed or filtered D-Bus signals.
	poll := time.NewTicker(time.Minute)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			m.refresh()
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig.Name == dbusPropertiesChanged ||
				strings.HasPrefix(sig.Name, "org.freedesktop.NetworkManager") {
				m.refresh()
			}
		}
	}
}

// refresh re-reads NetworkManager state and fires connect callbacks on an
// offline to online transition.
func (m *Manager) refresh() {
	state, err := m.nmObj.GetPropertyState()
	if err != nil {
		m.log.Warn("failed to read network state", zap.Error(err))
		return
	}
	connected := state == nm.NmStateConnectedGlobal

	status := Status{Connected: connected}
	if connected {
		m.fillWifiDetails(&status)
	}
	m.setStatus(status)
}

func (m *Manager) setStatus(status Status) {
	m.mutex.Lock()
	wasConnected := m.status.Connected
	m.status = status
	callbacks := append([]func(){}, m.onConnect...)
	m.mutex.Unlock()

	if status.Connected && !wasConnected {
		m.log.Info("network connected",
			zap.String("ssid", status.SSID), zap.String("ip", status.IP))
		for _, fn := range callbacks {
			go fn()
		}
	} else if !status.Connected && wasConnected {
		m.log.Warn("network disconnected")
	}
}

// fillWifiDetails reads the SSID and the IPv4 lease off the active wifi
// device.
func (m *Manager) fillWifiDetails(status *Status) {
	devices, err := m.nmObj.GetAllDevices()
	if err != nil {
		return
	}
	for _, device := range devices {
		wifi, ok := device.(interface {
			GetPropertyActiveAccessPoint() (nm.AccessPoint, error)
		})
		if !ok {
			continue
		}
		ap, err := wifi.GetPropertyActiveAccessPoint()
		if err != nil || ap == nil {
			continue
		}
		if ssid, err := ap.GetPropertySSID(); err == nil {
			status.SSID = ssid
		}

		ipv4, err := device.GetPropertyIP4Config()
		if err != nil || ipv4 == nil {
			return
		}
		if addrs, err := ipv4.GetPropertyAddressData(); err == nil && len(addrs) > 0 {
			status.IP = addrs[0].Address
			status.Prefix = addrs[0].Prefix
		}
		if gateway, err := ipv4.GetPropertyGateway(); err == nil {
			status.Gateway = gateway
		}
		if servers, err := ipv4.GetPropertyNameserverData(); err == nil {
			for _, server := range servers {
				if server.Address != "" {
					status.DNS = append(status.DNS, server.Address)
				}
			}
		}
		return
	}
}

// Status returns the last observed connectivity snapshot.
func (m *Manager) Status() Status {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.status
}

// Connected reports whether the device currently has global connectivity.
func (m *Manager) Connected() bool {
	return m.Status().Connected
}

// Provision replaces the agent's Wi-Fi profile with one for ssid/psk.
// NetworkManager activates it on its own once saved.
func (m *Manager) Provision(ssid, psk string) error {
	if ssid == "" {
		return errors.New("ssid is required")
	}

	connections, err := m.settings.ListConnections()
	if err != nil {
		return err
	}
	for _, conn := range connections {
		settings, err := conn.GetSettings()
		if err != nil {
			continue
		}
		if id, ok := settings["connection"]["id"].(string); ok && managedID(id) {
			m.log.Info("removing old provisioned connection", zap.String("id", id))
			if err := conn.Delete(); err != nil {
				m.log.Warn("failed to delete connection", zap.Error(err))
			}
		}
	}

	m.log.Info("provisioning wifi connection", zap.String("ssid", ssid))
	_, err = m.settings.AddConnection(wifiSettings(ssid, psk))
	return err
}

// Scan requests a fresh Wi-Fi scan and returns the visible access points.
func (m *Manager) Scan(ctx context.Context) ([]AccessPoint, error) {
	devices, err := m.nmObj.GetAllDevices()
	if err != nil {
		return nil, err
	}

	for _, device := range devices {
		deviceType, err := device.GetPropertyDeviceType()
		if err != nil || deviceType != nm.NmDeviceTypeWifi {
			continue
		}
		wifi, ok := device.(nm.DeviceWireless)
		if !ok {
			continue
		}
		return m.scanDevice(ctx, wifi)
	}
	return nil, ErrNoWifiDevice
}

func (m *Manager) scanDevice(ctx context.Context, device nm.DeviceWireless) ([]AccessPoint, error) {
	signals := m.nmObj.Subscribe()
	defer m.nmObj.Unsubscribe()

	if err := device.RequestScan(); err != nil {
		m.log.Warn("wifi scan request failed", zap.Error(err))
	}

	// Wait until the device's LastScan property moves, which marks the
	// scan as complete, or give up and report what is cached.
	timeout := time.After(5 * time.Second)
wait:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			break wait
		case sig, ok := <-signals:
			if !ok {
				break wait
			}
			if sig.Path != device.GetPath() ||
				sig.Name != dbusPropertiesChanged || len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			if _, ok := changed["LastScan"]; ok {
				break wait
			}
		}
	}

	nmAPs, err := device.GetPropertyAccessPoints()
	if err != nil {
		return nil, err
	}

	result := make([]AccessPoint, 0, len(nmAPs))
	for _, nmAP := range nmAPs {
		ap, err := resolveAccessPoint(nmAP)
		if err != nil {
			continue
		}
		if ap.SSID != "" {
			result = append(result, ap)
		}
	}
	return result, nil
}

func resolveAccessPoint(nmAP nm.AccessPoint) (ap AccessPoint, err error) {
	ssid, err := nmAP.GetPropertySSID()
	if err != nil {
		return ap, err
	}
	ap.SSID = ssid

	ap.BSSID, err = nmAP.GetPropertyHWAddress()
	if err != nil {
		return ap, err
	}

	ap.Strength, err = nmAP.GetPropertyStrength()
	if err != nil {
		return ap, err
	}

	wpa, err := nmAP.GetPropertyWPAFlags()
	if err != nil {
		return ap, err
	}
	rsn, err := nmAP.GetPropertyRSNFlags()
	if err != nil {
		return ap, err
	}
	ap.Secured = wpa != 0 || rsn != 0

	return ap, nil
}

func managedID(id string) bool {
	return strings.HasPrefix(id, ManagedPrefix)
}

// wifiSettings builds the NetworkManager profile for an infrastructure
// WPA-PSK (or open, when psk is empty) network.
func wifiSettings(ssid, psk string) nm.ConnectionSettings {
	settings := nm.ConnectionSettings{
		"connection": map[string]any{
			"id":                   ManagedPrefix + ssid,
			"type":                 "802-11-wireless",
			"autoconnect":          true,
			"autoconnect-priority": int32(10),
		},
		"802-11-wireless": map[string]any{
			"ssid": []byte(ssid),
			"mode": "infrastructure",
		},
		"ipv4": map[string]any{"method": "auto"},
		"ipv6": map[string]any{"method": "auto"},
	}
	if psk != "" {
		settings["802-11-wireless-security"] = map[string]any{
			"key-mgmt": "wpa-psk",
			"psk":      psk,
		}
	}
	return settings
}
