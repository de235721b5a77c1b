// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package improv

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// Improv service UUID 00467768-6228-2272-4663-2774782680xx, with the
// low byte selecting the characteristic.
func improvUUID(low uint32) bluetooth.UUID {
	return bluetooth.UUID{0x78268000 | low, 0x46632774, 0x62282272, 0x00467768}
}

var (
	serviceUUID          = improvUUID(0x0)
	currentStateUUID     = improvUUID(0x1)
	errorStateUUID       = improvUUID(0x2)
	rpcCommandUUID       = improvUUID(0x3)
	rpcResultUUID        = improvUUID(0x4)
	capabilitiesUUID     = improvUUID(0x5)
	capabilityIdentifyNo = []byte{0x00}
)

// BLEOpts configures a BLEHandler.
type BLEOpts struct {
	Info      DeviceInfo
	Callbacks Callbacks

	// LocalName is the advertised device name.
	LocalName string

	Logger *zap.Logger
}

// BLEHandler exposes the Improv service over Bluetooth Low Energy.
// Characteristic values use the protocol's payloads directly; the serial
// header framing does not apply.
type BLEHandler struct {
	handler *Handler
	name    string
	log     *zap.Logger

	adapter *bluetooth.Adapter
	adv     *bluetooth.Advertisement

	currentState bluetooth.Characteristic
	errorState   bluetooth.Characteristic
	rpcResult    bluetooth.Characteristic

	cancel context.CancelFunc
}

func NewBLEHandler(opts BLEOpts) *BLEHandler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	name := opts.LocalName
	if name == "" {
		name = opts.Info.ProductName
	}
	return &BLEHandler{
		handler: NewHandler(opts.Info, opts.Callbacks, log),
		name:    name,
		log:     log.Named("improv.ble"),
		adapter: bluetooth.DefaultAdapter,
	}
}

func (b *BLEHandler) Start(ctx context.Context) error {
	if b.cancel != nil {
		return errors.New("improv ble handler already started")
	}
	ctx, b.cancel = context.WithCancel(ctx)

	if err := b.adapter.Enable(); err != nil {
		return err
	}

	state, _ := b.handler.callbacks.CurrentState()
	err := b.adapter.AddService(&bluetooth.Service{
		UUID: serviceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &b.currentState,
				UUID:   currentStateUUID,
				Value:  []byte{byte(state)},
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
			},
			{
				Handle: &b.errorState,
				UUID:   errorStateUUID,
				Value:  []byte{errNone},
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
			},
			{
				UUID:  rpcCommandUUID,
				Flags: bluetooth.CharacteristicWritePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					b.handleCommand(ctx, value)
				},
			},
			{
				Handle: &b.rpcResult,
				UUID:   rpcResultUUID,
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
			},
			{
				UUID:  capabilitiesUUID,
				Value: capabilityIdentifyNo,
				Flags: bluetooth.CharacteristicReadPermission,
			},
		},
	})
	if err != nil {
		return err
	}

	b.adv = b.adapter.DefaultAdvertisement()
	err = b.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    b.name,
		ServiceUUIDs: []bluetooth.UUID{serviceUUID},
	})
	if err != nil {
		return err
	}

	b.log.Info("improv ble service advertising", zap.String("name", b.name))
	return b.adv.Start()
}

func (b *BLEHandler) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.cancel = nil
}

// handleCommand serves one write to the RPC command characteristic.  The
// value is the RPC payload followed by an additive checksum byte.
func (b *BLEHandler) handleCommand(ctx context.Context, value []byte) {
	if len(value) < 3 || checksum(value[:len(value)-1]) != value[len(value)-1] {
		b.writeValue(&b.errorState, []byte{errInvalidPacket})
		return
	}

	for _, r := range b.handler.handleRPC(ctx, value[:len(value)-1]) {
		switch r.typ {
		case packetCurrentState:
			b.writeValue(&b.currentState, r.data)
		case packetErrorState:
			b.writeValue(&b.errorState, r.data)
		case packetRPCResult:
			payload := append([]byte(nil), r.data...)
			b.writeValue(&b.rpcResult, append(payload, checksum(payload)))
		}
	}
}

func (b *BLEHandler) writeValue(c *bluetooth.Characteristic, value []byte) {
	if _, err := c.Write(value); err != nil {
		b.log.Warn("characteristic write failed", zap.Error(err))
	}
}
