// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package improv implements the Improv Wi-Fi provisioning protocol
// (https://www.improv-wifi.com/) over the serial console and BLE, so a
// freshly installed device can be pointed at a network from a browser or
// phone.
package improv

import "errors"

// State of the provisioning flow, as reported to the client.
type State byte

const (
	StateReady        State = 0x02
	StateProvisioning State = 0x03
	StateProvisioned  State = 0x04
)

// Wire error codes.
const (
	errNone            = 0x00
	errInvalidPacket   = 0x01
	errUnknownCommand  = 0x02
	errUnableToConnect = 0x03
	errUnknown         = 0xFF
)

// Packet types.
const (
	packetCurrentState = 0x01
	packetErrorState   = 0x02
	packetRPCCommand   = 0x03
	packetRPCResult    = 0x04
)

// RPC commands.
const (
	rpcSendSettings        = 0x01
	rpcRequestCurrentState = 0x02
	rpcRequestDeviceInfo   = 0x03
	rpcRequestScanNetworks = 0x04
)

var header = []byte("IMPROV")

const protocolVersion = 0x01

// encodePacket frames one serial packet: header, version, type, payload
// length, payload, and an additive checksum over everything before it.
func encodePacket(typ byte, data []byte) []byte {
	p := make([]byte, 0, len(header)+4+len(data))
	p = append(p, header...)
	p = append(p, protocolVersion, typ, byte(len(data)))
	p = append(p, data...)
	return append(p, checksum(p))
}

func checksum(p []byte) byte {
	var sum byte
	for _, c := range p {
		sum += c
	}
	return sum
}

// rpcResultBody builds an RPC result payload: the command echoed back, a
// total length, then length-prefixed strings.
func rpcResultBody(command byte, fields ...string) []byte {
	body := []byte{command, 0}
	for _, f := range fields {
		body = append(body, byte(len(f)))
		body = append(body, f...)
	}
	body[1] = byte(len(body) - 2)
	return body
}

var errShortString = errors.New("truncated string in packet")

// decodeString consumes one length-prefixed string.
func decodeString(buf []byte) (rest []byte, s string, err error) {
	if len(buf) < 1 {
		return nil, "", errShortString
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return nil, "", errShortString
	}
	return buf[1+n:], string(buf[1 : 1+n]), nil
}

// decoder is a byte-at-a-time parser for serial packets.  Noise between
// packets is discarded while hunting for the header.
type decoder struct {
	state    int
	checksum byte
	typ      byte
	length   int
	buf      []byte
}

const (
	stateVersion  = 6
	stateType     = 7
	stateLength   = 8
	stateData     = 9
	stateChecksum = 10
)

// feed consumes one byte, returning a complete packet when one arrives.
// Packets with a bad checksum are dropped.
func (d *decoder) feed(c byte) (typ byte, payload []byte, ok bool) {
	if d.state == stateChecksum {
		d.state = 0
		if d.checksum != c {
			return 0, nil, false
		}
		return d.typ, d.buf, true
	}

	if d.state != 0 {
		d.checksum += c
	}

	switch {
	case d.state < len(header):
		if c != header[d.state] {
			d.state = 0
			return 0, nil, false
		}
		if d.state == 0 {
			d.checksum = c
		}
		d.state++

	case d.state == stateVersion:
		if c != protocolVersion {
			d.state = 0
			return 0, nil, false
		}
		d.state++

	case d.state == stateType:
		d.typ = c
		d.state++

	case d.state == stateLength:
		d.length = int(c)
		d.buf = d.buf[:0]
		d.state++
		if d.length == 0 {
			d.state++
		}

	case d.state == stateData:
		d.buf = append(d.buf, c)
		if len(d.buf) == d.length {
			d.state++
		}
	}

	return 0, nil, false
}
