// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package improv

import (
	"context"
	"strconv"

	"go.uber.org/zap"
)

// DeviceInfo is reported to provisioning clients.
type DeviceInfo struct {
	ProductName    string
	ProductVersion string
	HardwareName   string
	DeviceName     string
}

// Network is one scan result shown to the provisioning client.
type Network struct {
	SSID    string
	RSSI    int
	Secured bool
}

// Callbacks connect the protocol to the rest of the agent.
type Callbacks struct {
	// Provision applies Wi-Fi credentials.  An error is reported to the
	// client as a failed provisioning attempt.
	Provision func(ctx context.Context, ssid, password string) error

	// Scan lists visible networks.
	Scan func(ctx context.Context) ([]Network, error)

	// CurrentState reports the provisioning state, plus the URL the
	// client should be redirected to once provisioned.
	CurrentState func() (State, string)
}

// reply is one outgoing packet, before transport framing.
type reply struct {
	typ  byte
	data []byte
}

// Handler holds the transport-independent protocol logic.
type Handler struct {
	info      DeviceInfo
	callbacks Callbacks
	log       *zap.Logger
}

func NewHandler(info DeviceInfo, callbacks Callbacks, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		info:      info,
		callbacks: callbacks,
		log:       log.Named("improv"),
	}
}

func errorReply(code byte) []reply {
	return []reply{{packetErrorState, []byte{code}}}
}

func (h *Handler) currentStateReplies(command byte) []reply {
	state, url := h.callbacks.CurrentState()
	replies := []reply{{packetCurrentState, []byte{byte(state)}}}
	if url != "" {
		replies = append(replies, reply{packetRPCResult, rpcResultBody(command, url)})
	} else {
		replies = append(replies, reply{packetRPCResult, rpcResultBody(command)})
	}
	return replies
}

// handleRPC serves one RPC command payload: the command byte, a length
// byte, then the command arguments.
func (h *Handler) handleRPC(ctx context.Context, payload []byte) []reply {
	if len(payload) < 2 {
		return errorReply(errInvalidPacket)
	}
	command := payload[0]
	args := payload[2:]

	switch command {
	case rpcSendSettings:
		args, ssid, err := decodeString(args)
		if err != nil {
			return errorReply(errInvalidPacket)
		}
		_, password, err := decodeString(args)
		if err != nil {
			return errorReply(errInvalidPacket)
		}

		h.log.Info("provisioning requested", zap.String("ssid", ssid))
		if err := h.callbacks.Provision(ctx, ssid, password); err != nil {
			h.log.Warn("provisioning failed", zap.Error(err))
			return errorReply(errUnableToConnect)
		}
		return h.currentStateReplies(command)

	case rpcRequestCurrentState:
		return h.currentStateReplies(command)

	case rpcRequestDeviceInfo:
		return []reply{{packetRPCResult, rpcResultBody(command,
			h.info.ProductName,
			h.info.ProductVersion,
			h.info.HardwareName,
			h.info.DeviceName,
		)}}

	case rpcRequestScanNetworks:
		networks, err := h.callbacks.Scan(ctx)
		if err != nil {
			h.log.Warn("wifi scan failed", zap.Error(err))
			return errorReply(errUnknown)
		}

		var replies []reply
		seen := make(map[string]struct{}, len(networks))
		for _, n := range networks {
			if _, dup := seen[n.SSID]; dup {
				continue
			}
			seen[n.SSID] = struct{}{}

			secured := "NO"
			if n.Secured {
				secured = "YES"
			}
			replies = append(replies, reply{packetRPCResult, rpcResultBody(
				command, n.SSID, strconv.Itoa(n.RSSI), secured)})
		}
		// An empty result terminates the listing.
		return append(replies, reply{packetRPCResult, rpcResultBody(command)})
	}

	return errorReply(errUnknownCommand)
}
