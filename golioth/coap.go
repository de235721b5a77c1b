// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package golioth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	coap "github.com/go-ocf/go-coap"
	"github.com/go-ocf/go-coap/codes"
	"github.com/pion/dtls/v2"
)

// coapConn adapts a go-coap client connection to the Conn interface.
type coapConn struct {
	conn *coap.ClientConn
}

// dialDTLS opens a PSK-authenticated DTLS session.  Golioth accepts the
// device credentials as PSK identity and key.
func dialDTLS(ctx context.Context, s Settings) (Conn, error) {
	client := &coap.Client{
		Net: "udp-dtls",
		DTLSConfig: &dtls.Config{
			PSK: func(hint []byte) ([]byte, error) {
				return []byte(s.Password), nil
			},
			PSKIdentityHint: []byte(s.User),
			CipherSuites: []dtls.CipherSuiteID{
				dtls.TLS_PSK_WITH_AES_128_CCM_8,
			},
		},
		DialTimeout: 30 * time.Second,
	}

	conn, err := client.Dial(net.JoinHostPort(s.Host, strconv.FormatInt(s.Port, 10)))
	if err != nil {
		return nil, err
	}
	return &coapConn{conn: conn}, nil
}

func (c *coapConn) Get(ctx context.Context, path string) ([]byte, error) {
	msg, err := c.conn.GetWithContext(ctx, path)
	if err != nil {
		return nil, err
	}
	if msg.Code() != codes.Content {
		return nil, fmt.Errorf("unexpected response code %v for %s", msg.Code(), path)
	}
	return msg.Payload(), nil
}

func (c *coapConn) Post(ctx context.Context, path string, payload []byte) error {
	msg, err := c.conn.PostWithContext(ctx, path, coap.AppJSON, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if !postAccepted(msg.Code()) {
		return fmt.Errorf("unexpected response code %v for %s", msg.Code(), path)
	}
	return nil
}

// postAccepted reports whether a POST response code counts as success.
func postAccepted(code codes.Code) bool {
	switch code {
	case codes.Created, codes.Changed, codes.Content, codes.Valid:
		return true
	}
	return false
}

func (c *coapConn) Observe(ctx context.Context, path string, fn func(payload []byte)) (io.Closer, error) {
	obs, err := c.conn.ObserveWithContext(ctx, path, func(req *coap.Request) {
		fn(req.Msg.Payload())
	})
	if err != nil {
		return nil, err
	}
	return observation{obs}, nil
}

func (c *coapConn) Ping(ctx context.Context) error {
	return c.conn.Ping(10 * time.Second)
}

func (c *coapConn) Close() error {
	return c.conn.Close()
}

type observation struct {
	obs *coap.Observation
}

func (o observation) Close() error {
	return o.obs.Cancel()
}
