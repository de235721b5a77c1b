// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"time"

	"github.com/xmidt-org/arrange/arrangetls"
	"github.com/xmidt-org/httpaux"
	serveraux "github.com/xmidt-org/httpaux/server"
)

type Config struct {
	// Address corresponds to http.Server.Addr.
	Address string `validate:"empty=false"`

	// ReadTimeout corresponds to http.Server.ReadTimeout.
	ReadTimeout time.Duration

	// ReadHeaderTimeout corresponds to http.Server.ReadHeaderTimeout.
	ReadHeaderTimeout time.Duration

	// WriteTimeout corresponds to http.Server.WriteTimeout.
	WriteTimeout time.Duration

	// IdleTimeout corresponds to http.Server.IdleTimeout.
	IdleTimeout time.Duration

	// MaxHeaderBytes corresponds to http.Server.MaxHeaderBytes.
	MaxHeaderBytes int

	// KeepAlive corresponds to net.ListenConfig.KeepAlive.  This value is
	// only used for listeners created via Listen.
	KeepAlive time.Duration

	// Headers supplies HTTP headers to emit on every response from this
	// server.
	Headers http.Header

	// TLS is the optional unmarshaled TLS configuration.  If set, the
	// resulting server will use HTTPS.
	TLS *arrangetls.Config
}

func (c Config) Server(h http.Handler) (server *http.Server, err error) {
	// Decorate the outgoing headers via a chained http.Handler.
	headers := httpaux.NewHeader(c.Headers)
	handler := serveraux.Header(headers.SetTo)(h)

	readTimeout := c.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := c.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 15 * time.Second
	}

	server = &http.Server{
		Addr:              c.Address,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: c.ReadHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       c.IdleTimeout,
		MaxHeaderBytes:    c.MaxHeaderBytes,
	}

	server.TLSConfig, err = c.TLS.New()

	return
}
