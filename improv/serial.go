// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

package improv

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
)

var errAlreadyStarted = errors.New("improv serial handler already started")

// SerialOpts configures a SerialHandler.
type SerialOpts struct {
	Info      DeviceInfo
	Callbacks Callbacks

	// RW is the serial stream, usually the console UART.
	RW io.ReadWriter

	Logger *zap.Logger
}

// SerialHandler speaks Improv over a byte stream.  It shares the stream
// with the interactive console; anything that is not a valid packet is
// ignored here.
type SerialHandler struct {
	handler *Handler
	rw      io.ReadWriter
	log     *zap.Logger

	writeMutex sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewSerialHandler(opts SerialOpts) *SerialHandler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &SerialHandler{
		handler: NewHandler(opts.Info, opts.Callbacks, log),
		rw:      opts.RW,
		log:     log.Named("improv.serial"),
	}
}

// SetRW replaces the stream.  Only valid before Start.
func (s *SerialHandler) SetRW(rw io.ReadWriter) {
	s.rw = rw
}

func (s *SerialHandler) Start(ctx context.Context) error {
	if s.cancel != nil {
		return errAlreadyStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *SerialHandler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *SerialHandler) run(ctx context.Context) {
	defer close(s.done)

	var d decoder
	buf := make([]byte, 1)
	for ctx.Err() == nil {
		if _, err := s.rw.Read(buf); err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.log.Warn("serial read failed", zap.Error(err))
			}
			return
		}

		typ, payload, ok := d.feed(buf[0])
		if !ok {
			continue
		}

		var replies []reply
		if typ == packetRPCCommand {
			replies = s.handler.handleRPC(ctx, payload)
		} else {
			replies = errorReply(errInvalidPacket)
		}
		s.send(replies)
	}
}

// SendCurrentState pushes an unsolicited state update, used when
// provisioning completes in the background.
func (s *SerialHandler) SendCurrentState(state State) {
	s.send([]reply{{packetCurrentState, []byte{byte(state)}}})
}

func (s *SerialHandler) send(replies []reply) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	for _, r := range replies {
		if _, err := s.rw.Write(encodePacket(r.typ, r.data)); err != nil {
			s.log.Warn("serial write failed", zap.Error(err))
			return
		}
	}
}
