// Copyright (c) 2014 The SurgeMQ Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package service

import (
	"bytes"
	"io"
	"net"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/surgemq/surgestomp/frame"
	"go.uber.org/zap"
)

// readLoop decodes frames from the transport and hands them to handleFrame until the
// stream ends. A stream that ends because it was closed is reported as
// OnDisconnected, any other failure as OnException.
func (this *service) readLoop(r *frame.Reader) {
	defer close(this.done)

	this.log.Debug("Starting read loop")

	for {
		f, err := r.Read()
		if err != nil {
			this.readFailed(err)
			return
		}

		framesIn.WithLabelValues(f.Command).Inc()

		if err := this.handleFrame(f); err != nil {
			this.log.Error("Error processing frame", zap.String("command", f.Command), zap.Error(err))
		}
	}
}

func (this *service) readFailed(err error) {
	stopping := this.isClosed()

	this.stop()

	events := this.eventListener()

	if stopping || isClosedError(err) {
		this.log.Debug("Stopping read loop", zap.NamedError("cause", err))
		events.OnDisconnected()
		return
	}

	this.log.Error("Read loop failed", zap.Error(err))
	events.OnException(errors.Wrap(err, "service: read"))
}

// isClosedError reports whether err means the transport was closed, as opposed to a
// failure.
func isClosedError(err error) bool {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, ErrBufferClosed),
		errors.Is(err, ErrTransportClosed):
		return true
	}

	var ce *websocket.CloseError
	return errors.As(err, &ce)
}

// writeFrame encodes f and writes it to the transport in a single call. Every write
// of the service goes through here.
func (this *service) writeFrame(f *frame.Frame) (err error) {
	this.wmu.Lock()
	defer this.wmu.Unlock()

	conn := this.transport()
	if conn == nil {
		return ErrNotConnected
	}

	if this.isClosed() {
		return ErrTransportClosed
	}

	var buf bytes.Buffer
	if err = frame.Encode(&buf, f); err != nil {
		return err
	}

	if !f.IsHeartBeat() {
		this.stopHeartBeat()
	}

	defer this.armHeartBeat()

	n, err := conn.Write(buf.Bytes())
	bytesOut.Add(float64(n))

	if err != nil {
		if isClosedError(err) {
			return errors.Wrapf(ErrTransportClosed, "writing %s: %v", f.Command, err)
		}
		return errors.Wrapf(err, "service: writing %s", f.Command)
	}

	framesOut.WithLabelValues(f.Command).Inc()

	if ce := this.log.Check(zap.DebugLevel, "Sent frame"); ce != nil {
		ce.Write(zap.Stringer("frame", f))
	}

	return nil
}
