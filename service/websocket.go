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
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// websocketConn turns a websocket.Conn into a byte stream. Every Write is sent as one
// binary message, and incoming messages are concatenated.
type websocketConn struct {
	buf        *bytes.Buffer
	readMutex  sync.Mutex
	writeMutex sync.Mutex
	*websocket.Conn
}

var _ net.Conn = (*websocketConn)(nil)

func newWebsocketConn(ws *websocket.Conn) *websocketConn {
	return &websocketConn{
		buf:  bytes.NewBuffer(nil),
		Conn: ws,
	}
}

func (this *websocketConn) Read(p []byte) (int, error) {
	this.readMutex.Lock()
	defer this.readMutex.Unlock()

	for this.buf.Len() == 0 {
		_, msg, err := this.ReadMessage()
		if err != nil {
			return 0, err
		}

		this.buf.Write(msg)
	}

	return this.buf.Read(p)
}

func (this *websocketConn) Write(p []byte) (int, error) {
	this.writeMutex.Lock()
	defer this.writeMutex.Unlock()

	if err := this.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// Close sends a close message before closing the socket, so the peer sees a clean
// shutdown.
func (this *websocketConn) Close() error {
	this.writeMutex.Lock()
	this.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	this.writeMutex.Unlock()

	return this.Conn.Close()
}

func (this *websocketConn) SetReadDeadline(t time.Time) error {
	return this.Conn.SetReadDeadline(t)
}

func (this *websocketConn) SetWriteDeadline(t time.Time) error {
	this.writeMutex.Lock()
	defer this.writeMutex.Unlock()

	return this.Conn.SetWriteDeadline(t)
}

func (this *websocketConn) SetDeadline(t time.Time) error {
	if err := this.SetReadDeadline(t); err != nil {
		return err
	}

	return this.SetWriteDeadline(t)
}
