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
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	DefaultPort          = "61613"
	DefaultWebsocketPath = "/stomp"

	SchemeTCP       = "stomp"
	SchemeNIO       = "stomp+nio"
	SchemeSSL       = "stomp+ssl"
	SchemeWebsocket = "stomp+ws"
	SchemeLoopback  = "loopback"
)

// Dialer opens the byte stream for a STOMP URI.
type Dialer func(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error)

var (
	transportsMu sync.RWMutex
	transports   = make(map[string]Dialer)
)

func init() {
	RegisterTransport(SchemeTCP, dialTCP)
	RegisterTransport(SchemeNIO, dialTCP)
	RegisterTransport(SchemeSSL, dialTLS)
	RegisterTransport(SchemeWebsocket, dialWebsocket)
	RegisterTransport(SchemeLoopback, dialLoopback)
}

// RegisterTransport makes d the dialer for URIs with the given scheme. It panics if
// the scheme is taken.
func RegisterTransport(scheme string, d Dialer) {
	if d == nil {
		panic("service: RegisterTransport dialer is nil")
	}

	transportsMu.Lock()
	defer transportsMu.Unlock()

	if _, dup := transports[scheme]; dup {
		panic("service: RegisterTransport called twice for scheme " + scheme)
	}

	transports[scheme] = d
}

func UnregisterTransport(scheme string) {
	transportsMu.Lock()
	defer transportsMu.Unlock()

	delete(transports, scheme)
}

func lookupTransport(scheme string) (Dialer, error) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()

	d, ok := transports[scheme]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidConnectionType, "no transport for scheme %q", scheme)
	}

	return d, nil
}

// hostPort returns host:port of u, using DefaultPort if u has none.
func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = DefaultPort
	}

	return net.JoinHostPort(u.Hostname(), port)
}

func dialTCP(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", hostPort(u))
}

func dialTLS(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	d := tls.Dialer{
		Config: &tls.Config{ServerName: u.Hostname()},
	}

	return d.DialContext(ctx, "tcp", hostPort(u))
}

func dialWebsocket(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	path := u.Path
	if path == "" {
		path = DefaultWebsocketPath
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, (&url.URL{Scheme: "ws", Host: hostPort(u), Path: path}).String(), nil)
	if err != nil {
		return nil, err
	}

	return newWebsocketConn(ws), nil
}

// dialLoopback starts a broker on one end of an in-memory pipe and returns the other
// end. Every dial gets its own broker.
func dialLoopback(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	client, server := NewPipe()

	if _, err := newLoopbackBroker(server); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}
