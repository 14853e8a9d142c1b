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
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/surgemq/surgestomp/auth"
	"github.com/surgemq/surgestomp/commons"
	"github.com/surgemq/surgestomp/destinations"
	"go.uber.org/zap"
)

// Server accepts STOMP connections over TCP or websocket and runs a broker session for
// each. All sessions share one destination table, so a SEND from one connection
// reaches the subscriber on another.
type Server struct {
	// Authenticator is the auth provider that checks login and passcode of CONNECT.
	// If not set then every CONNECT is accepted.
	Authenticator string

	// DestinationsProvider is the destinations provider that keeps the subscription
	// table. If not set then default to "mem".
	DestinationsProvider string

	// WebsocketPath is where websocket clients connect. If not set then default to
	// "/stomp".
	WebsocketPath string

	authMgr *auth.Manager
	dests   *destinations.Manager

	lastMessageID uint64

	mu          sync.Mutex
	configured  bool
	closed      bool
	sessions    map[string]*service
	listeners   []net.Listener
	httpServers []*http.Server
}

// ListenAndServe listens on uri and serves connections until Close. Schemes tcp,
// stomp and stomp+nio listen for TCP, ws and stomp+ws for websocket.
func (this *Server) ListenAndServe(uri string) error {
	if err := this.checkConfiguration(); err != nil {
		return err
	}

	u, err := url.Parse(uri)
	if err != nil {
		return err
	}

	switch u.Scheme {
	case "tcp", SchemeTCP, SchemeNIO:
		ln, err := net.Listen("tcp", hostPort(u))
		if err != nil {
			return err
		}

		return this.Serve(ln)

	case "ws", SchemeWebsocket:
		ln, err := net.Listen("tcp", hostPort(u))
		if err != nil {
			return err
		}

		return this.ServeWebsocket(ln, u.Path)
	}

	return errors.Wrapf(ErrInvalidConnectionType, "cannot listen on %q", u.Scheme)
}

// Serve accepts TCP connections on ln until Close.
func (this *Server) Serve(ln net.Listener) error {
	if err := this.checkConfiguration(); err != nil {
		ln.Close()
		return err
	}

	if !this.track(ln, nil) {
		ln.Close()
		return ErrTransportClosed
	}

	defer ln.Close()

	commons.Log.Info("server/Serve: server is ready", zap.Stringer("addr", ln.Addr()))

	var tempDelay time.Duration // how long to sleep on accept failure

	for {
		conn, err := ln.Accept()

		if err != nil {
			if this.isClosed() {
				return nil
			}

			// Borrowed from go1.3.3/src/pkg/net/http/server.go:1699
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				commons.Log.Error("server/Serve: Accept error, retrying", zap.Error(err), zap.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}

		tempDelay = 0

		if err := this.HandleConnection(conn); err != nil {
			commons.Log.Error("server/Serve: Error handling connection", zap.Error(err))
		}
	}
}

// ServeWebsocket serves websocket clients on ln at path until Close.
func (this *Server) ServeWebsocket(ln net.Listener, path string) error {
	if err := this.checkConfiguration(); err != nil {
		ln.Close()
		return err
	}

	if path == "" {
		path = this.WebsocketPath
	}

	mux := http.NewServeMux()
	mux.Handle(path, this.WebsocketHandler())

	srv := &http.Server{Handler: mux}

	if !this.track(nil, srv) {
		ln.Close()
		return ErrTransportClosed
	}

	commons.Log.Info("server/ServeWebsocket: server is ready", zap.Stringer("addr", ln.Addr()), zap.String("path", path))

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// WebsocketHandler upgrades requests to websocket and serves them as STOMP
// connections.
func (this *Server) WebsocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"v11.stomp"},
		CheckOrigin:  func(r *http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			commons.Log.Error("server/WebsocketHandler: Upgrade failed", zap.Error(err))
			return
		}

		if err := this.HandleConnection(newWebsocketConn(ws)); err != nil {
			commons.Log.Error("server/WebsocketHandler: Error handling connection", zap.Error(err))
		}
	})
}

// HandleConnection starts a broker session on c. It returns once the session runs.
func (this *Server) HandleConnection(c io.ReadWriteCloser) error {
	if c == nil {
		return ErrInvalidConnectionType
	}

	if err := this.checkConfiguration(); err != nil {
		c.Close()
		return err
	}

	b := &broker{
		svc:           newService(""),
		session:       uuid.NewString(),
		dests:         this.dests,
		authMgr:       this.authMgr,
		lastMessageID: &this.lastMessageID,
		route:         this.session,
	}

	this.mu.Lock()
	if this.closed {
		this.mu.Unlock()
		c.Close()
		return ErrTransportClosed
	}
	this.sessions[b.session] = b.svc
	this.mu.Unlock()

	sessionsOpen.Inc()

	b.svc.serve(c, b)

	b.svc.log.Info("server/HandleConnection: Connection established", zap.String("session", b.session))

	go func() {
		<-b.svc.done

		this.mu.Lock()
		delete(this.sessions, b.session)
		this.mu.Unlock()

		n := this.dests.Drop(b.session)
		sessionsOpen.Dec()

		b.svc.log.Info("server/HandleConnection: Connection closed", zap.String("session", b.session), zap.Int("subscriptions", n))
	}()

	return nil
}

// Sessions returns the number of open sessions.
func (this *Server) Sessions() int {
	this.mu.Lock()
	defer this.mu.Unlock()

	return len(this.sessions)
}

// Close stops all listeners and closes every session.
func (this *Server) Close() error {
	this.mu.Lock()
	if this.closed {
		this.mu.Unlock()
		return nil
	}
	this.closed = true

	listeners := this.listeners
	httpServers := this.httpServers

	svcs := make([]*service, 0, len(this.sessions))
	for _, svc := range this.sessions {
		svcs = append(svcs, svc)
	}
	this.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, srv := range httpServers {
		srv.Shutdown(ctx)
	}

	for _, svc := range svcs {
		svc.stop()
	}

	return nil
}

func (this *Server) session(id string) (*service, bool) {
	this.mu.Lock()
	defer this.mu.Unlock()

	svc, ok := this.sessions[id]
	return svc, ok
}

func (this *Server) isClosed() bool {
	this.mu.Lock()
	defer this.mu.Unlock()

	return this.closed
}

func (this *Server) track(ln net.Listener, srv *http.Server) bool {
	this.mu.Lock()
	defer this.mu.Unlock()

	if this.closed {
		return false
	}

	if ln != nil {
		this.listeners = append(this.listeners, ln)
	}

	if srv != nil {
		this.httpServers = append(this.httpServers, srv)
	}

	return true
}

func (this *Server) checkConfiguration() error {
	this.mu.Lock()
	defer this.mu.Unlock()

	if this.configured {
		return nil
	}

	var err error

	if this.Authenticator != "" {
		this.authMgr, err = auth.NewManager(this.Authenticator)
		if err != nil {
			return err
		}
	}

	if this.DestinationsProvider == "" {
		this.DestinationsProvider = DefaultDestinationsProvider
	}

	this.dests, err = destinations.NewManager(this.DestinationsProvider)
	if err != nil {
		return err
	}

	if this.WebsocketPath == "" {
		this.WebsocketPath = DefaultWebsocketPath
	}

	this.sessions = make(map[string]*service)
	this.configured = true

	return nil
}
