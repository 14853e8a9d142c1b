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
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/surgemq/surgestomp/commons"
	"github.com/surgemq/surgestomp/frame"
	"github.com/surgemq/surgestomp/message"
	"go.uber.org/zap"
)

var (
	ErrAlreadyConnected      = errors.New("service: Already connected")
	ErrNotConnected          = errors.New("service: Not connected")
	ErrAuthentication        = errors.New("service: Invalid authentication")
	ErrTransportClosed       = errors.New("service: Transport closed")
	ErrInvalidConnectionType = errors.New("service: Invalid connection type")
	ErrNoData                = errors.New("service: No data available")
	ErrBufferClosed          = errors.New("service: Buffer closed")
)

type (
	// OnMessageFunc handles one MESSAGE. Returning true votes for ACK. A function
	// that returns an error or panics has no vote.
	//
	// Listeners are registered and removed by pointer, so the same function value
	// must be passed to Subscribe and UnsubscribeListeners.
	OnMessageFunc func(msg *message.Message) (bool, error)
)

// EventListener receives connection level events. Except OnConnecting, events are
// delivered on the read loop goroutine.
type EventListener interface {
	OnConnecting()
	OnConnected()
	OnDisconnected()
	OnError(msg *message.Message)
	OnException(err error)
	OnReceipt(receiptID string)
	OnUnknownCommand(msg *message.Message)
}

// NopListener ignores every event. Embed it to implement only some of EventListener.
type NopListener struct{}

var _ EventListener = NopListener{}

func (NopListener) OnConnecting()                     {}
func (NopListener) OnConnected()                      {}
func (NopListener) OnDisconnected()                   {}
func (NopListener) OnError(msg *message.Message)      {}
func (NopListener) OnException(err error)             {}
func (NopListener) OnReceipt(receiptID string)        {}
func (NopListener) OnUnknownCommand(*message.Message) {}

// FrameHandler takes the frames a client engine does not handle itself. A server side
// engine routes CONNECT, SEND, SUBSCRIBE and the like through it.
type FrameHandler interface {
	HandleFrame(f *frame.Frame) error
}

type dialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

const (
	stateDisconnected = iota
	stateConnecting
	stateConnected
)

var (
	gsvcid uint64 = 0
)

type service struct {
	// The ID of this service, just a number that's incremented for every new service.
	id uint64

	log *zap.Logger

	// host header sent with CONNECT
	host string

	login, passcode string
	credentials     bool

	// Heartbeat delays in milliseconds, 0 is disabled. recvDelay is advertised only.
	recvDelay, sendDelay int

	// mu guards everything below up to wmu
	mu sync.Mutex

	conn      io.ReadWriteCloser
	state     int
	connected bool
	events    EventListener

	// open transaction, "" if none
	tx string

	lastSubscriptionID uint64
	destIDs            map[string]string
	idDests            map[string]string
	listeners          map[string][]*OnMessageFunc

	// wmu serializes writes to conn and guards hbTimer.
	wmu     sync.Mutex
	hbTimer *time.Timer

	// UnixNano of the last heartbeat received
	lastHeartBeat int64

	// Whether this service is closed or not.
	closed int64

	// server side handler, nil for clients
	handler FrameHandler

	// closed when the read loop exits
	done chan struct{}
}

func newService(host string) *service {
	id := atomic.AddUint64(&gsvcid, 1)

	return &service{
		id:        id,
		log:       commons.Log.With(zap.Uint64("svc", id)),
		host:      host,
		events:    NopListener{},
		destIDs:   make(map[string]string),
		idDests:   make(map[string]string),
		listeners: make(map[string][]*OnMessageFunc),
		done:      make(chan struct{}),
	}
}

func (this *service) eventListener() EventListener {
	this.mu.Lock()
	defer this.mu.Unlock()

	return this.events
}

func (this *service) setEventListener(l EventListener) {
	if l == nil {
		l = NopListener{}
	}

	this.mu.Lock()
	this.events = l
	this.mu.Unlock()
}

func (this *service) setCredentials(login, passcode string) error {
	this.mu.Lock()
	defer this.mu.Unlock()

	if this.state != stateDisconnected || this.isClosed() {
		return ErrAlreadyConnected
	}

	this.login, this.passcode, this.credentials = login, passcode, true

	return nil
}

func (this *service) setHeartBeat(recv, send int) error {
	this.mu.Lock()
	defer this.mu.Unlock()

	if this.state != stateDisconnected || this.isClosed() {
		return ErrAlreadyConnected
	}

	if recv > 0 {
		this.recvDelay = recv
	}

	if send > 0 {
		this.sendDelay = send
	}

	return nil
}

// connect opens the transport, starts the read loop and sends CONNECT. It does not
// wait for CONNECTED.
func (this *service) connect(ctx context.Context, dial dialFunc) (err error) {
	this.mu.Lock()

	if this.isClosed() {
		this.mu.Unlock()
		return ErrTransportClosed
	}

	if this.state != stateDisconnected {
		this.mu.Unlock()
		return ErrAlreadyConnected
	}

	this.state = stateConnecting
	events := this.events
	this.mu.Unlock()

	defer func() {
		if err != nil {
			this.mu.Lock()
			if this.state == stateConnecting {
				this.state = stateDisconnected
			}
			this.mu.Unlock()
		}
	}()

	events.OnConnecting()

	conn, err := dial(ctx)
	if err != nil {
		return errors.Wrap(err, "service: dial")
	}

	this.start(conn)

	req := frame.New(frame.CONNECT,
		frame.AcceptVersion, frame.ValueAcceptVersion,
		frame.Host, this.host,
		frame.HeartBeat, strconv.Itoa(this.recvDelay)+","+strconv.Itoa(this.sendDelay))

	if this.credentials {
		req.AddHeader(frame.Login, this.login)
		req.AddHeader(frame.Passcode, this.passcode)
	}

	if err = this.writeFrame(req); err != nil {
		this.stop()
		return err
	}

	this.log.Debug("CONNECT sent", zap.String("host", this.host))

	return nil
}

// serve runs a server side service over an accepted connection.
func (this *service) serve(conn io.ReadWriteCloser, handler FrameHandler) {
	this.mu.Lock()
	this.state = stateConnected
	this.connected = true
	this.handler = handler
	this.mu.Unlock()

	this.start(conn)
}

func (this *service) start(conn io.ReadWriteCloser) {
	this.mu.Lock()
	this.conn = conn
	this.mu.Unlock()

	r := frame.NewReader(conn)
	r.HeartBeats = true

	go this.readLoop(r)
}

// stop closes the transport and the heartbeat timer. It returns false if the service
// was already stopped.
func (this *service) stop() bool {
	if !atomic.CompareAndSwapInt64(&this.closed, 0, 1) {
		return false
	}

	this.mu.Lock()
	this.state = stateDisconnected
	this.connected = false
	conn := this.conn
	this.mu.Unlock()

	// Closing first unblocks a writer stuck on the transport.
	if conn != nil {
		this.log.Debug("closing conn")
		if err := conn.Close(); err != nil {
			this.log.Debug("error closing conn", zap.Error(err))
		}
	}

	this.wmu.Lock()
	this.stopHeartBeat()
	this.wmu.Unlock()

	return true
}

func (this *service) disconnect() error {
	if !this.isOpen() {
		return ErrNotConnected
	}

	this.stop()

	return nil
}

func (this *service) isClosed() bool {
	return atomic.LoadInt64(&this.closed) == 1
}

// isOpen reports whether the transport is up. Operations are allowed as soon as the
// transport is open, before CONNECTED arrives.
func (this *service) isOpen() bool {
	if this.isClosed() {
		return false
	}

	return this.transport() != nil
}

func (this *service) transport() io.ReadWriteCloser {
	this.mu.Lock()
	defer this.mu.Unlock()

	return this.conn
}

func (this *service) isConnected() bool {
	this.mu.Lock()
	defer this.mu.Unlock()

	return this.connected
}

func (this *service) isDone() bool {
	select {
	case <-this.done:
		return true

	default:
	}

	return false
}

func (this *service) subscribe(destination string, listeners ...*OnMessageFunc) error {
	if !this.isOpen() {
		return ErrNotConnected
	}

	fns := make([]*OnMessageFunc, 0, len(listeners))
	for _, l := range listeners {
		if l != nil && *l != nil {
			fns = append(fns, l)
		}
	}

	if destination == "" || len(fns) == 0 {
		return nil
	}

	this.mu.Lock()
	id, ok := this.destIDs[destination]
	if !ok {
		this.lastSubscriptionID++
		id = strconv.FormatUint(this.lastSubscriptionID, 10)
		this.destIDs[destination] = id
		this.idDests[id] = destination
	}
	this.listeners[destination] = append(this.listeners[destination], fns...)
	this.mu.Unlock()

	return this.writeFrame(frame.New(frame.SUBSCRIBE,
		frame.ID, id,
		frame.Destination, destination,
		frame.Ack, frame.ValueAckClient))
}

func (this *service) unsubscribe(destination string) error {
	if !this.isOpen() {
		return ErrNotConnected
	}

	this.mu.Lock()
	id, ok := this.removeSubscription(destination)
	this.mu.Unlock()

	if !ok {
		return nil
	}

	return this.writeFrame(frame.New(frame.UNSUBSCRIBE, frame.ID, id))
}

// unsubscribeListeners removes the listeners from destination. The subscription is
// dropped once no listener is left.
func (this *service) unsubscribeListeners(destination string, listeners ...*OnMessageFunc) error {
	if !this.isOpen() {
		return ErrNotConnected
	}

	this.mu.Lock()

	list, ok := this.listeners[destination]
	if !ok {
		this.mu.Unlock()
		return nil
	}

	for _, l := range listeners {
		for i := range list {
			if list[i] == l {
				list = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}

	if len(list) > 0 {
		this.listeners[destination] = list
		this.mu.Unlock()
		return nil
	}

	id, _ := this.removeSubscription(destination)
	this.mu.Unlock()

	return this.writeFrame(frame.New(frame.UNSUBSCRIBE, frame.ID, id))
}

// removeSubscription must be called with mu held.
func (this *service) removeSubscription(destination string) (string, bool) {
	id, ok := this.destIDs[destination]
	if !ok {
		return "", false
	}

	delete(this.destIDs, destination)
	delete(this.idDests, id)
	delete(this.listeners, destination)

	return id, true
}

// subscription returns the destination and a copy of the listeners for id.
func (this *service) subscription(id string) (string, []*OnMessageFunc, bool) {
	this.mu.Lock()
	defer this.mu.Unlock()

	destination, ok := this.idDests[id]
	if !ok {
		return "", nil, false
	}

	list := this.listeners[destination]
	return destination, append(make([]*OnMessageFunc, 0, len(list)), list...), true
}

func (this *service) transaction() string {
	this.mu.Lock()
	defer this.mu.Unlock()

	return this.tx
}

func (this *service) send(msg *message.Message) error {
	if !this.isOpen() {
		return ErrNotConnected
	}

	if msg == nil {
		return nil
	}

	f := message.ToFrame(msg)

	if tx := this.transaction(); tx != "" {
		f.AddHeader(frame.Transaction, tx)
	}

	return this.writeFrame(f)
}

// begin opens transaction tx. It does nothing if a transaction is already open.
func (this *service) begin(tx string) error {
	if !this.isOpen() {
		return ErrNotConnected
	}

	this.mu.Lock()
	if this.tx != "" || tx == "" {
		this.mu.Unlock()
		return nil
	}
	this.tx = tx
	this.mu.Unlock()

	return this.writeFrame(frame.New(frame.BEGIN, frame.Transaction, tx))
}

func (this *service) commit() error {
	return this.endTransaction(frame.COMMIT)
}

func (this *service) abort() error {
	return this.endTransaction(frame.ABORT)
}

// endTransaction sends COMMIT or ABORT for the open transaction. The transaction is
// closed even if the write fails.
func (this *service) endTransaction(command string) error {
	if !this.isOpen() {
		return ErrNotConnected
	}

	tx := this.transaction()
	if tx == "" {
		return nil
	}

	defer func() {
		this.mu.Lock()
		if this.tx == tx {
			this.tx = ""
		}
		this.mu.Unlock()
	}()

	return this.writeFrame(frame.New(command, frame.Transaction, tx))
}
