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
	"io"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/surgemq/surgestomp/auth"
	"github.com/surgemq/surgestomp/destinations"
	"github.com/surgemq/surgestomp/frame"
	"go.uber.org/zap"
)

const (
	LoopbackSession = "session-loopback"
	ServerName      = "server-loopback"

	DefaultDestinationsProvider = "mem"

	msgHeaderRequired = "Required header missing"
	msgInvalidValue   = "Invalid value"
	msgInvalidAuth    = "Invalid authentication"
)

// broker is the server side of a STOMP session. It answers CONNECT, keeps one
// subscriber per destination and turns SEND into MESSAGE for that subscriber. There
// is no storage, so a SEND without a subscriber is dropped.
type broker struct {
	svc     *service
	session string

	dests   *destinations.Manager
	authMgr *auth.Manager

	// shared between the brokers of a server
	lastMessageID *uint64

	// route finds the service a session's MESSAGE frames are written to
	route func(session string) (*service, bool)
}

var _ FrameHandler = (*broker)(nil)

// newLoopbackBroker runs a broker with its own destination table on conn.
func newLoopbackBroker(conn io.ReadWriteCloser) (*broker, error) {
	dests, err := destinations.NewManager(DefaultDestinationsProvider)
	if err != nil {
		return nil, err
	}

	this := &broker{
		svc:           newService(""),
		session:       LoopbackSession,
		dests:         dests,
		lastMessageID: new(uint64),
	}
	this.route = this.self

	this.svc.serve(conn, this)

	return this, nil
}

func (this *broker) self(session string) (*service, bool) {
	return this.svc, session == this.session
}

func (this *broker) HandleFrame(f *frame.Frame) error {
	switch f.Command {
	case frame.CONNECT:
		return this.processConnect(f)

	case frame.SUBSCRIBE:
		return this.processSubscribe(f)

	case frame.UNSUBSCRIBE:
		return this.processUnsubscribe(f)

	case frame.SEND:
		return this.processSend(f)

	case frame.DISCONNECT:
		if receipt, ok := f.Header.Lookup(frame.Receipt); ok {
			return this.svc.writeFrame(frame.New(frame.RECEIPT, frame.ReceiptID, receipt))
		}

	case frame.ACK, frame.NACK, frame.BEGIN, frame.COMMIT, frame.ABORT:
		// nothing to do without storage

	default:
		this.svc.log.Debug("Ignoring frame", zap.String("command", f.Command))
	}

	return nil
}

func (this *broker) processConnect(f *frame.Frame) error {
	if this.authMgr != nil {
		login := f.Header.Get(frame.Login)

		if err := this.authMgr.Authenticate(login, f.Header.Get(frame.Passcode)); err != nil {
			this.svc.log.Info("Authentication failed", zap.String("login", login), zap.Error(err))

			err = this.sendError(msgInvalidAuth, "Invalid login or passcode for '"+login+"'")
			this.svc.stop()
			return err
		}
	}

	return this.svc.writeFrame(frame.New(frame.CONNECTED,
		frame.Session, this.session,
		frame.HeartBeat, frame.ValueHeartBeat,
		frame.Server, ServerName,
		frame.Version, frame.ValueAcceptVersion))
}

func (this *broker) processSubscribe(f *frame.Frame) error {
	id, ok := requiredHeader(f, frame.ID)
	if !ok {
		return this.sendMissing(frame.ID)
	}

	destination, ok := requiredHeader(f, frame.Destination)
	if !ok {
		return this.sendMissing(frame.Destination)
	}

	return this.dests.Subscribe(destination, destinations.Subscriber{Session: this.session, ID: id})
}

func (this *broker) processUnsubscribe(f *frame.Frame) error {
	id, ok := requiredHeader(f, frame.ID)
	if !ok {
		return this.sendMissing(frame.ID)
	}

	if _, err := this.dests.Unsubscribe(destinations.Subscriber{Session: this.session, ID: id}); err != nil {
		return this.sendError(msgInvalidValue, msgInvalidValue+" for '"+frame.ID+"'")
	}

	return nil
}

func (this *broker) processSend(f *frame.Frame) error {
	n := atomic.AddUint64(this.lastMessageID, 1)

	destination, ok := requiredHeader(f, frame.Destination)
	if !ok {
		return this.sendMissing(frame.Destination)
	}

	sub, ok := this.dests.Subscriber(destination)
	if !ok {
		this.svc.log.Debug("No subscriber, dropping", zap.String("destination", destination))
		return nil
	}

	target, ok := this.route(sub.Session)
	if !ok {
		this.svc.log.Debug("Subscriber session is gone, dropping", zap.Stringer("subscriber", sub))
		return nil
	}

	msg := frame.New(frame.MESSAGE,
		frame.Subscription, sub.ID,
		frame.MessageID, strconv.FormatUint(n, 10))
	f.Header.Each(msg.AddHeader)
	msg.Body = f.Body

	if err := target.writeFrame(msg); err != nil {
		return errors.Wrapf(err, "delivering to %s", sub)
	}

	return nil
}

func (this *broker) sendMissing(name string) error {
	return this.sendError(msgHeaderRequired, "Required header '"+name+"' missing")
}

func (this *broker) sendError(msg, body string) error {
	f := frame.New(frame.ERROR,
		frame.Message, msg,
		frame.ContentType, frame.ValueContentType)
	f.Body = []byte(body)

	return this.svc.writeFrame(f)
}

// requiredHeader returns the value of name, or false if it is absent or empty.
func requiredHeader(f *frame.Frame, name string) (string, bool) {
	v := f.Header.Get(name)
	return v, v != ""
}
