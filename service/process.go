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
	"fmt"

	"github.com/surgemq/surgestomp/frame"
	"github.com/surgemq/surgestomp/message"
	"go.uber.org/zap"
)

func (this *service) handleFrame(f *frame.Frame) error {
	switch f.Command {
	case frame.HEARTBEAT:
		this.heartBeatReceived()

	case frame.CONNECTED:
		this.mu.Lock()
		first := !this.connected
		this.connected = true
		this.state = stateConnected
		events := this.events
		this.mu.Unlock()

		if first {
			this.log.Debug("CONNECTED received",
				zap.String("session", f.Header.Get(frame.Session)),
				zap.String("server", f.Header.Get(frame.Server)))
			events.OnConnected()
		}

	case frame.MESSAGE:
		return this.processMessage(f)

	case frame.RECEIPT:
		this.eventListener().OnReceipt(f.Header.Get(frame.ReceiptID))

	case frame.ERROR:
		this.eventListener().OnError(message.FromFrame(f))

	default:
		if this.handler != nil {
			return this.handler.HandleFrame(f)
		}

		this.eventListener().OnUnknownCommand(message.FromFrame(f))
	}

	return nil
}

// processMessage runs the listeners of the MESSAGE subscription and answers ACK if
// all of them voted true, NACK otherwise. A MESSAGE for an unknown subscription is
// NACKed without running anything.
func (this *service) processMessage(f *frame.Frame) error {
	sub := f.Header.Get(frame.Subscription)

	ack := false

	destination, listeners, ok := this.subscription(sub)
	if ok {
		msg := message.FromFrame(f)
		ack = true

		for i, l := range listeners {
			vote, err := this.invoke(l, msg)
			if err != nil {
				this.log.Error("Listener failed",
					zap.String("destination", destination),
					zap.Int("listener", i),
					zap.Error(err))
				continue
			}

			ack = ack && vote
		}
	} else {
		this.log.Debug("MESSAGE for unknown subscription", zap.String("subscription", sub))
	}

	command := frame.NACK
	if ack {
		command = frame.ACK
	}

	resp := frame.New(command,
		frame.Subscription, sub,
		frame.MessageID, f.Header.Get(frame.MessageID))

	if tx := this.transaction(); tx != "" {
		resp.AddHeader(frame.Transaction, tx)
	}

	return this.writeFrame(resp)
}

func (this *service) invoke(l *OnMessageFunc, msg *message.Message) (vote bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service: listener panic: %v", r)
		}
	}()

	return (*l)(msg)
}
