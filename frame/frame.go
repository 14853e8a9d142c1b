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

// Package frame implements the STOMP 1.1 wire format.
//
//   <COMMAND>\n
//   <header-key>:<header-value>\n   (zero or more, insertion order)
//   \n
//   <payload-bytes><NUL>\n
//
// A heartbeat is a single \n byte. Header values may contain colons, only the first
// colon separates key from value. When a content-length header is present the payload
// is read by exact byte count, otherwise it is terminated by NUL or end of stream.
package frame

import (
	"fmt"
	"strings"
)

// Client commands.
const (
	CONNECT     = "CONNECT"
	SEND        = "SEND"
	SUBSCRIBE   = "SUBSCRIBE"
	UNSUBSCRIBE = "UNSUBSCRIBE"
	BEGIN       = "BEGIN"
	COMMIT      = "COMMIT"
	ABORT       = "ABORT"
	ACK         = "ACK"
	NACK        = "NACK"
	DISCONNECT  = "DISCONNECT"
)

// Server commands.
const (
	CONNECTED = "CONNECTED"
	MESSAGE   = "MESSAGE"
	RECEIPT   = "RECEIPT"
	ERROR     = "ERROR"
)

// HEARTBEAT is the sentinel command of a heartbeat frame. It never appears on the
// wire, a heartbeat is encoded as a single newline.
const HEARTBEAT = "HEARTBEAT"

// Header keys.
const (
	AcceptVersion = "accept-version"
	Host          = "host"
	Login         = "login"
	Passcode      = "passcode"
	ID            = "id"
	Destination   = "destination"
	Subscription  = "subscription"
	Ack           = "ack"
	MessageID     = "message-id"
	ContentType   = "content-type"
	ContentLength = "content-length"
	Transaction   = "transaction"
	Receipt       = "receipt"
	ReceiptID     = "receipt-id"
	Charset       = "charset"
	HeartBeat     = "heart-beat"
	Persistent    = "persistent"
	Session       = "session"
	Server        = "server"
	Version       = "version"
	Message       = "message"
)

// Well known header values.
const (
	ValueAcceptVersion = "1.1"
	ValueAckClient     = "client"
	ValueContentType   = "text/plain"
	ValueCharset       = "UTF-8"
	ValuePersistent    = "true"
	ValueHeartBeat     = "0,0"
)

var (
	clientCommands = []string{CONNECT, SEND, SUBSCRIBE, UNSUBSCRIBE, BEGIN, COMMIT, ABORT, ACK, NACK, DISCONNECT}
	serverCommands = []string{CONNECTED, MESSAGE, RECEIPT, ERROR}
)

// IsClientCommand returns true if cmd is one of the commands a client sends.
func IsClientCommand(cmd string) bool {
	return contains(clientCommands, cmd)
}

// IsServerCommand returns true if cmd is one of the commands a server sends.
func IsServerCommand(cmd string) bool {
	return contains(serverCommands, cmd)
}

// ValidCommand returns true if cmd can be encoded.
func ValidCommand(cmd string) bool {
	return cmd == HEARTBEAT || IsClientCommand(cmd) || IsServerCommand(cmd)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}

	return false
}

// Frame is one STOMP protocol unit. A nil Body is an absent payload, which is different
// from an empty one.
type Frame struct {
	Command string
	Header  *Header
	Body    []byte
}

// New creates a frame with the given command and header key/value pairs. An odd
// trailing key is ignored.
func New(command string, kv ...string) *Frame {
	f := &Frame{
		Command: command,
		Header:  NewHeader(),
	}

	for i := 0; i+1 < len(kv); i += 2 {
		f.Header.Add(kv[i], kv[i+1])
	}

	return f
}

// NewHeartBeat returns a heartbeat frame.
func NewHeartBeat() *Frame {
	return &Frame{Command: HEARTBEAT, Header: NewHeader()}
}

// IsHeartBeat returns true if this is a heartbeat frame.
func (this *Frame) IsHeartBeat() bool {
	return this.Command == HEARTBEAT
}

// AddHeader adds a header. The first value written for a key wins.
func (this *Frame) AddHeader(key, value string) {
	if this.Header == nil {
		this.Header = NewHeader()
	}

	this.Header.Add(key, value)
}

// ContentType returns the content-type header, and whether it was present.
func (this *Frame) ContentType() (string, bool) {
	if this.Header == nil {
		return "", false
	}

	return this.Header.Lookup(ContentType)
}

func (this *Frame) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Command=%q", this.Command)
	if this.Header != nil {
		for i, k := range this.Header.keys {
			fmt.Fprintf(&b, ", %s:%s", k, this.Header.values[i])
		}
	}

	if this.Body == nil {
		b.WriteString(", Length=-1")
	} else {
		fmt.Fprintf(&b, ", Length=%d", len(this.Body))
	}

	return b.String()
}

// Header is an ordered set of frame headers.
type Header struct {
	keys   []string
	values []string
}

// NewHeader returns an empty header set.
func NewHeader() *Header {
	return &Header{}
}

// Add appends key:value unless key is already present.
func (this *Header) Add(key, value string) {
	if this.Contains(key) {
		return
	}

	this.keys = append(this.keys, key)
	this.values = append(this.values, value)
}

// Get returns the value of key, or "" if it is not present.
func (this *Header) Get(key string) string {
	v, _ := this.Lookup(key)
	return v
}

// Lookup returns the value of key and whether it was present.
func (this *Header) Lookup(key string) (string, bool) {
	if this == nil {
		return "", false
	}

	for i, k := range this.keys {
		if k == key {
			return this.values[i], true
		}
	}

	return "", false
}

// Contains returns true if key is present.
func (this *Header) Contains(key string) bool {
	_, ok := this.Lookup(key)
	return ok
}

// Len returns the number of headers.
func (this *Header) Len() int {
	if this == nil {
		return 0
	}

	return len(this.keys)
}

// Keys returns the header keys in insertion order.
func (this *Header) Keys() []string {
	if this == nil {
		return nil
	}

	return append([]string(nil), this.keys...)
}

// Each calls fn for every header in insertion order.
func (this *Header) Each(fn func(key, value string)) {
	if this == nil {
		return
	}

	for i, k := range this.keys {
		fn(k, this.values[i])
	}
}

// Clone returns a copy of the header set.
func (this *Header) Clone() *Header {
	h := NewHeader()
	if this == nil {
		return h
	}

	h.keys = append(h.keys, this.keys...)
	h.values = append(h.values, this.values...)
	return h
}
