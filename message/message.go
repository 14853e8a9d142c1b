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

// Package message is the application view of a STOMP frame. A Message carries the
// destination, payload, content type and persistence flag as structured fields, and
// every other header in an ordered header set.
package message

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/surgemq/surgestomp/frame"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

const (
	charsetMatch = ";" + frame.Charset + "="
)

// Message is immutable once constructed.
type Message struct {
	destination string
	payload     []byte

	contentType    string
	hasContentType bool

	charset string
	enc     encoding.Encoding

	persistent bool
	binary     bool

	header *frame.Header
}

// Option configures a Message at construction time.
type Option func(*Message)

// WithHeader adds a header. destination, content-type and content-length are
// carried as fields and ignored here; persistent:true marks the message persistent.
func WithHeader(key, value string) Option {
	return func(this *Message) {
		this.addHeader(key, value)
	}
}

// WithPersistent marks the message persistent.
func WithPersistent() Option {
	return func(this *Message) {
		this.persistent = true
	}
}

// NewText creates a text message. The body is encoded using the charset named by the
// content type, or UTF-8.
func NewText(destination, body, contentType string, opts ...Option) *Message {
	this := newMessage(destination, contentType, contentType != "")
	this.binary = false
	this.charset, this.enc = guessCharset(contentType)

	payload, err := this.enc.NewEncoder().Bytes([]byte(body))
	if err != nil {
		payload = []byte(body)
	}
	this.payload = payload

	for _, opt := range opts {
		opt(this)
	}

	return this
}

// New creates a message from raw bytes. An empty contentType means no content type.
// If text is false the message is binary and Body returns "".
func New(destination string, payload []byte, contentType string, text bool, opts ...Option) *Message {
	this := newMessage(destination, contentType, contentType != "")
	this.payload = payload
	this.binary = !text

	if text {
		this.charset, this.enc = guessCharset(contentType)
	}

	for _, opt := range opts {
		opt(this)
	}

	return this
}

func newMessage(destination, contentType string, hasContentType bool) *Message {
	return &Message{
		destination:    destination,
		contentType:    contentType,
		hasContentType: hasContentType,
		charset:        frame.ValueCharset,
		enc:            defaultEncoding(),
		binary:         true,
		header:         frame.NewHeader(),
	}
}

func (this *Message) addHeader(key, value string) {
	switch strings.ToLower(key) {
	case frame.Destination, frame.ContentType, frame.ContentLength:
		return

	case frame.Persistent:
		if strings.EqualFold(value, frame.ValuePersistent) {
			this.persistent = true
		}
		return
	}

	this.header.Add(key, value)
}

func (this *Message) Destination() string {
	return this.destination
}

func (this *Message) Payload() []byte {
	return this.payload
}

// Body returns the payload decoded with the message charset, or "" for binary
// messages.
func (this *Message) Body() string {
	if this.binary {
		return ""
	}

	b, err := this.enc.NewDecoder().Bytes(this.payload)
	if err != nil {
		return string(this.payload)
	}

	return string(b)
}

// ContentType returns the content type and whether one was set.
func (this *Message) ContentType() (string, bool) {
	return this.contentType, this.hasContentType
}

// Charset returns the charset name taken from the content type, UTF-8 by default.
func (this *Message) Charset() string {
	return this.charset
}

func (this *Message) ContentLength() int {
	return len(this.payload)
}

func (this *Message) Persistent() bool {
	return this.persistent
}

func (this *Message) Binary() bool {
	return this.binary
}

func (this *Message) Text() bool {
	return !this.binary
}

// Header returns a copy of the non reserved headers.
func (this *Message) Header() *frame.Header {
	return this.header.Clone()
}

func (this *Message) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Message destination: %s, type: %s, length: %d, charset: %s\n",
		this.destination, this.contentType, len(this.payload), this.charset)

	this.header.Each(func(k, v string) {
		fmt.Fprintf(&b, "%s:%s\n", k, v)
	})

	if this.binary {
		fmt.Fprintf(&b, "payload: binary data %d", len(this.payload))
	} else {
		fmt.Fprintf(&b, "payload: %s", this.Body())
	}

	return b.String()
}

// FromFrame converts a received frame. ERROR frames have no destination. The message
// is text if the frame has a content type.
func FromFrame(f *frame.Frame) *Message {
	destination := ""
	if f.Command != frame.ERROR {
		destination = f.Header.Get(frame.Destination)
	}

	contentType, ok := f.ContentType()

	this := newMessage(destination, contentType, ok)
	this.payload = f.Body
	this.binary = !ok

	if ok {
		this.charset, this.enc = guessCharset(contentType)
	}

	f.Header.Each(this.addHeader)

	return this
}

// ToFrame converts the message to a SEND frame. content-length is always set.
func ToFrame(m *Message) *frame.Frame {
	f := frame.New(frame.SEND, frame.Destination, m.destination)
	f.Body = m.payload

	if m.persistent {
		f.AddHeader(frame.Persistent, frame.ValuePersistent)
	}

	if m.hasContentType {
		f.AddHeader(frame.ContentType, m.contentType)
	}

	f.AddHeader(frame.ContentLength, strconv.Itoa(len(m.payload)))

	m.header.Each(f.AddHeader)

	return f
}

// guessCharset returns the charset named in contentType if it is known, otherwise
// UTF-8.
func guessCharset(contentType string) (string, encoding.Encoding) {
	name := frame.ValueCharset

	if i := strings.Index(contentType, charsetMatch); i >= 0 {
		name = contentType[i+len(charsetMatch):]
		if j := strings.IndexByte(name, ';'); j >= 0 {
			name = name[:j]
		}
		name = strings.Trim(strings.TrimSpace(name), `"`)
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return frame.ValueCharset, defaultEncoding()
	}

	return name, enc
}

func defaultEncoding() encoding.Encoding {
	enc, _ := htmlindex.Get(frame.ValueCharset)
	return enc
}
