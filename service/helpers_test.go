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
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/surgemq/surgestomp/frame"
	"github.com/surgemq/surgestomp/message"
)

const (
	testScheme  = "test"
	testTimeout = 2 * time.Second
)

var (
	errWriteFailure = errors.New("write failure")

	// server ends of connections dialed through testScheme
	testPeers = make(chan *testPeer, 16)
)

func init() {
	RegisterTransport(testScheme, dialTest)
}

// testConn is the client end of a test connection. Writes can be made to fail.
type testConn struct {
	io.ReadWriteCloser
	failWrites int32
}

func (this *testConn) Write(p []byte) (int, error) {
	if atomic.LoadInt32(&this.failWrites) == 1 {
		return 0, errWriteFailure
	}

	return this.ReadWriteCloser.Write(p)
}

// testPeer plays the server by hand.
type testPeer struct {
	client *testConn
	conn   io.ReadWriteCloser
	r      *frame.Reader
}

func dialTest(ctx context.Context, u *url.URL) (io.ReadWriteCloser, error) {
	client, server := NewPipe()

	c := &testConn{ReadWriteCloser: client}

	r := frame.NewReader(server)
	r.HeartBeats = true

	testPeers <- &testPeer{client: c, conn: server, r: r}

	return c, nil
}

func (this *testPeer) read(t *testing.T) *frame.Frame {
	type result struct {
		f   *frame.Frame
		err error
	}

	ch := make(chan result, 1)
	go func() {
		f, err := this.r.Read()
		ch <- result{f, err}
	}()

	select {
	case res := <-ch:
		require.NoError(t, res.err)
		return res.f

	case <-time.After(testTimeout):
		t.Fatal("timed out reading frame")
	}

	return nil
}

// readCommand reads the next frame and checks its command.
func (this *testPeer) readCommand(t *testing.T, command string) *frame.Frame {
	f := this.read(t)
	require.Equal(t, command, f.Command)
	return f
}

func (this *testPeer) write(t *testing.T, f *frame.Frame) {
	require.NoError(t, frame.Encode(this.conn, f))
}

func (this *testPeer) message(t *testing.T, sub, id, destination, body string) {
	f := frame.New(frame.MESSAGE,
		frame.Subscription, sub,
		frame.MessageID, id,
		frame.Destination, destination,
		frame.ContentType, frame.ValueContentType)
	f.Body = []byte(body)

	this.write(t, f)
}

func nextPeer(t *testing.T) *testPeer {
	select {
	case p := <-testPeers:
		return p

	case <-time.After(testTimeout):
		t.Fatal("no connection was dialed")
	}

	return nil
}

// recorder is an EventListener that keeps everything it is told.
type recorder struct {
	mu sync.Mutex

	connecting   int
	connected    int
	disconnected int

	errors     []*message.Message
	exceptions []error
	receipts   []string
	unknown    []*message.Message

	events chan string
}

var _ EventListener = (*recorder)(nil)

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 64)}
}

func (this *recorder) record(event string, fn func()) {
	this.mu.Lock()
	fn()
	this.mu.Unlock()

	this.events <- event
}

func (this *recorder) OnConnecting() {
	this.record("connecting", func() { this.connecting++ })
}

func (this *recorder) OnConnected() {
	this.record("connected", func() { this.connected++ })
}

func (this *recorder) OnDisconnected() {
	this.record("disconnected", func() { this.disconnected++ })
}

func (this *recorder) OnError(msg *message.Message) {
	this.record("error", func() { this.errors = append(this.errors, msg) })
}

func (this *recorder) OnException(err error) {
	this.record("exception", func() { this.exceptions = append(this.exceptions, err) })
}

func (this *recorder) OnReceipt(id string) {
	this.record("receipt", func() { this.receipts = append(this.receipts, id) })
}

func (this *recorder) OnUnknownCommand(msg *message.Message) {
	this.record("unknown", func() { this.unknown = append(this.unknown, msg) })
}

// wait skips events until event shows up.
func (this *recorder) wait(t testing.TB, event string) {
	timeout := time.After(testTimeout)

	for {
		select {
		case e := <-this.events:
			if e == event {
				return
			}

		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func (this *recorder) snapshot(fn func()) {
	this.mu.Lock()
	defer this.mu.Unlock()

	fn()
}

// connectTestClient connects a client through the test transport and returns the
// peer playing the server. The CONNECT frame is left unread.
func connectTestClient(t *testing.T, uri string) (*Client, *recorder, *testPeer) {
	c, err := NewClient(uri)
	require.NoError(t, err)

	rec := newRecorder()
	c.SetEventListener(rec)

	require.NoError(t, c.Connect())

	return c, rec, nextPeer(t)
}

// startTestClient connects a client and reads its CONNECT frame.
func startTestClient(t *testing.T) (*Client, *recorder, *testPeer) {
	c, rec, p := connectTestClient(t, testScheme+"://localhost")
	p.readCommand(t, frame.CONNECT)

	t.Cleanup(func() {
		c.Disconnect()
	})

	return c, rec, p
}

func listener(vote bool, calls *int32) *OnMessageFunc {
	fn := OnMessageFunc(func(msg *message.Message) (bool, error) {
		atomic.AddInt32(calls, 1)
		return vote, nil
	})

	return &fn
}

func waitDone(t *testing.T, c *Client) {
	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("read loop did not stop")
	}
}
