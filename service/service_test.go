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
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/surgemq/surgestomp/frame"
	"github.com/surgemq/surgestomp/message"
)

func TestClientConnectFrame(t *testing.T) {
	c, rec, p := connectTestClient(t, testScheme+"://user:pass@host:61613")
	defer c.Disconnect()

	want := "CONNECT\naccept-version:1.1\nhost:host\nheart-beat:0,0\nlogin:user\npasscode:pass\n\n\x00\n"

	got := make([]byte, len(want))
	_, err := io.ReadFull(p.conn, got)
	require.NoError(t, err)
	require.Equal(t, want, string(got))

	rec.snapshot(func() {
		require.Equal(t, 1, rec.connecting)
	})

	require.False(t, c.IsConnected())
}

func TestClientConnectWithoutCredentials(t *testing.T) {
	c, _, p := connectTestClient(t, testScheme+"://localhost")
	defer c.Disconnect()

	f := p.readCommand(t, frame.CONNECT)
	require.Equal(t, []string{frame.AcceptVersion, frame.Host, frame.HeartBeat}, f.Header.Keys())
	require.Equal(t, "localhost", f.Header.Get(frame.Host))
}

func TestClientMalformedCredentials(t *testing.T) {
	for _, uri := range []string{
		testScheme + "://user@host",
		testScheme + "://user:@host",
		testScheme + "://:pass@host",
	} {
		c, err := NewClient(uri)
		require.NoError(t, err)

		err = c.Connect()
		require.True(t, errors.Is(err, ErrAuthentication), uri)
	}

	require.Len(t, testPeers, 0)
}

func TestClientSetCredentials(t *testing.T) {
	c, err := NewClient(testScheme + "://user@host")
	require.NoError(t, err)

	require.NoError(t, c.SetCredentials("guest", "secret"))
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	f := nextPeer(t).readCommand(t, frame.CONNECT)
	require.Equal(t, "guest", f.Header.Get(frame.Login))
	require.Equal(t, "secret", f.Header.Get(frame.Passcode))
}

func TestClientUnknownScheme(t *testing.T) {
	_, err := NewClient("carrier-pigeon://localhost")
	require.True(t, errors.Is(err, ErrInvalidConnectionType))
}

func TestClientNotConnected(t *testing.T) {
	c, err := NewClient(testScheme + "://localhost")
	require.NoError(t, err)

	var calls int32

	require.True(t, errors.Is(c.Subscribe("/queue/a", listener(true, &calls)), ErrNotConnected))
	require.True(t, errors.Is(c.Unsubscribe("/queue/a"), ErrNotConnected))
	require.True(t, errors.Is(c.Send(message.NewText("/queue/a", "x", "")), ErrNotConnected))
	require.True(t, errors.Is(c.Begin("tx"), ErrNotConnected))
	require.True(t, errors.Is(c.Commit(), ErrNotConnected))
	require.True(t, errors.Is(c.Abort(), ErrNotConnected))
	require.True(t, errors.Is(c.Disconnect(), ErrNotConnected))
}

func TestClientAlreadyConnected(t *testing.T) {
	c, _, _ := startTestClient(t)

	require.True(t, errors.Is(c.Connect(), ErrAlreadyConnected))
	require.True(t, errors.Is(c.SetCredentials("a", "b"), ErrAlreadyConnected))
	require.True(t, errors.Is(c.SetHeartBeat(10, 10), ErrAlreadyConnected))
}

func TestClientConnected(t *testing.T) {
	c, rec, p := startTestClient(t)

	p.write(t, frame.New(frame.CONNECTED, frame.Version, "1.1"))
	rec.wait(t, "connected")
	require.True(t, c.IsConnected())

	// A second CONNECTED is not reported again.
	p.write(t, frame.New(frame.CONNECTED, frame.Version, "1.1"))
	p.write(t, frame.New(frame.RECEIPT, frame.ReceiptID, "sync"))
	rec.wait(t, "receipt")

	rec.snapshot(func() {
		require.Equal(t, 1, rec.connected)
	})
}

func TestSubscriptionIDs(t *testing.T) {
	c, _, p := startTestClient(t)

	var calls int32
	l1 := listener(true, &calls)
	l2 := listener(true, &calls)

	require.NoError(t, c.Subscribe("/queue/a", l1))
	f := p.readCommand(t, frame.SUBSCRIBE)
	require.Equal(t, []string{frame.ID, frame.Destination, frame.Ack}, f.Header.Keys())
	require.Equal(t, "1", f.Header.Get(frame.ID))
	require.Equal(t, "/queue/a", f.Header.Get(frame.Destination))
	require.Equal(t, frame.ValueAckClient, f.Header.Get(frame.Ack))

	require.NoError(t, c.Subscribe("/queue/b", l1))
	f = p.readCommand(t, frame.SUBSCRIBE)
	require.Equal(t, "2", f.Header.Get(frame.ID))

	// Adding a listener reuses the id and subscribes again.
	require.NoError(t, c.Subscribe("/queue/a", l2))
	f = p.readCommand(t, frame.SUBSCRIBE)
	require.Equal(t, "1", f.Header.Get(frame.ID))

	require.NoError(t, c.Unsubscribe("/queue/a"))
	f = p.readCommand(t, frame.UNSUBSCRIBE)
	require.Equal(t, "1", f.Header.Get(frame.ID))

	// Ids are never reused.
	require.NoError(t, c.Subscribe("/queue/a", l1))
	f = p.readCommand(t, frame.SUBSCRIBE)
	require.Equal(t, "3", f.Header.Get(frame.ID))
}

func TestSubscribeNoop(t *testing.T) {
	c, _, p := startTestClient(t)

	var calls int32
	var nilfn *OnMessageFunc

	require.NoError(t, c.Subscribe("", listener(true, &calls)))
	require.NoError(t, c.Subscribe("/queue/a"))
	require.NoError(t, c.Subscribe("/queue/a", nilfn))
	require.NoError(t, c.Unsubscribe("/queue/unknown"))
	require.NoError(t, c.UnsubscribeListeners("/queue/unknown", listener(true, &calls)))

	require.NoError(t, c.Send(message.NewText("/queue/a", "marker", "")))
	p.readCommand(t, frame.SEND)
}

func TestPartialUnsubscribe(t *testing.T) {
	c, _, p := startTestClient(t)

	var calls1, calls2 int32
	l1 := listener(true, &calls1)
	l2 := listener(true, &calls2)

	require.NoError(t, c.Subscribe("/queue/a", l1, l2))
	p.readCommand(t, frame.SUBSCRIBE)

	// l2 is left, so nothing is sent.
	require.NoError(t, c.UnsubscribeListeners("/queue/a", l1))

	p.message(t, "1", "10", "/queue/a", "hi")
	f := p.readCommand(t, frame.ACK)
	require.Equal(t, "10", f.Header.Get(frame.MessageID))

	require.Equal(t, int32(0), atomic.LoadInt32(&calls1))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls2))

	require.NoError(t, c.UnsubscribeListeners("/queue/a", l2))
	f = p.readCommand(t, frame.UNSUBSCRIBE)
	require.Equal(t, "1", f.Header.Get(frame.ID))
}

func TestAckAggregation(t *testing.T) {
	vote := func(ok bool) OnMessageFunc {
		return func(*message.Message) (bool, error) { return ok, nil }
	}

	fail := func(*message.Message) (bool, error) { return false, errors.New("listener failed") }
	boom := func(*message.Message) (bool, error) { panic("boom") }

	tests := []struct {
		name      string
		listeners []OnMessageFunc
		want      string
	}{
		{"all true", []OnMessageFunc{vote(true), vote(true)}, frame.ACK},
		{"one false", []OnMessageFunc{vote(true), vote(false), vote(true)}, frame.NACK},
		{"error ignored", []OnMessageFunc{fail, vote(true)}, frame.ACK},
		{"panic ignored", []OnMessageFunc{boom, vote(true)}, frame.ACK},
		{"panic and false", []OnMessageFunc{vote(false), boom}, frame.NACK},
		{"only failures", []OnMessageFunc{fail, boom}, frame.ACK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, p := startTestClient(t)

			fns := make([]*OnMessageFunc, len(tt.listeners))
			for i := range tt.listeners {
				fns[i] = &tt.listeners[i]
			}

			require.NoError(t, c.Subscribe("/queue/a", fns...))
			p.readCommand(t, frame.SUBSCRIBE)

			p.message(t, "1", "42", "/queue/a", "payload")

			f := p.readCommand(t, tt.want)
			require.Equal(t, []string{frame.Subscription, frame.MessageID}, f.Header.Keys())
			require.Equal(t, "1", f.Header.Get(frame.Subscription))
			require.Equal(t, "42", f.Header.Get(frame.MessageID))
		})
	}
}

func TestUnknownSubscriptionNack(t *testing.T) {
	c, _, p := startTestClient(t)

	var calls int32
	require.NoError(t, c.Subscribe("/queue/a", listener(true, &calls)))
	p.readCommand(t, frame.SUBSCRIBE)

	p.message(t, "99", "7", "/queue/a", "lost")

	f := p.readCommand(t, frame.NACK)
	require.Equal(t, "99", f.Header.Get(frame.Subscription))
	require.Equal(t, "7", f.Header.Get(frame.MessageID))
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestListenerGetsMessage(t *testing.T) {
	c, _, p := startTestClient(t)

	got := make(chan *message.Message, 1)
	fn := OnMessageFunc(func(msg *message.Message) (bool, error) {
		got <- msg
		return true, nil
	})

	require.NoError(t, c.Subscribe("/queue/a", &fn))
	p.readCommand(t, frame.SUBSCRIBE)

	p.message(t, "1", "3", "/queue/a", "hello")

	select {
	case msg := <-got:
		require.Equal(t, "/queue/a", msg.Destination())
		require.Equal(t, "hello", msg.Body())
		require.Equal(t, "3", msg.Header().Get(frame.MessageID))

	case <-time.After(testTimeout):
		t.Fatal("listener was not called")
	}

	p.readCommand(t, frame.ACK)
}

func TestSendFrame(t *testing.T) {
	c, _, p := startTestClient(t)

	msg := message.NewText("/queue/a", "hello", "text/plain", message.WithHeader("priority", "4"), message.WithPersistent())
	require.NoError(t, c.Send(msg))

	f := p.readCommand(t, frame.SEND)
	require.Equal(t, []string{frame.Destination, frame.Persistent, frame.ContentType, frame.ContentLength, "priority"}, f.Header.Keys())
	require.Equal(t, "5", f.Header.Get(frame.ContentLength))
	require.Equal(t, "hello", string(f.Body))

	require.NoError(t, c.Send(nil))
}

func TestTransactions(t *testing.T) {
	c, _, p := startTestClient(t)

	// Nothing to commit or abort.
	require.NoError(t, c.Commit())
	require.NoError(t, c.Abort())
	require.NoError(t, c.Begin(""))

	require.NoError(t, c.Begin("tx1"))
	f := p.readCommand(t, frame.BEGIN)
	require.Equal(t, "tx1", f.Header.Get(frame.Transaction))

	// Already open.
	require.NoError(t, c.Begin("tx2"))
	require.Equal(t, "tx1", c.Transaction())

	require.NoError(t, c.Send(message.NewText("/queue/a", "x", "")))
	f = p.readCommand(t, frame.SEND)
	require.Equal(t, "tx1", f.Header.Get(frame.Transaction))

	var calls int32
	require.NoError(t, c.Subscribe("/queue/a", listener(true, &calls)))
	p.readCommand(t, frame.SUBSCRIBE)

	p.message(t, "1", "5", "/queue/a", "in tx")
	f = p.readCommand(t, frame.ACK)
	require.Equal(t, "tx1", f.Header.Get(frame.Transaction))

	require.NoError(t, c.Commit())
	f = p.readCommand(t, frame.COMMIT)
	require.Equal(t, "tx1", f.Header.Get(frame.Transaction))
	require.Equal(t, "", c.Transaction())

	require.NoError(t, c.Begin("tx2"))
	p.readCommand(t, frame.BEGIN)

	require.NoError(t, c.Abort())
	f = p.readCommand(t, frame.ABORT)
	require.Equal(t, "tx2", f.Header.Get(frame.Transaction))
	require.Equal(t, "", c.Transaction())

	require.NoError(t, c.Send(message.NewText("/queue/a", "x", "")))
	f = p.readCommand(t, frame.SEND)
	require.False(t, f.Header.Contains(frame.Transaction))
}

func TestTransactionClearedOnFailedCommit(t *testing.T) {
	c, _, p := startTestClient(t)

	require.NoError(t, c.Begin("tx1"))
	p.readCommand(t, frame.BEGIN)

	atomic.StoreInt32(&p.client.failWrites, 1)

	err := c.Commit()
	require.True(t, errors.Is(err, errWriteFailure))
	require.Equal(t, "", c.Transaction())

	// The id is taken before BEGIN is written.
	require.Error(t, c.Begin("tx2"))
	require.Equal(t, "tx2", c.Transaction())

	err = c.Abort()
	require.Error(t, err)
	require.Equal(t, "", c.Transaction())
}

func TestEncodeErrorKeepsConnection(t *testing.T) {
	c, _, p := startTestClient(t)

	err := c.svc.writeFrame(frame.New("PUBLISH"))
	require.True(t, errors.Is(err, frame.ErrProtocol))

	require.NoError(t, c.Send(message.NewText("/queue/a", "x", "")))
	p.readCommand(t, frame.SEND)
}

func TestEvents(t *testing.T) {
	_, rec, p := startTestClient(t)

	p.write(t, frame.New(frame.RECEIPT, frame.ReceiptID, "77"))
	rec.wait(t, "receipt")

	f := frame.New(frame.ERROR, frame.Message, "Required header missing", frame.ContentType, frame.ValueContentType)
	f.Body = []byte("Required header 'destination' missing")
	p.write(t, f)
	rec.wait(t, "error")

	// A client has no use for client commands.
	p.write(t, frame.New(frame.SEND, frame.Destination, "/queue/a"))
	rec.wait(t, "unknown")

	rec.snapshot(func() {
		require.Equal(t, []string{"77"}, rec.receipts)

		require.Len(t, rec.errors, 1)
		require.Equal(t, "", rec.errors[0].Destination())
		require.Equal(t, "Required header missing", rec.errors[0].Header().Get(frame.Message))
		require.Equal(t, "Required header 'destination' missing", rec.errors[0].Body())

		require.Len(t, rec.unknown, 1)
		require.Equal(t, "/queue/a", rec.unknown[0].Destination())
	})
}

func TestDisconnect(t *testing.T) {
	c, rec, p := startTestClient(t)

	p.write(t, frame.New(frame.CONNECTED))
	rec.wait(t, "connected")

	require.NoError(t, c.Disconnect())
	waitDone(t, c)
	rec.wait(t, "disconnected")

	require.False(t, c.IsConnected())
	require.True(t, errors.Is(c.Disconnect(), ErrNotConnected))
	require.True(t, errors.Is(c.Connect(), ErrTransportClosed))
	require.True(t, errors.Is(c.Send(message.NewText("/queue/a", "x", "")), ErrNotConnected))
}

func TestPeerCloses(t *testing.T) {
	c, rec, p := startTestClient(t)

	require.NoError(t, p.conn.Close())

	waitDone(t, c)
	rec.wait(t, "disconnected")

	rec.snapshot(func() {
		require.Len(t, rec.exceptions, 0)
	})
}

func TestMalformedInput(t *testing.T) {
	c, rec, p := startTestClient(t)

	_, err := p.conn.Write([]byte("MESSAGE\ncontent-length:abc\n\nxyz\x00\n"))
	require.NoError(t, err)

	waitDone(t, c)
	rec.wait(t, "exception")

	rec.snapshot(func() {
		require.Len(t, rec.exceptions, 1)
		require.True(t, errors.Is(rec.exceptions[0], frame.ErrFraming))
		require.Equal(t, 0, rec.disconnected)
	})
}

func TestOversizedContentLength(t *testing.T) {
	c, rec, p := startTestClient(t)

	_, err := p.conn.Write([]byte("MESSAGE\nsubscription:1\ncontent-length:4611686018427387904\n\nhi\x00\n"))
	require.NoError(t, err)

	waitDone(t, c)
	rec.wait(t, "exception")

	rec.snapshot(func() {
		require.Len(t, rec.exceptions, 1)
		require.True(t, errors.Is(rec.exceptions[0], frame.ErrFraming))
	})
}
