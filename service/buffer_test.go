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
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestBufferNonBlockingEmpty(t *testing.T) {
	buf := NewBuffer(false)
	require.False(t, buf.Blocking())

	_, err := buf.ReadByte()
	require.True(t, errors.Is(err, ErrNoData))

	n, err := buf.Read(make([]byte, 4))
	require.Equal(t, 0, n)
	require.True(t, errors.Is(err, ErrNoData))
}

func TestBufferOrder(t *testing.T) {
	buf := NewBuffer(false)

	_, err := buf.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, buf.WriteByte('d'))
	require.Equal(t, 4, buf.Len())

	c, err := buf.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte('a'), c)

	p := make([]byte, 2)
	n, err := buf.Read(p)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte("bc"), p)

	p = make([]byte, 10)
	n, err = buf.Read(p)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, byte('d'), p[0])

	require.Equal(t, 0, buf.Len())
}

func TestBufferClear(t *testing.T) {
	buf := NewBuffer(false)

	buf.Write([]byte("abc"))
	buf.Clear()

	require.Equal(t, 0, buf.Len())

	_, err := buf.ReadByte()
	require.True(t, errors.Is(err, ErrNoData))
}

func TestBufferBlockingRead(t *testing.T) {
	buf := NewBuffer(true)

	got := make(chan byte, 1)
	go func() {
		c, err := buf.ReadByte()
		if err == nil {
			got <- c
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("read returned before any write")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, buf.WriteByte('x'))

	select {
	case c := <-got:
		require.Equal(t, byte('x'), c)
	case <-time.After(time.Second):
		t.Fatal("blocked reader was not woken up")
	}
}

func TestBufferCloseWakesReader(t *testing.T) {
	buf := NewBuffer(true)

	errc := make(chan error, 1)
	go func() {
		_, err := buf.Read(make([]byte, 1))
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, buf.Close())

	select {
	case err := <-errc:
		require.Equal(t, io.EOF, err)
	case <-time.After(time.Second):
		t.Fatal("close did not wake the reader")
	}
}

func TestBufferClosedDrains(t *testing.T) {
	buf := NewBuffer(true)

	buf.Write([]byte("ab"))
	buf.Close()

	_, err := buf.Write([]byte("c"))
	require.True(t, errors.Is(err, ErrBufferClosed))

	b, err := io.ReadAll(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("ab"), b)
}

func TestBufferConcurrentWriters(t *testing.T) {
	buf := NewBuffer(true)

	const (
		writers = 8
		chunks  = 100
	)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(c byte) {
			defer wg.Done()
			for j := 0; j < chunks; j++ {
				buf.Write([]byte{c, c})
			}
		}(byte('a' + i))
	}

	wg.Wait()
	buf.Close()

	b, err := io.ReadAll(buf)
	require.NoError(t, err)
	require.Len(t, b, writers*chunks*2)

	// Each write is appended whole.
	for i := 0; i < len(b); i += 2 {
		require.Equal(t, b[i], b[i+1])
	}
}

func TestPipe(t *testing.T) {
	client, server := NewPipe()

	_, err := client.Write([]byte("ping"))
	require.NoError(t, err)

	p := make([]byte, 4)
	_, err = io.ReadFull(server, p)
	require.NoError(t, err)
	require.Equal(t, "ping", string(p))

	_, err = server.Write([]byte("pong"))
	require.NoError(t, err)

	_, err = io.ReadFull(client, p)
	require.NoError(t, err)
	require.Equal(t, "pong", string(p))

	server.Write([]byte("last"))
	require.NoError(t, server.Close())

	b, err := io.ReadAll(client)
	require.NoError(t, err)
	require.True(t, bytes.Equal([]byte("last"), b))

	_, err = client.Write([]byte("x"))
	require.True(t, errors.Is(err, ErrBufferClosed))
}
