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
	"sync"
	"sync/atomic"
)

var (
	bufcnt int64
)

// Buffer is an unbounded in-memory byte channel. Writes never block. Reads from an empty
// Buffer either fail with ErrNoData or, if the Buffer is blocking, wait for a write or
// a Close. Only one goroutine should do blocking reads at a time.
type Buffer struct {
	id int64

	mu   sync.Mutex
	cond *sync.Cond

	buf []byte

	blocking bool
	closed   bool
}

var _ io.ReadWriteCloser = (*Buffer)(nil)

func NewBuffer(blocking bool) *Buffer {
	this := &Buffer{
		id:       atomic.AddInt64(&bufcnt, 1),
		blocking: blocking,
	}
	this.cond = sync.NewCond(&this.mu)

	return this
}

func (this *Buffer) ID() int64 {
	return this.id
}

func (this *Buffer) Blocking() bool {
	return this.blocking
}

// Len returns the number of unread bytes.
func (this *Buffer) Len() int {
	this.mu.Lock()
	defer this.mu.Unlock()

	return len(this.buf)
}

// Clear drops all unread bytes.
func (this *Buffer) Clear() {
	this.mu.Lock()
	defer this.mu.Unlock()

	this.buf = this.buf[:0]
}

// Close wakes up any waiting reader. Bytes already written can still be read, after
// which Read returns io.EOF.
func (this *Buffer) Close() error {
	this.mu.Lock()
	defer this.mu.Unlock()

	this.closed = true
	this.cond.Broadcast()

	return nil
}

func (this *Buffer) Write(p []byte) (int, error) {
	this.mu.Lock()
	defer this.mu.Unlock()

	if this.closed {
		return 0, ErrBufferClosed
	}

	this.buf = append(this.buf, p...)
	this.cond.Signal()

	return len(p), nil
}

func (this *Buffer) WriteByte(c byte) error {
	_, err := this.Write([]byte{c})
	return err
}

// Read may return fewer bytes than len(p) even if more are on the way.
func (this *Buffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	this.mu.Lock()
	defer this.mu.Unlock()

	if err := this.waitData(); err != nil {
		return 0, err
	}

	n := copy(p, this.buf)
	this.consume(n)

	return n, nil
}

func (this *Buffer) ReadByte() (byte, error) {
	this.mu.Lock()
	defer this.mu.Unlock()

	if err := this.waitData(); err != nil {
		return 0, err
	}

	c := this.buf[0]
	this.consume(1)

	return c, nil
}

// waitData must be called with the lock held. It returns nil once there is at
// least one byte to read.
func (this *Buffer) waitData() error {
	for len(this.buf) == 0 {
		if this.closed {
			return io.EOF
		}

		if !this.blocking {
			return ErrNoData
		}

		this.cond.Wait()
	}

	return nil
}

func (this *Buffer) consume(n int) {
	this.buf = this.buf[:copy(this.buf, this.buf[n:])]
}

// pipeEnd is one side of a loopback pipe. It reads what the other side writes.
type pipeEnd struct {
	r *Buffer
	w *Buffer
}

func (this *pipeEnd) Read(p []byte) (int, error) {
	return this.r.Read(p)
}

func (this *pipeEnd) Write(p []byte) (int, error) {
	return this.w.Write(p)
}

// Close shuts both directions. The peer reads the remaining bytes and then io.EOF.
func (this *pipeEnd) Close() error {
	this.w.Close()
	return this.r.Close()
}

// NewPipe returns the two ends of an in-memory duplex stream built on two blocking
// Buffers.
func NewPipe() (client, server io.ReadWriteCloser) {
	c2s := NewBuffer(true)
	s2c := NewBuffer(true)

	return &pipeEnd{r: s2c, w: c2s}, &pipeEnd{r: c2s, w: s2c}
}
