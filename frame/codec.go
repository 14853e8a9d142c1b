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

package frame

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrProtocol = errors.New("frame: Invalid command")
	ErrFraming  = errors.New("frame: Malformed frame")
)

const (
	newline = '\n'
	nul     = 0
)

// MaxBodyLength is the largest body Decode accepts, with or without a content-length
// header. Larger frames fail with ErrFraming.
var MaxBodyLength = 64 << 20

// Encode writes f to w. The whole frame is assembled first and handed to w in a
// single Write call, so writers that are shared between goroutines never see a
// partial frame as long as the caller serializes Encode calls.
func Encode(w io.Writer, f *Frame) error {
	if f == nil || !ValidCommand(f.Command) {
		return ErrProtocol
	}

	if f.IsHeartBeat() {
		_, err := w.Write([]byte{newline})
		return err
	}

	_, err := w.Write(Bytes(f))
	return err
}

// Bytes returns the wire representation of f. f is assumed to be valid.
func Bytes(f *Frame) []byte {
	if f.IsHeartBeat() {
		return []byte{newline}
	}

	var buf bytes.Buffer

	buf.Grow(len(f.Command) + 2 + len(f.Body) + 16*f.Header.Len())

	buf.WriteString(f.Command)
	buf.WriteByte(newline)

	f.Header.Each(func(k, v string) {
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte(newline)
	})

	buf.WriteByte(newline)
	buf.Write(f.Body)
	buf.WriteByte(nul)
	buf.WriteByte(newline)

	return buf.Bytes()
}

// Decode reads one frame from r. Blank lines before the command, including
// heartbeats and the newline that trails every encoded frame, are skipped. If
// the stream ends before a known command is found, io.EOF is returned.
func Decode(r *bufio.Reader) (*Frame, error) {
	f, _, err := decode(r, false)
	return f, err
}

// Reader decodes a stream of frames. The newline trailing a frame is consumed with
// the frame when it arrives together with the NUL.
type Reader struct {
	// HeartBeats makes Read return a HEARTBEAT frame for every other blank line found
	// at a frame boundary.
	HeartBeats bool

	r *bufio.Reader
}

// NewReader returns a Reader reading from r.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}

	return &Reader{r: br}
}

// Read returns the next frame.
func (this *Reader) Read() (*Frame, error) {
	f, blank, err := decode(this.r, this.HeartBeats)
	if err != nil {
		return nil, err
	}

	if blank {
		return NewHeartBeat(), nil
	}

	return f, nil
}

// decode reads one frame. If stopOnBlank is set, a blank line found while looking
// for the command stops the scan and blank is returned as true.
func decode(r *bufio.Reader, stopOnBlank bool) (f *Frame, blank bool, err error) {
	var command string

	for {
		line, err := readLine(r)
		if err != nil && (err != io.EOF || line == "") {
			return nil, false, err
		}

		if line == "" {
			if stopOnBlank {
				return nil, true, nil
			}
			continue
		}

		if IsServerCommand(line) || IsClientCommand(line) {
			command = line
			break
		}

		// Not a command, skip it
		if err == io.EOF {
			return nil, false, io.EOF
		}
	}

	f = New(command)

	for {
		line, err := readLine(r)
		if line != "" {
			if i := strings.IndexByte(line, ':'); i >= 0 {
				f.Header.Add(line[:i], line[i+1:])
			}
		}

		if err == io.EOF || (err == nil && line == "") {
			break
		}

		if err != nil {
			return nil, false, err
		}
	}

	if cl, ok := f.Header.Lookup(ContentLength); ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return nil, false, errors.Wrapf(ErrFraming, "invalid %s %q", ContentLength, cl)
		}

		if n > MaxBodyLength {
			return nil, false, errors.Wrapf(ErrFraming, "%s %d exceeds %d", ContentLength, n, MaxBodyLength)
		}

		var body bytes.Buffer
		if _, err := io.CopyN(&body, r, int64(n)); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, false, errors.Wrapf(ErrFraming, "reading %d byte payload: %v", n, err)
		}

		f.Body = body.Bytes()
		if f.Body == nil {
			f.Body = []byte{}
		}

		// Skip the terminating NUL.
		b, err := r.ReadByte()
		if err != nil && err != io.EOF {
			return nil, false, err
		}

		if err == nil && b == nul {
			skipTrailer(r)
		}

		return f, false, nil
	}

	body := []byte{}
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, false, err
		}

		if b == nul {
			skipTrailer(r)
			break
		}

		if len(body) >= MaxBodyLength {
			return nil, false, errors.Wrapf(ErrFraming, "body exceeds %d bytes", MaxBodyLength)
		}

		body = append(body, b)
	}

	f.Body = body
	return f, false, nil
}

// skipTrailer consumes the newline that follows a NUL if it has already arrived.
// Peers that end frames at the NUL send none, and a newline arriving later is a
// heartbeat.
func skipTrailer(r *bufio.Reader) {
	if r.Buffered() == 0 {
		return
	}

	if b, err := r.Peek(1); err == nil && b[0] == newline {
		r.ReadByte()
	}
}

// readLine returns the next line without its line terminator. At the end of the
// stream it returns whatever was left together with io.EOF.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString(newline)
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, err
}

// Writer encodes frames to an io.Writer.
type Writer struct {
	w io.Writer
}

// NewWriter returns a Writer writing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes f.
func (this *Writer) Write(f *Frame) error {
	return Encode(this.w, f)
}
