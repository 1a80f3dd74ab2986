// Package framer splits per-connection byte streams into protocol lines.
package framer

import (
	"bytes"
	"errors"
	"strings"
)

// ErrOverrun is returned when a line does not fit in the connection buffer.
// It is terminal: the buffer refuses all further input.
var ErrOverrun = errors.New("framer: line exceeds buffer size")

// DefaultBufferSize is the RFC 1459 line limit including CRLF.
const DefaultBufferSize = 512

// Framer holds one accumulation buffer per connection id.
type Framer struct {
	size    int
	buffers map[uint64]*Buffer
}

// New returns a framer whose buffers hold fewer than size bytes.
func New(size int) *Framer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Framer{size: size, buffers: make(map[uint64]*Buffer)}
}

// Add feeds chunk into the buffer of connection id and returns the lines it
// completed, in order. On overrun the lines completed before the offending
// one are returned together with ErrOverrun.
func (f *Framer) Add(id uint64, chunk []byte) ([]string, error) {
	b, ok := f.buffers[id]
	if !ok {
		b = NewBuffer(f.size)
		f.buffers[id] = b
	}
	return b.Add(chunk)
}

// Remove discards the buffer of connection id.
func (f *Framer) Remove(id uint64) {
	delete(f.buffers, id)
}

// Len returns the number of tracked buffers.
func (f *Framer) Len() int {
	return len(f.buffers)
}

// Buffer is a bounded accumulation buffer for a single stream.
type Buffer struct {
	buf     []byte
	size    int
	overrun bool
}

// NewBuffer returns a buffer that overruns once it would hold size bytes.
func NewBuffer(size int) *Buffer {
	return &Buffer{buf: make([]byte, 0, size), size: size}
}

// Add scans chunk for newlines. Every newline completes a line made of the
// buffered bytes plus the bytes before it, minus one trailing carriage
// return. Bytes after the last newline stay buffered.
func (b *Buffer) Add(chunk []byte) ([]string, error) {
	if b.overrun {
		return nil, ErrOverrun
	}

	var lines []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			if err := b.append(chunk); err != nil {
				return lines, err
			}
			return lines, nil
		}

		if err := b.append(chunk[:i]); err != nil {
			return lines, err
		}
		lines = append(lines, b.flush())
		chunk = chunk[i+1:]
	}
	return lines, nil
}

// Buffered returns the number of bytes waiting for a newline.
func (b *Buffer) Buffered() int {
	return len(b.buf)
}

func (b *Buffer) append(p []byte) error {
	if len(b.buf)+len(p) >= b.size {
		b.buf = b.buf[:0]
		b.overrun = true
		return ErrOverrun
	}
	b.buf = append(b.buf, p...)
	return nil
}

func (b *Buffer) flush() string {
	line := b.buf
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	s := strings.ToValidUTF8(string(line), "�")
	b.buf = b.buf[:0]
	return s
}
