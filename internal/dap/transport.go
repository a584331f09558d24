/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"
)

// ErrTransportClosed is returned by transport operations after Close.
var ErrTransportClosed = errors.New("transport is closed")

// Transport provides length-delimited DAP message I/O over a byte stream.
// ReadMessage and WriteMessage may be called concurrently with each other,
// but concurrent calls to ReadMessage are not supported.
type Transport interface {
	// ReadMessage blocks until a complete message is available.
	// It returns io.EOF when the peer closed the stream between messages.
	ReadMessage() (Message, error)

	// WriteMessage writes and flushes one complete message.
	WriteMessage(msg Message) error

	// Close releases the underlying streams. Blocked reads return with an error.
	Close() error
}

// ReadMessage reads one framed message: a header block terminated by CRLFCRLF carrying
// Content-Length, followed by exactly that many payload bytes.
// A stream that ends before the next header (or inside a message) yields io.EOF,
// which callers treat as an orderly disconnect rather than a fault.
func ReadMessage(r *bufio.Reader) (Message, error) {
	content, readErr := dap.ReadBaseMessage(r)
	if readErr != nil {
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, readErr)
	}

	return ParseMessage(content)
}

// WriteMessage serializes msg, prepends the Content-Length header, and flushes,
// so that a message never straddles two partial writes.
func WriteMessage(w *bufio.Writer, msg Message) error {
	content, serializeErr := SerializeMessage(msg)
	if serializeErr != nil {
		return serializeErr
	}

	if writeErr := dap.WriteBaseMessage(w, content); writeErr != nil {
		return fmt.Errorf("failed to write DAP message: %w", writeErr)
	}
	if flushErr := w.Flush(); flushErr != nil {
		return fmt.Errorf("failed to flush DAP message: %w", flushErr)
	}
	return nil
}

// streamTransport implements Transport over a reader/writer pair (stdio, pipes, sockets).
type streamTransport struct {
	reader  *bufio.Reader
	writer  *bufio.Writer
	closers []io.Closer

	// writeMu serializes whole-message writes
	writeMu sync.Mutex

	closed bool
	mu     sync.Mutex
}

// NewStreamTransport creates a Transport reading from r and writing to w.
// Closing the transport closes every argument that implements io.Closer.
func NewStreamTransport(r io.Reader, w io.Writer) Transport {
	t := &streamTransport{
		reader: bufio.NewReader(r),
		writer: bufio.NewWriter(w),
	}
	if c, ok := r.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
	if c, ok := w.(io.Closer); ok && any(w) != any(r) {
		t.closers = append(t.closers, c)
	}
	return t
}

// NewTCPTransport creates a Transport backed by a network connection.
func NewTCPTransport(conn net.Conn) Transport {
	return NewStreamTransport(conn, conn)
}

// DialTCP connects to address and returns a Transport for the connection.
func DialTCP(ctx context.Context, address string) (Transport, error) {
	var d net.Dialer
	conn, dialErr := d.DialContext(ctx, "tcp", address)
	if dialErr != nil {
		return nil, fmt.Errorf("failed to dial TCP %s: %w", address, dialErr)
	}

	return NewTCPTransport(conn), nil
}

func (t *streamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *streamTransport) ReadMessage() (Message, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}

	msg, readErr := ReadMessage(t.reader)
	if readErr != nil && t.isClosed() && !errors.Is(readErr, io.EOF) {
		// Close raced with a blocked read; the stream ending is expected.
		return nil, io.EOF
	}
	return msg, readErr
}

func (t *streamTransport) WriteMessage(msg Message) error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	return WriteMessage(t.writer, msg)
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	for _, c := range t.closers {
		if closeErr := c.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			errs = append(errs, closeErr)
		}
	}
	return errors.Join(errs...)
}
