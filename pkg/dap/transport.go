// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
)

const readChunkSize = 32 * 1024

// Transport provides an abstraction for DAP message I/O over a duplex byte stream.
// ReadMessage is called from a single goroutine; WriteMessage may be called concurrently with it.
type Transport interface {
	// ReadMessage reads the next DAP protocol message from the transport.
	// This method blocks until a complete message is available.
	ReadMessage() (dap.Message, error)

	// WriteMessage writes a complete DAP frame for msg to the transport.
	WriteMessage(msg dap.Message) error

	// Close closes the transport, releasing any associated resources.
	// After Close is called, any blocked ReadMessage or WriteMessage calls
	// should return with an error.
	Close() error
}

// streamTransport implements Transport over arbitrary reader/writer pairs
// (TCP connections, subprocess stdio, in-memory pipes).
type streamTransport struct {
	reader  io.Reader
	writer  *bufio.Writer
	closers []io.Closer
	decoder *FrameDecoder
	readBuf []byte

	// readErr is the terminal read error, reported once all buffered frames are consumed.
	readErr error

	// writeMu protects concurrent writes to the stream
	writeMu sync.Mutex

	// closed indicates whether the transport has been closed
	closed bool
	mu     sync.Mutex
}

// NewStreamTransport creates a new Transport backed by a duplex stream such as a net.Conn.
func NewStreamTransport(rwc io.ReadWriteCloser, log logr.Logger, opts ...FrameDecoderOption) Transport {
	return newStreamTransport(rwc, rwc, []io.Closer{rwc}, log, opts...)
}

// NewPipeTransport creates a new Transport backed by a pair of one-way streams,
// typically the stdout and stdin pipes of an adapter process.
func NewPipeTransport(r io.ReadCloser, w io.WriteCloser, log logr.Logger, opts ...FrameDecoderOption) Transport {
	return newStreamTransport(r, w, []io.Closer{w, r}, log, opts...)
}

func newStreamTransport(r io.Reader, w io.Writer, closers []io.Closer, log logr.Logger, opts ...FrameDecoderOption) *streamTransport {
	return &streamTransport{
		reader:  r,
		writer:  bufio.NewWriter(w),
		closers: closers,
		decoder: NewFrameDecoder(log, opts...),
		readBuf: make([]byte, readChunkSize),
	}
}

func (t *streamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *streamTransport) ReadMessage() (dap.Message, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}

	for {
		msg, ok, decodeErr := t.decoder.Next()
		if decodeErr != nil {
			return nil, decodeErr
		}
		if ok {
			return msg, nil
		}
		if t.readErr != nil {
			return nil, t.readErr
		}

		n, readErr := t.reader.Read(t.readBuf)
		t.decoder.Feed(t.readBuf[:n])
		if readErr != nil {
			switch {
			case t.isClosed():
				t.readErr = ErrTransportClosed
			case errors.Is(readErr, io.EOF):
				t.readErr = ErrAdapterDisconnected
			default:
				t.readErr = fmt.Errorf("%w: failed to read DAP message: %w", ErrAdapterDisconnected, readErr)
			}
		}
	}
}

func (t *streamTransport) WriteMessage(msg dap.Message) error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	frame, encodeErr := Encode(msg)
	if encodeErr != nil {
		return encodeErr
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, writeErr := t.writer.Write(frame); writeErr != nil {
		return fmt.Errorf("%w: failed to write DAP message: %w", ErrAdapterDisconnected, writeErr)
	}

	if flushErr := t.writer.Flush(); flushErr != nil {
		return fmt.Errorf("%w: failed to flush DAP message: %w", ErrAdapterDisconnected, flushErr)
	}

	return nil
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
		if closeErr := c.Close(); closeErr != nil && !errors.Is(closeErr, io.ErrClosedPipe) && !errors.Is(closeErr, os.ErrClosed) {
			errs = append(errs, closeErr)
		}
	}
	return errors.Join(errs...)
}
