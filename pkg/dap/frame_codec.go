/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
)

const (
	contentLengthHeader = "content-length"

	// DefaultMaxHeaderSize bounds the header block of a single frame.
	DefaultMaxHeaderSize = 8 * 1024

	// DefaultMaxBodySize bounds the body of a single frame.
	DefaultMaxBodySize = 64 * 1024 * 1024
)

var headerTerminator = []byte("\r\n\r\n")

// Encode serializes a message into a complete DAP frame (Content-Length header followed by the JSON body).
func Encode(msg dap.Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize DAP message: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 32)
	if err = dap.WriteBaseMessage(&buf, body); err != nil {
		return nil, fmt.Errorf("failed to write DAP frame: %w", err)
	}
	return buf.Bytes(), nil
}

// FrameDecoder incrementally turns a byte stream into DAP messages.
// It performs no I/O: callers feed whatever bytes they have and pull complete messages out.
// A FrameDecoder is not safe for concurrent use.
type FrameDecoder struct {
	log           logr.Logger
	buf           []byte
	bodyLen       int // -1 while the header of the next frame has not been parsed yet
	maxHeaderSize int
	maxBodySize   int

	// Header errors leave the stream misaligned, so they are sticky.
	err error
}

// FrameDecoderOption customizes a FrameDecoder.
type FrameDecoderOption func(*FrameDecoder)

// WithMaxBodySize sets the largest body the decoder accepts.
func WithMaxBodySize(n int) FrameDecoderOption {
	return func(d *FrameDecoder) {
		if n > 0 {
			d.maxBodySize = n
		}
	}
}

// WithMaxHeaderSize sets the largest header block the decoder accepts.
func WithMaxHeaderSize(n int) FrameDecoderOption {
	return func(d *FrameDecoder) {
		if n > 0 {
			d.maxHeaderSize = n
		}
	}
}

func NewFrameDecoder(log logr.Logger, opts ...FrameDecoderOption) *FrameDecoder {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	d := &FrameDecoder{
		log:           log,
		bodyLen:       -1,
		maxHeaderSize: DefaultMaxHeaderSize,
		maxBodySize:   DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends bytes read from the stream to the decoder's buffer.
func (d *FrameDecoder) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes received but not yet consumed.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete message.
// It returns (nil, false, nil) when more bytes are needed.
func (d *FrameDecoder) Next() (dap.Message, bool, error) {
	if d.err != nil {
		return nil, false, d.err
	}

	if d.bodyLen < 0 {
		end := bytes.Index(d.buf, headerTerminator)
		if end < 0 {
			if len(d.buf) > d.maxHeaderSize {
				d.err = newFramingError(fmt.Sprintf("header block exceeds %d bytes", d.maxHeaderSize), nil)
				return nil, false, d.err
			}
			return nil, false, nil
		}
		if end > d.maxHeaderSize {
			d.err = newFramingError(fmt.Sprintf("header block exceeds %d bytes", d.maxHeaderSize), nil)
			return nil, false, d.err
		}

		bodyLen, headerErr := d.parseHeader(d.buf[:end])
		d.buf = d.buf[end+len(headerTerminator):]
		if headerErr != nil {
			d.err = headerErr
			return nil, false, d.err
		}
		d.bodyLen = bodyLen
	}

	if len(d.buf) < d.bodyLen {
		return nil, false, nil
	}

	body := d.buf[:d.bodyLen]
	d.buf = d.buf[d.bodyLen:]
	d.bodyLen = -1
	if len(d.buf) == 0 {
		d.buf = nil
	}

	// The frame boundary is intact even if the body is bad, so body errors are not sticky.
	msg, err := decodeBody(body)
	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

// Messages feeds p and returns every message that became complete.
// A partial trailing frame stays buffered for the next call.
func (d *FrameDecoder) Messages(p []byte) ([]dap.Message, error) {
	d.Feed(p)

	var msgs []dap.Message
	for {
		msg, ok, err := d.Next()
		if err != nil {
			return msgs, err
		}
		if !ok {
			return msgs, nil
		}
		msgs = append(msgs, msg)
	}
}

func (d *FrameDecoder) parseHeader(block []byte) (int, error) {
	bodyLen := -1

	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		name, value, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \t") {
			// Some adapters print diagnostics to stdout ahead of the first frame.
			d.log.Info("Ignoring malformed DAP header line", "line", line)
			continue
		}

		if strings.ToLower(name) != contentLengthHeader {
			continue
		}

		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, newFramingError(fmt.Sprintf("invalid Content-Length value '%s'", strings.TrimSpace(value)), err)
		}
		if n < 0 {
			return 0, newFramingError(fmt.Sprintf("negative Content-Length %d", n), nil)
		}
		bodyLen = n
	}

	if bodyLen < 0 {
		return 0, newFramingError("missing Content-Length header", nil)
	}
	if bodyLen > d.maxBodySize {
		return 0, newFramingError(fmt.Sprintf("Content-Length %d exceeds the limit of %d bytes", bodyLen, d.maxBodySize), nil)
	}
	return bodyLen, nil
}

type rawEnvelope struct {
	Seq        int             `json:"seq"`
	Type       string          `json:"type"`
	Command    string          `json:"command"`
	Event      string          `json:"event"`
	RequestSeq int             `json:"request_seq"`
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Arguments  json.RawMessage `json:"arguments"`
	Body       json.RawMessage `json:"body"`
}

func decodeBody(body []byte) (dap.Message, error) {
	if !utf8.Valid(body) {
		return nil, newFramingError("message body is not valid UTF-8", nil)
	}

	msg, err := dap.DecodeProtocolMessage(body)
	if err == nil {
		return msg, nil
	}

	// go-dap rejects commands and events it does not know about. Fall back to a generic envelope.
	var env rawEnvelope
	if jsonErr := json.Unmarshal(body, &env); jsonErr != nil {
		return nil, newFramingError("message body is not valid JSON", jsonErr)
	}

	pm := dap.ProtocolMessage{Seq: env.Seq, Type: env.Type}
	switch env.Type {
	case messageTypeRequest:
		if env.Command == "" {
			return nil, newFramingError("request has no command", err)
		}
		return &UnknownRequest{
			Request:   dap.Request{ProtocolMessage: pm, Command: env.Command},
			Arguments: env.Arguments,
		}, nil

	case messageTypeResponse:
		return &UnknownResponse{
			Response: dap.Response{
				ProtocolMessage: pm,
				RequestSeq:      env.RequestSeq,
				Success:         env.Success,
				Command:         env.Command,
				Message:         env.Message,
			},
			Body: env.Body,
		}, nil

	case messageTypeEvent:
		if env.Event == "" {
			return nil, newFramingError("event has no name", err)
		}
		return &UnknownEvent{
			Event: dap.Event{ProtocolMessage: pm, Event: env.Event},
			Body:  env.Body,
		}, nil

	default:
		return nil, newFramingError(fmt.Sprintf("unknown message type '%s'", env.Type), err)
	}
}
