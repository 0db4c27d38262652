/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"
)

func frame(body string) []byte {
	return []byte(fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body))
}

func TestEncodeProducesContentLengthFrame(t *testing.T) {
	t.Parallel()

	msg := newOutgoingRequest(7, CommandThreads, nil)
	data, err := Encode(msg)
	require.NoError(t, err)

	body, err := json.Marshal(msg)
	require.NoError(t, err)
	require.Equal(t, frame(string(body)), data)

	d := NewFrameDecoder(logr.Discard())
	msgs, err := d.Messages(data)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	req, isThreads := msgs[0].(*dap.ThreadsRequest)
	require.True(t, isThreads, "expected *dap.ThreadsRequest, got %T", msgs[0])
	require.Equal(t, 7, req.Seq)
}

func TestDecoderHandlesFramesSplitAtAnyByte(t *testing.T) {
	t.Parallel()

	var stream []byte
	for seq := 1; seq <= 3; seq++ {
		data, err := Encode(&adapterEvent{
			Event: dap.Event{ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: messageTypeEvent}, Event: "output"},
			Body:  dap.OutputEventBody{Category: "stdout", Output: fmt.Sprintf("line %d\n", seq)},
		})
		require.NoError(t, err)
		stream = append(stream, data...)
	}

	d := NewFrameDecoder(logr.Discard())
	var got []dap.Message
	for i := range stream {
		msgs, err := d.Messages(stream[i : i+1])
		require.NoError(t, err)
		got = append(got, msgs...)
	}

	require.Len(t, got, 3)
	require.Equal(t, 0, d.Buffered())
	for i, msg := range got {
		ev, isOutput := msg.(*dap.OutputEvent)
		require.True(t, isOutput, "expected *dap.OutputEvent, got %T", msg)
		require.Equal(t, i+1, ev.Seq)
		require.Equal(t, fmt.Sprintf("line %d\n", i+1), ev.Body.Output)
	}
}

func TestDecoderReturnsEveryCompleteFrameInOneChunk(t *testing.T) {
	t.Parallel()

	first := frame(`{"seq":1,"type":"event","event":"initialized"}`)
	second := frame(`{"seq":2,"type":"event","event":"output","body":{"output":"hi"}}`)
	chunk := append(append([]byte{}, first...), second[:10]...)

	d := NewFrameDecoder(logr.Discard())
	msgs, err := d.Messages(chunk)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.IsType(t, &dap.InitializedEvent{}, msgs[0])

	msgs, err = d.Messages(second[10:])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.IsType(t, &dap.OutputEvent{}, msgs[0])
}

func TestDecoderHeaderHandling(t *testing.T) {
	t.Parallel()

	body := `{"seq":3,"type":"event","event":"initialized"}`

	t.Run("garbage lines before the header are skipped", func(t *testing.T) {
		t.Parallel()
		data := append([]byte("Debugger listening on port 4711\nWARNING something odd\r\n"), frame(body)...)
		msgs, err := NewFrameDecoder(logr.Discard()).Messages(data)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, 3, msgs[0].GetSeq())
	})

	t.Run("other headers are ignored and names are case-insensitive", func(t *testing.T) {
		t.Parallel()
		data := []byte(fmt.Sprintf("Content-Type: application/vscode-jsonrpc; charset=utf-8\r\ncontent-LENGTH: %d\r\n\r\n%s", len(body), body))
		msgs, err := NewFrameDecoder(logr.Discard()).Messages(data)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
	})

	t.Run("missing Content-Length is a sticky framing error", func(t *testing.T) {
		t.Parallel()
		d := NewFrameDecoder(logr.Discard())
		_, err := d.Messages([]byte("Content-Type: application/json\r\n\r\n{}"))
		var framingErr *FramingError
		require.ErrorAs(t, err, &framingErr)

		_, err = d.Messages(frame(body))
		require.ErrorAs(t, err, &framingErr)
	})

	t.Run("invalid and negative lengths are rejected", func(t *testing.T) {
		t.Parallel()
		for _, header := range []string{"Content-Length: ten", "Content-Length: -4"} {
			_, err := NewFrameDecoder(logr.Discard()).Messages([]byte(header + "\r\n\r\n"))
			var framingErr *FramingError
			require.ErrorAs(t, err, &framingErr, "header %q", header)
		}
	})

	t.Run("oversized header block", func(t *testing.T) {
		t.Parallel()
		d := NewFrameDecoder(logr.Discard(), WithMaxHeaderSize(16))
		_, err := d.Messages([]byte("X-Padding: 0123456789abcdef\r\n"))
		var framingErr *FramingError
		require.ErrorAs(t, err, &framingErr)
	})

	t.Run("oversized body", func(t *testing.T) {
		t.Parallel()
		d := NewFrameDecoder(logr.Discard(), WithMaxBodySize(8))
		_, err := d.Messages(frame(body))
		var framingErr *FramingError
		require.ErrorAs(t, err, &framingErr)
	})
}

func TestDecoderRejectsBadBodies(t *testing.T) {
	t.Parallel()

	for name, body := range map[string]string{
		"invalid UTF-8":   "{\"seq\":1,\"type\":\"event\",\"event\":\"\xff\"}",
		"invalid JSON":    `{"seq":1,"type":`,
		"unknown type":    `{"seq":1,"type":"notification"}`,
		"nameless event":  `{"seq":1,"type":"event"}`,
		"commandless req": `{"seq":1,"type":"request"}`,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			d := NewFrameDecoder(logr.Discard())
			_, err := d.Messages(frame(body))
			var framingErr *FramingError
			require.ErrorAs(t, err, &framingErr)

			// The frame boundary was intact, so the decoder recovers on the next frame.
			msgs, err := d.Messages(frame(`{"seq":2,"type":"event","event":"initialized"}`))
			require.NoError(t, err)
			require.Len(t, msgs, 1)
		})
	}
}

func TestDecoderPreservesUnknownMessages(t *testing.T) {
	t.Parallel()

	d := NewFrameDecoder(logr.Discard())
	data := append(append(append([]byte{},
		frame(`{"seq":1,"type":"event","event":"rust/progress","body":{"percent":40}}`)...),
		frame(`{"seq":2,"type":"request","command":"vendorPing","arguments":{"token":"x"}}`)...),
		frame(`{"seq":3,"type":"response","request_seq":9,"command":"vendorQuery","success":true,"body":{"rows":2}}`)...)

	msgs, err := d.Messages(data)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	ev, isUnknownEvent := msgs[0].(*UnknownEvent)
	require.True(t, isUnknownEvent, "got %T", msgs[0])
	require.Equal(t, "rust/progress", ev.Event.Event)
	require.JSONEq(t, `{"percent":40}`, string(ev.Body))

	req, isUnknownRequest := msgs[1].(*UnknownRequest)
	require.True(t, isUnknownRequest, "got %T", msgs[1])
	require.Equal(t, "vendorPing", req.Command)
	require.JSONEq(t, `{"token":"x"}`, string(req.Arguments))

	resp, isUnknownResponse := msgs[2].(*UnknownResponse)
	require.True(t, isUnknownResponse, "got %T", msgs[2])
	require.Equal(t, 9, resp.RequestSeq)
	require.True(t, resp.Success)
	require.JSONEq(t, `{"rows":2}`, string(resp.Body))
}

func TestDecoderMapsFailedResponsesToErrorResponse(t *testing.T) {
	t.Parallel()

	d := NewFrameDecoder(logr.Discard())
	msgs, err := d.Messages(frame(`{"seq":4,"type":"response","request_seq":2,"command":"evaluate","success":false,"message":"not available","body":{"error":{"id":2,"format":"cannot evaluate {expr}"}}}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	resp, isResponse := msgs[0].(dap.ResponseMessage)
	require.True(t, isResponse)
	adapterErr := responseError(resp)
	var typed *AdapterError
	require.ErrorAs(t, adapterErr, &typed)
	require.Equal(t, CommandEvaluate, typed.Command)
	require.Equal(t, "not available", typed.Message)
	require.NotNil(t, typed.Details)
	require.Equal(t, "cannot evaluate {expr}", typed.Details.Format)
}
