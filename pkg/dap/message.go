// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"

	"github.com/google/go-dap"
)

// Direction indicates the flow direction of a DAP message relative to this client.
type Direction int

const (
	// Outbound indicates a message flowing from the client to the debug adapter.
	Outbound Direction = iota
	// Inbound indicates a message flowing from the debug adapter to the client.
	Inbound
)

// String returns a human-readable representation of the direction.
func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return "unknown"
	}
}

const (
	messageTypeRequest  = "request"
	messageTypeResponse = "response"
	messageTypeEvent    = "event"
)

// UnknownRequest is a request whose command go-dap does not model.
// The arguments are preserved verbatim.
type UnknownRequest struct {
	dap.Request
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// UnknownResponse is a response to a command go-dap does not model.
type UnknownResponse struct {
	dap.Response
	Body json.RawMessage `json:"body,omitempty"`
}

// UnknownEvent is an event go-dap does not model, for example an adapter-specific notification.
type UnknownEvent struct {
	dap.Event
	Body json.RawMessage `json:"body,omitempty"`
}

// outgoingRequest is the envelope used for every request this client sends.
// Using a single shape lets callers pass either go-dap argument structs or ad-hoc maps.
type outgoingRequest struct {
	dap.Request
	Arguments any `json:"arguments,omitempty"`
}

// outgoingResponse is the envelope used to answer reverse requests.
type outgoingResponse struct {
	dap.Response
	Body any `json:"body,omitempty"`
}

var (
	_ dap.RequestMessage  = (*UnknownRequest)(nil)
	_ dap.ResponseMessage = (*UnknownResponse)(nil)
	_ dap.EventMessage    = (*UnknownEvent)(nil)
	_ dap.RequestMessage  = (*outgoingRequest)(nil)
	_ dap.ResponseMessage = (*outgoingResponse)(nil)
)

func newOutgoingRequest(seq int, command string, args any) *outgoingRequest {
	return &outgoingRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: messageTypeRequest},
			Command:         command,
		},
		Arguments: args,
	}
}

func newOutgoingResponse(seq int, req *ReverseRequest, body any, err error) *outgoingResponse {
	resp := &outgoingResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: messageTypeResponse},
			RequestSeq:      req.Seq,
			Command:         req.Command,
			Success:         err == nil,
		},
	}
	if err != nil {
		resp.Message = err.Error()
	} else {
		resp.Body = body
	}
	return resp
}

// describeMessage returns the log-friendly kind and name of a message.
func describeMessage(msg dap.Message) (string, string) {
	switch m := msg.(type) {
	case dap.RequestMessage:
		return messageTypeRequest, m.GetRequest().Command
	case dap.ResponseMessage:
		return messageTypeResponse, m.GetResponse().Command
	case dap.EventMessage:
		return messageTypeEvent, m.GetEvent().Event
	default:
		return "unknown", ""
	}
}

// EventName returns the DAP event name of an event message.
func EventName(ev dap.EventMessage) string {
	return ev.GetEvent().Event
}

// rawArguments extracts the raw "arguments" member of a request message.
func rawArguments(msg dap.RequestMessage) json.RawMessage {
	if unknown, isUnknown := msg.(*UnknownRequest); isUnknown {
		return unknown.Arguments
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	var envelope struct {
		Arguments json.RawMessage `json:"arguments"`
	}
	if err = json.Unmarshal(data, &envelope); err != nil {
		return nil
	}
	return envelope.Arguments
}

// sequenceCounter hands out protocol sequence numbers. Callers serialize access.
type sequenceCounter struct {
	last int
}

func (c *sequenceCounter) next() int {
	c.last++
	return c.last
}
