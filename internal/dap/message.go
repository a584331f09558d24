/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	MessageTypeRequest  = "request"
	MessageTypeResponse = "response"
	MessageTypeEvent    = "event"

	CommandAttach    = "attach"
	CommandLaunch    = "launch"
	CommandVariables = "variables"
	CommandEvaluate  = "evaluate"
)

// ErrMalformedMessage is returned when a message payload cannot be decoded.
var ErrMalformedMessage = errors.New("malformed DAP message")

// Message is a single DAP protocol message: a *Request, *Response, or *Event.
type Message interface {
	// GetSeq returns the sequence number stamped by the sender.
	GetSeq() int
	// SetSeq overwrites the sequence number.
	SetSeq(seq int)
	// MessageType returns the wire value of the "type" discriminator.
	MessageType() string
}

// Request is a client- or adapter-initiated request.
type Request struct {
	Seq       int
	Command   string
	Arguments json.RawMessage

	// Attach is the decoded view of Arguments for "attach" requests, nil otherwise.
	Attach *AttachArguments

	// Extra holds top-level fields this package does not model, preserved verbatim.
	Extra map[string]json.RawMessage
}

// Response answers a request; RequestSeq correlates it with the request's Seq.
type Response struct {
	Seq        int
	RequestSeq int
	Success    bool
	Command    string
	Message    string
	Body       json.RawMessage
	Extra      map[string]json.RawMessage
}

// Event is an unsolicited notification from the debug adapter.
type Event struct {
	Seq   int
	Event string
	Body  json.RawMessage
	Extra map[string]json.RawMessage
}

func (r *Request) GetSeq() int          { return r.Seq }
func (r *Request) SetSeq(seq int)       { r.Seq = seq }
func (r *Request) MessageType() string  { return MessageTypeRequest }
func (r *Response) GetSeq() int         { return r.Seq }
func (r *Response) SetSeq(seq int)      { r.Seq = seq }
func (r *Response) MessageType() string { return MessageTypeResponse }
func (e *Event) GetSeq() int            { return e.Seq }
func (e *Event) SetSeq(seq int)         { e.Seq = seq }
func (e *Event) MessageType() string    { return MessageTypeEvent }

// AttachArguments is the extended argument shape of an "attach" request.
type AttachArguments struct {
	Request   string            `json:"request,omitempty"`
	Program   string            `json:"program,omitempty"`
	ProcessID int               `json:"-"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`

	// Extra holds the remaining argument fields (name, type, justMyCode, ...).
	Extra map[string]json.RawMessage `json:"-"`
}

func decodeAttachArguments(raw json.RawMessage) (*AttachArguments, error) {
	fields := map[string]json.RawMessage{}
	if len(raw) > 0 && !isNull(raw) {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("attach arguments: %w", err)
		}
	}

	args := &AttachArguments{}
	// A non-string value stays in Extra and is forwarded as the client sent it.
	takeAttachString(fields, "request", &args.Request)
	takeAttachString(fields, "program", &args.Program)
	takeAttachString(fields, "cwd", &args.Cwd)

	if v, found := fields["env"]; found && !isNull(v) {
		if err := json.Unmarshal(v, &args.Env); err != nil {
			return nil, fmt.Errorf("attach arguments env: %w", err)
		}
	}
	delete(fields, "env")

	if v, found := fields["processId"]; found {
		// Unresolved pickers ("${command:pickProcess}") leave the process id unknown.
		if pid, pidErr := parseFlexInt(v); pidErr == nil {
			args.ProcessID = pid
		}
	}
	delete(fields, "processId")
	if len(fields) > 0 {
		args.Extra = fields
	}
	return args, nil
}

func takeAttachString(fields map[string]json.RawMessage, name string, target *string) {
	v, found := fields[name]
	if !found {
		return
	}
	if isNull(v) {
		delete(fields, name)
		return
	}
	if err := json.Unmarshal(v, target); err == nil {
		delete(fields, name)
	}
}

// ParseMessage decodes one JSON payload into a Request, Response, or Event.
// Unrecognized top-level fields are kept in Extra.
func ParseMessage(content []byte) (Message, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(content, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	rawType, found := fields["type"]
	if !found {
		return nil, fmt.Errorf("%w: missing 'type' field", ErrMalformedMessage)
	}
	var msgType string
	if err := json.Unmarshal(rawType, &msgType); err != nil {
		return nil, fmt.Errorf("%w: invalid 'type' field: %w", ErrMalformedMessage, err)
	}
	delete(fields, "type")

	seq, seqErr := takeInt(fields, "seq")
	if seqErr != nil {
		return nil, seqErr
	}

	switch msgType {
	case MessageTypeRequest:
		req := &Request{Seq: seq}
		if err := takeString(fields, "command", &req.Command); err != nil {
			return nil, err
		}
		req.Arguments = takeRaw(fields, "arguments")
		if req.Command == CommandAttach {
			attach, attachErr := decodeAttachArguments(req.Arguments)
			if attachErr != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, attachErr)
			}
			req.Attach = attach
		}
		req.Extra = remaining(fields)
		return req, nil

	case MessageTypeResponse:
		resp := &Response{Seq: seq}
		requestSeq, requestSeqErr := takeInt(fields, "request_seq")
		if requestSeqErr != nil {
			return nil, requestSeqErr
		}
		resp.RequestSeq = requestSeq
		if v, found := fields["success"]; found {
			if err := json.Unmarshal(v, &resp.Success); err != nil {
				return nil, fmt.Errorf("%w: invalid 'success' field: %w", ErrMalformedMessage, err)
			}
			delete(fields, "success")
		}
		if err := takeString(fields, "command", &resp.Command); err != nil {
			return nil, err
		}
		if err := takeString(fields, "message", &resp.Message); err != nil {
			return nil, err
		}
		resp.Body = takeRaw(fields, "body")
		resp.Extra = remaining(fields)
		return resp, nil

	case MessageTypeEvent:
		evt := &Event{Seq: seq}
		if err := takeString(fields, "event", &evt.Event); err != nil {
			return nil, err
		}
		evt.Body = takeRaw(fields, "body")
		evt.Extra = remaining(fields)
		return evt, nil

	default:
		return nil, fmt.Errorf("%w: unknown message type '%s'", ErrMalformedMessage, msgType)
	}
}

// SerializeMessage encodes a message back to its JSON payload. Null and empty optional
// fields are omitted; Extra fields are written back unchanged.
func SerializeMessage(msg Message) ([]byte, error) {
	fields := map[string]any{}

	switch m := msg.(type) {
	case *Request:
		copyExtra(fields, m.Extra)
		fields["seq"] = m.Seq
		fields["type"] = MessageTypeRequest
		fields["command"] = m.Command
		if !isNull(m.Arguments) {
			fields["arguments"] = m.Arguments
		}
	case *Response:
		copyExtra(fields, m.Extra)
		fields["seq"] = m.Seq
		fields["type"] = MessageTypeResponse
		fields["request_seq"] = m.RequestSeq
		fields["success"] = m.Success
		fields["command"] = m.Command
		if m.Message != "" {
			fields["message"] = m.Message
		}
		if !isNull(m.Body) {
			fields["body"] = m.Body
		}
	case *Event:
		copyExtra(fields, m.Extra)
		fields["seq"] = m.Seq
		fields["type"] = MessageTypeEvent
		fields["event"] = m.Event
		if !isNull(m.Body) {
			fields["body"] = m.Body
		}
	default:
		return nil, fmt.Errorf("cannot serialize message of type %T", msg)
	}

	return json.Marshal(fields)
}

// NewRequest creates a request whose arguments are the JSON encoding of args.
func NewRequest(command string, args any) (*Request, error) {
	req := &Request{Command: command}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode '%s' arguments: %w", command, err)
		}
		req.Arguments = raw
	}
	return req, nil
}

// NewResponse creates a successful response to req carrying body (may be nil).
func NewResponse(req *Request, body any) (*Response, error) {
	resp := &Response{
		RequestSeq: req.Seq,
		Success:    true,
		Command:    req.Command,
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode '%s' response body: %w", req.Command, err)
		}
		resp.Body = raw
	}
	return resp, nil
}

// NewErrorResponse creates a failed response to req with the given message.
func NewErrorResponse(req *Request, message string) *Response {
	return &Response{
		RequestSeq: req.Seq,
		Success:    false,
		Command:    req.Command,
		Message:    message,
	}
}

// DecodeBody unmarshals a response or event body into v.
func DecodeBody(body json.RawMessage, v any) error {
	if isNull(body) {
		return fmt.Errorf("message has no body")
	}
	return json.Unmarshal(body, v)
}

func takeInt(fields map[string]json.RawMessage, name string) (int, error) {
	raw, found := fields[name]
	if !found {
		return 0, nil
	}
	delete(fields, name)
	v, err := parseFlexInt(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid '%s' field: %w", ErrMalformedMessage, name, err)
	}
	return v, nil
}

func takeString(fields map[string]json.RawMessage, name string, target *string) error {
	raw, found := fields[name]
	if !found {
		return nil
	}
	delete(fields, name)
	if isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: invalid '%s' field: %w", ErrMalformedMessage, name, err)
	}
	return nil
}

func takeRaw(fields map[string]json.RawMessage, name string) json.RawMessage {
	raw, found := fields[name]
	if !found {
		return nil
	}
	delete(fields, name)
	if isNull(raw) {
		return nil
	}
	return raw
}

func remaining(fields map[string]json.RawMessage) map[string]json.RawMessage {
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func copyExtra(fields map[string]any, extra map[string]json.RawMessage) {
	for k, v := range extra {
		fields[k] = v
	}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// parseFlexInt accepts both a JSON number and a string holding a number.
func parseFlexInt(raw json.RawMessage) (int, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return 0, err
		}
		return strconv.Atoi(strings.TrimSpace(s))
	}

	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return 0, err
	}
	if i, err := n.Int64(); err == nil {
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	return int(f), nil
}
