package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Common errors.
var (
	ErrClosed      = errors.New("transport closed")
	ErrSendTimeout = errors.New("send timeout")
)

// Transport provides bidirectional JSON-RPC message passing.
type Transport interface {
	// Recv returns channel for incoming messages.
	// Channel is closed when transport shuts down.
	Recv() <-chan *InboundMessage

	// Send queues a message for delivery.
	// Returns ErrClosed if transport is closed.
	Send(msg *OutboundMessage) error

	// Run starts the transport, blocks until ctx is cancelled, the peer
	// disconnects, or Close is called.
	Run(ctx context.Context) error

	// Close initiates graceful shutdown.
	Close() error
}

// InboundMessage wraps an incoming JSON-RPC message.
type InboundMessage struct {
	// Request is set if this is a JSON-RPC request (has ID and method).
	Request *Request

	// Notification is set if this is a notification (no ID).
	Notification *Notification

	// Response is set if this answers a request we sent.
	Response *Response

	// Raw contains the original bytes.
	Raw json.RawMessage
}

// OutboundMessage wraps an outgoing JSON-RPC message.
type OutboundMessage struct {
	// Request is set when calling the peer.
	Request *Request

	// Response is set when replying to a request.
	Response *Response

	// Notification is set when sending an unsolicited notification.
	Notification *Notification
}

// ParseInbound parses raw JSON into an InboundMessage.
func ParseInbound(data []byte) (*InboundMessage, error) {
	var raw struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *Error          `json:"error"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}

	if raw.JSONRPC != Version {
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be 2.0"}
	}

	msg := &InboundMessage{Raw: data}
	hasID := len(raw.ID) > 0 && string(raw.ID) != "null"

	switch {
	case raw.Method == "" && (hasID || raw.Error != nil):
		resp := &Response{JSONRPC: raw.JSONRPC, Error: raw.Error}
		if hasID {
			if err := json.Unmarshal(raw.ID, &resp.ID); err != nil {
				return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
			}
		}
		if len(raw.Result) > 0 {
			resp.Result = raw.Result
		}
		msg.Response = resp
	case raw.Method == "":
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "missing method"}
	case hasID:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
		}
		msg.Request = &req
	default:
		msg.Notification = &Notification{
			JSONRPC: raw.JSONRPC,
			Method:  raw.Method,
		}
		if len(raw.Params) > 0 {
			msg.Notification.Params = raw.Params
		}
	}

	return msg, nil
}

// MarshalOutbound serializes an OutboundMessage to JSON.
func MarshalOutbound(msg *OutboundMessage) ([]byte, error) {
	switch {
	case msg.Response != nil:
		return json.Marshal(msg.Response)
	case msg.Notification != nil:
		return json.Marshal(msg.Notification)
	case msg.Request != nil:
		return json.Marshal(msg.Request)
	}
	return nil, errors.New("empty outbound message")
}

// Config holds common transport configuration.
type Config struct {
	// RecvBufferSize is the size of the receive channel buffer.
	// Default: 100
	RecvBufferSize int `toml:"recv_buffer" yaml:"recv_buffer"`

	// SendBufferSize is the size of the internal send buffer.
	// Default: 100
	SendBufferSize int `toml:"send_buffer" yaml:"send_buffer"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecvBufferSize: 100,
		SendBufferSize: 100,
	}
}
