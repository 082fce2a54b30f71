package transport

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version spoken.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
// Inbound responses carry Result as json.RawMessage.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc error %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Server error codes, from the implementation-defined range.
const (
	Unavailable = -32001
	Conflict    = -32002
	Timeout     = -32003
	RateLimited = -32004
)

// Notification represents a JSON-RPC 2.0 notification (no ID).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewResult builds a successful response.
func NewResult(id interface{}, result interface{}) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds an error response.
func NewError(id interface{}, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// NewNotification builds a notification.
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// NewRequest builds a request with marshaled params.
func NewRequest(id interface{}, method string, params interface{}) (*Request, error) {
	req := &Request{JSONRPC: Version, ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// DecodeParams unmarshals raw params into v. Missing params leave v untouched.
func DecodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &Error{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}
