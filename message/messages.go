package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Coding tags reported by the message types.
const (
	TagRequest  = "message.request"
	TagResponse = "message.response"
	TagAny      = "message"
)

// Request asks a responder to handle Data under Pattern.
type Request struct {
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewRequest marshals data into a Request for pattern.
func NewRequest(pattern string, data any) (*Request, error) {
	req := &Request{Pattern: pattern}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal request data: %w", err)
		}
		req.Data = b
	}
	return req, nil
}

func (*Request) CodingTag() string { return TagRequest }

// Response answers a Request with either Result or Error.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// NewResultResponse builds a successful response.
func NewResultResponse(result any) (*Response, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{Result: b}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(code ErrorCode, msg string, data any) *Response {
	return &Response{Error: &Error{Code: code, Message: msg, Data: data}}
}

func (*Response) CodingTag() string { return TagResponse }

// Err returns the carried application error, if any.
func (r *Response) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	return r.Error
}

// Any is either a Request or a Response.
type Any struct {
	Pattern string          `json:"pattern,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

var errAmbiguous = errors.New("message has both result and error")

// UnmarshalJSON validates that the payload is a well-formed request or
// response.
func (m *Any) UnmarshalJSON(data []byte) error {
	type raw Any
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	if r.Pattern != "" {
		if len(r.Result) > 0 || r.Error != nil {
			return fmt.Errorf("request message cannot have result or error fields")
		}
	} else {
		if len(r.Result) > 0 && r.Error != nil {
			return errAmbiguous
		}
		if len(r.Result) == 0 && r.Error == nil {
			return fmt.Errorf("response message must have either result or error field")
		}
	}
	*m = Any(r)
	return nil
}

func (*Any) CodingTag() string { return TagAny }

// IsRequest reports whether m names a pattern.
func (m *Any) IsRequest() bool { return m.Pattern != "" }

// AsRequest returns m as a Request, or nil if it is a response.
func (m *Any) AsRequest() *Request {
	if !m.IsRequest() {
		return nil
	}
	return &Request{Pattern: m.Pattern, Data: m.Data}
}

// AsResponse returns m as a Response, or nil if it is a request.
func (m *Any) AsResponse() *Response {
	if m.IsRequest() {
		return nil
	}
	return &Response{Result: m.Result, Error: m.Error}
}

// Err returns the application error carried by a response.
func (m *Any) Err() error {
	if m == nil || m.Error == nil {
		return nil
	}
	return m.Error
}
