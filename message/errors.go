package message

import "fmt"

// ErrorCode classifies an application-level error carried in a Response.
type ErrorCode int

const (
	// ErrorCodeInvalidMessage indicates the payload was not a valid message.
	ErrorCodeInvalidMessage ErrorCode = -32600
	// ErrorCodePatternNotFound indicates no handler exists for the pattern.
	ErrorCodePatternNotFound ErrorCode = -32601
	// ErrorCodeInvalidData indicates the request data was rejected.
	ErrorCodeInvalidData ErrorCode = -32602
	// ErrorCodeInternal indicates the responder failed.
	ErrorCodeInternal ErrorCode = -32603
)

// Error is an application-level error returned by a responder.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}
