package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownDriver = errors.New("unknown_gateway_driver")
	ErrUnsupported   = errors.New("gateway_feature_unsupported")
)

// HTTPError is a provider response with a non-success status. Body keeps the
// provider's structured error payload.
type HTTPError struct {
	StatusCode int
	Body       json.RawMessage
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gateway http %d: %s", e.StatusCode, e.Message())
}

// Message extracts a human readable message from Body, trying the common
// provider shapes before falling back to the raw body.
func (e *HTTPError) Message() string {
	var shaped struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(e.Body, &shaped); err == nil {
		if shaped.Error.Message != "" {
			return shaped.Error.Message
		}
		if shaped.Message != "" {
			return shaped.Message
		}
	}
	return string(e.Body)
}

// DeclineError is a charge the provider refused.
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("declined (%s): %s", e.Code, e.Message)
}
