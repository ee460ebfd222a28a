package anthropic

import "fmt"

// ProtocolError reports a malformed or out-of-order stream frame. Content
// assembled before the error is still returned to the caller.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Detail
}

// TransportError reports a non-success HTTP response from the API.
type TransportError struct {
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("api request failed: status %d: %s", e.StatusCode, e.Body)
}

// APIError reports an error frame delivered inside the event stream.
type APIError struct {
	Type    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api stream error (%s): %s", e.Type, e.Message)
}
