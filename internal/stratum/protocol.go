// Package stratum implements the client side of the grin stratum protocol:
// a line-delimited JSON-RPC dialect with login/submit requests and
// server-pushed job notifications.
package stratum

import (
	"encoding/json"
	"fmt"
)

// Message represents a stratum JSON-RPC message
type Message struct {
	ID      any             `json:"id"`
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// Stratum error codes used by grin nodes
const (
	ErrorUnauthorized   = -32500
	ErrorLowDifficulty  = -32501
	ErrorInvalidShare   = -32502
	ErrorTooLate        = -32503
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorParseError     = -32700
)

// Method names
const (
	MethodLogin          = "login"
	MethodGetJobTemplate = "getjobtemplate"
	MethodJob            = "job"
	MethodSubmit         = "submit"
	MethodKeepalive      = "keepalive"
	MethodStatus         = "status"
)

// LoginParams represents login request parameters
type LoginParams struct {
	Login string `json:"login"`
	Pass  string `json:"pass"`
	Agent string `json:"agent"`
}

// JobTemplate represents a mining job pushed by the server (method "job")
// or returned from getjobtemplate.
type JobTemplate struct {
	Height     uint64 `json:"height"`
	JobID      uint64 `json:"job_id"`
	Difficulty uint64 `json:"difficulty"`
	PrePow     string `json:"pre_pow"`
}

// SubmitParams represents a share submission
type SubmitParams struct {
	Height   uint64   `json:"height"`
	JobID    uint64   `json:"job_id"`
	EdgeBits int      `json:"edge_bits"`
	Nonce    uint64   `json:"nonce"`
	Pow      []uint64 `json:"pow"`
}

// ParseMessage parses a JSON-RPC message from a wire line
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message with marshaled params.
// A nil params produces a request without a params field.
func NewRequest(id any, method string, params any) (*Message, error) {
	msg := &Message{
		ID:      id,
		JSONRPC: "2.0",
		Method:  method,
	}

	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = raw
	}

	return msg, nil
}

// IsResponse returns true if the message answers a previously sent request
func (m *Message) IsResponse() bool {
	return m.ID != nil && (m.Result != nil || m.Error != nil)
}

// IsJobNotification returns true if the message carries a pushed job.
// Grin nodes push jobs as requests with method "job"; the id is not
// meaningful and no response is expected.
func (m *Message) IsJobNotification() bool {
	return m.Method == MethodJob && m.Result == nil && m.Error == nil
}

// ParseJobTemplate parses job parameters from a push notification's params
// or a getjobtemplate response's result.
func ParseJobTemplate(raw json.RawMessage) (*JobTemplate, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty job template")
	}

	var tmpl JobTemplate
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return nil, fmt.Errorf("failed to parse job template: %w", err)
	}

	if tmpl.PrePow == "" {
		return nil, fmt.Errorf("job template missing pre_pow")
	}

	return &tmpl, nil
}

// ParseResultString parses a bare string result ("ok" responses)
func ParseResultString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty result")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("failed to parse result: %w", err)
	}
	return s, nil
}
