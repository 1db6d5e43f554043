package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// ExecProtocolVersion is the only version of the executable handler protocol.
const ExecProtocolVersion = 1

// ExecRequest is written to an executable handler's stdin, once per task.
type ExecRequest struct {
	Protocol int            `json:"protocol"`
	TaskID   string         `json:"task_id"`
	Type     string         `json:"type"`
	WorkerID int            `json:"worker_id"`
	Config   map[string]any `json:"config"`
	Payload  map[string]any `json:"payload"`
}

// ExecResponse is read from an executable handler's stdout.
type ExecResponse struct {
	Status string         `json:"status"` // ok | error
	Error  string         `json:"error,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Logs   []LogEntry     `json:"logs,omitempty"`
}

// LogEntry represents a log message from an executable handler.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// EncodeExecRequest serializes an ExecRequest to JSON and writes it to w.
func EncodeExecRequest(w io.Writer, req *ExecRequest) error {
	if req.Protocol != ExecProtocolVersion {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	return nil
}

// DecodeExecResponse reads an ExecResponse from r, rejecting unknown fields.
func DecodeExecResponse(r io.Reader) (*ExecResponse, error) {
	var resp ExecResponse

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := resp.validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeExecResponseLenient is like DecodeExecResponse but tolerates unknown
// fields and returns the raw bytes so callers can report what the handler printed.
func DecodeExecResponseLenient(r io.Reader) (*ExecResponse, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	if len(data) == 0 {
		return nil, data, fmt.Errorf("handler produced no output on stdout")
	}

	var resp ExecResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("handler output is not valid JSON: %w", err)
	}
	if err := resp.validate(); err != nil {
		return nil, data, err
	}
	return &resp, data, nil
}

func (r *ExecResponse) validate() error {
	if r.Status == "" {
		return fmt.Errorf("response missing required field: status")
	}
	if r.Status != "ok" && r.Status != "error" {
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", r.Status)
	}
	if r.Status == "error" && r.Error == "" {
		return fmt.Errorf("response has status=error but no error message")
	}
	return nil
}
