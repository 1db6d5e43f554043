package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeExecRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *ExecRequest
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "valid request",
			req: &ExecRequest{
				Protocol: 1,
				TaskID:   "task-123",
				Type:     "resize",
				WorkerID: 2,
				Config:   map[string]any{"quality": 80},
				Payload:  map[string]any{"path": "/tmp/a.png"},
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"protocol":1`) {
					t.Error("missing protocol field")
				}
				if !strings.Contains(output, `"task_id":"task-123"`) {
					t.Error("missing task_id field")
				}
				if !strings.Contains(output, `"type":"resize"`) {
					t.Error("missing type field")
				}
				if !strings.HasSuffix(output, "\n") {
					t.Error("request should be newline terminated")
				}
			},
		},
		{
			name:    "unsupported protocol version",
			req:     &ExecRequest{Protocol: 2, TaskID: "x", Type: "resize"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeExecRequest(&buf, tt.req)

			if (err != nil) != tt.wantErr {
				t.Errorf("EncodeExecRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeExecResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, resp *ExecResponse)
	}{
		{
			name:  "valid ok response",
			input: `{"status":"ok","result":{"width":640}}`,
			checkFn: func(t *testing.T, resp *ExecResponse) {
				if resp.Status != "ok" {
					t.Errorf("want status=ok, got %s", resp.Status)
				}
				if resp.Result["width"] != float64(640) {
					t.Error("result not parsed correctly")
				}
			},
		},
		{
			name:  "valid error response",
			input: `{"status":"error","error":"something went wrong"}`,
			checkFn: func(t *testing.T, resp *ExecResponse) {
				if resp.Error != "something went wrong" {
					t.Errorf("want error message, got %s", resp.Error)
				}
			},
		},
		{
			name:  "response with logs",
			input: `{"status":"ok","logs":[{"level":"info","message":"test log"}]}`,
			checkFn: func(t *testing.T, resp *ExecResponse) {
				if len(resp.Logs) != 1 {
					t.Fatalf("want 1 log, got %d", len(resp.Logs))
				}
				if resp.Logs[0].Level != "info" {
					t.Error("log level not parsed")
				}
			},
		},
		{name: "unknown field rejected", input: `{"status":"ok","extra":1}`, wantErr: true},
		{name: "missing status field", input: `{"result":{}}`, wantErr: true},
		{name: "invalid status value", input: `{"status":"unknown"}`, wantErr: true},
		{name: "error status without message", input: `{"status":"error"}`, wantErr: true},
		{name: "invalid JSON", input: `{not json}`, wantErr: true},
		{name: "empty input", input: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeExecResponse(strings.NewReader(tt.input))

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeExecResponse() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, resp)
			}
		})
	}
}

func TestDecodeExecResponseLenient(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantErr     bool
		wantRawData bool
	}{
		{name: "valid JSON response", input: `{"status":"ok"}`, wantRawData: true},
		{name: "unknown fields tolerated", input: `{"status":"ok","debug":"x"}`, wantRawData: true},
		{name: "invalid JSON captures raw data", input: `not json at all`, wantErr: true, wantRawData: true},
		{name: "empty output", input: ``, wantErr: true, wantRawData: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, rawData, err := DecodeExecResponseLenient(strings.NewReader(tt.input))

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeExecResponseLenient() error = %v, wantErr %v", err, tt.wantErr)
			}

			if tt.wantRawData && len(rawData) == 0 && tt.input != "" {
				t.Error("expected raw data to be captured")
			}

			if !tt.wantErr && resp == nil {
				t.Error("expected response to be parsed")
			}
		})
	}
}
