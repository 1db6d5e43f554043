package webhook

import (
	"github.com/mattjoyce/forkq/internal/queue"
)

// Enqueuer accepts webhook-triggered tasks.
type Enqueuer interface {
	Enqueue(taskType string, payload map[string]any, cb queue.ResponseFunc) (string, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Path is the URL path, e.g. "/hooks/github".
	Path string
	// Type is the task type enqueued for each verified request.
	Type   string
	Secret string
	// SignatureHeader carries the HMAC signature, e.g. "X-Hub-Signature-256".
	SignatureHeader string
	MaxBodySize     int64
}

// TriggerResponse is the JSON response for an accepted webhook.
type TriggerResponse struct {
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

const DefaultMaxBodySize = 1048576 // 1 MB
