package protocol

import "time"

// Reserved message types handled by the worker runtime itself.
const (
	TypeTerminate = "terminate"
	TypeGetStats  = "get-stats"
)

// IsReserved reports whether t is a control type rather than a handler type.
func IsReserved(t string) bool {
	return t == TypeTerminate || t == TypeGetStats
}

// ErrorKind classifies failures reported by a worker.
type ErrorKind string

const (
	KindProtocol          ErrorKind = "protocol"           // malformed message, bad token, unknown type
	KindStartup           ErrorKind = "startup"            // startup module could not load or run
	KindHandlerResolution ErrorKind = "handler_resolution" // handler could not be loaded
	KindHandlerExecution  ErrorKind = "handler_execution"  // handler faulted; worker retires
	KindHandler           ErrorKind = "handler"            // handler returned an error
)

// Message is a frame sent from the coordinator to a worker over its stdin.
// Exactly one of Init or Type is set.
type Message struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type,omitempty"`
	Token   string         `json:"token,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Init    *Init          `json:"init,omitempty"`
}

// Init is the handshake payload. It is accepted once per worker process.
type Init struct {
	WorkerID                int                   `json:"id"`
	Token                   string                `json:"token"`
	Handlers                map[string]HandlerRef `json:"handlers"`
	Fingerprint             string                `json:"fingerprint,omitempty"`
	InactivityCheckInterval time.Duration         `json:"inactivity_check_interval,omitempty"`
	InactivityLimit         time.Duration         `json:"inactivity_limit,omitempty"`
	Logging                 bool                  `json:"logging,omitempty"`
	Startup                 *Startup              `json:"startup,omitempty"`
}

// HandlerRef tells a worker how to obtain the handler for one message type.
// Text is an inline template; Module names a registered factory or an
// executable resolved against Path.
type HandlerRef struct {
	Module string         `json:"module,omitempty" yaml:"module"`
	Path   string         `json:"path,omitempty" yaml:"path"`
	Text   string         `json:"text,omitempty" yaml:"text"`
	Config map[string]any `json:"config,omitempty" yaml:"config"`
}

// Startup names a module run once per worker before it reports ready.
type Startup struct {
	Module string         `json:"module" yaml:"module"`
	Args   map[string]any `json:"args,omitempty" yaml:"args"`
}

// Reply is a frame sent from a worker to the coordinator over its stdout.
type Reply struct {
	ID              string         `json:"id,omitempty"`
	WorkerID        int            `json:"worker_id"`
	PID             int            `json:"pid,omitempty"`
	Fingerprint     string         `json:"fingerprint,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Stats           *Stats         `json:"stats,omitempty"`
	Error           *ErrorDetail   `json:"error,omitempty"`
	Shutdown        bool           `json:"shutdown,omitempty"` // worker exits after this reply
	Received        int64          `json:"received,omitempty"` // task frames read, set on shutdown notices
	Control         Control        `json:"control"`
	OriginalMessage *Message       `json:"original_message,omitempty"`
}

// Control carries the lifecycle markers of a reply.
type Control struct {
	Init     bool `json:"init,omitempty"`
	Finished bool `json:"finished,omitempty"`
	Shutdown bool `json:"shutdown,omitempty"`
}

// ErrorDetail describes a failure. Caught holds the underlying cause text.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Caught  string    `json:"caught,omitempty"`
}

// Stats is a worker's self-reported snapshot.
type Stats struct {
	PID           int     `json:"pid"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	NoOfMessages  int64   `json:"no_of_messages"`
	Memory        Memory  `json:"memory"`
}

// Memory values are MiB rendered with two decimals.
type Memory struct {
	RSS       string `json:"rss"`
	HeapTotal string `json:"heap_total"`
	HeapUsed  string `json:"heap_used"`
}

// IsInitAck reports whether r acknowledges a handshake.
func (r *Reply) IsInitAck() bool {
	return r.Control.Init && r.Error == nil
}

// IsShutdownNotice reports whether r is the terminal notice a worker sends before exiting.
func (r *Reply) IsShutdownNotice() bool {
	return r.Control.Shutdown && r.ID == "" && r.Error == nil
}
