package worker

// State is the lifecycle state of a worker runtime.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateIdle
	StateBusy
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
