package engine

// State is a named step of a pipeline run.
type State int

const (
	StateStart State = iota
	StateLocalFanOut
	StateLocalFuse
	StateEscalation
	StateRemoteFanOut
	StateRemoteFuse
	StateFinalize
	StateDone
)

// String returns the state name used in logs and errors.
func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateLocalFanOut:
		return "local_fan_out"
	case StateLocalFuse:
		return "local_fuse"
	case StateEscalation:
		return "escalation"
	case StateRemoteFanOut:
		return "remote_fan_out"
	case StateRemoteFuse:
		return "remote_fuse"
	case StateFinalize:
		return "finalize"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}
