package types

// EventKind identifies what happened to an attached application.
type EventKind uint32

// Event kind constants
const (
	EventAttach EventKind = 1 // Probe attached
	EventDetach EventKind = 2 // Probe detached or process exited
	EventFrame  EventKind = 3 // Frame submitted
	EventJank   EventKind = 4 // Jank rule matched
)

func (k EventKind) String() string {
	switch k {
	case EventAttach:
		return "attach"
	case EventDetach:
		return "detach"
	case EventFrame:
		return "frame"
	case EventJank:
		return "jank"
	default:
		return "unknown"
	}
}
