package domain

// MonitorState is the single authoritative operational state of the
// monitoring session. It is mutated only by the monitor's state machine.
type MonitorState string

const (
	StateStopped  MonitorState = "stopped"
	StateStarting MonitorState = "starting"
	StateRunning  MonitorState = "running"
	StateStopping MonitorState = "stopping"
	StateError    MonitorState = "error"
)

// Valid reports whether s is one of the five defined states.
func (s MonitorState) Valid() bool {
	switch s {
	case StateStopped, StateStarting, StateRunning, StateStopping, StateError:
		return true
	}
	return false
}
