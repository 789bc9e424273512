package bpmlink

// StateKind is the tag of a session State.
type StateKind int

const (
	Idle StateKind = iota
	RequestingPermission
	Scanning
	Connecting
	Ready
	Paused
	Failed
)

func (k StateKind) String() string {
	switch k {
	case Idle:
		return "idle"
	case RequestingPermission:
		return "requesting permission"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Paused:
		return "paused"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is the session state. Which fields are meaningful depends on Kind:
// Target for Connecting, Ready and Paused; LastBPM for Ready and Paused (zero
// until a tempo has been set); Err for Failed.
type State struct {
	Kind    StateKind
	Target  PeripheralRef
	LastBPM int
	Err     error
}

// Connected reports whether a link is up and the characteristic resolved.
func (s State) Connected() bool {
	return s.Kind == Ready || s.Kind == Paused
}

func (s State) String() string {
	switch s.Kind {
	case Connecting, Ready, Paused:
		return s.Kind.String() + " " + s.Target.ID
	case Failed:
		if s.Err != nil {
			return "failed: " + s.Err.Error()
		}
	}
	return s.Kind.String()
}

// Snapshot is a consistent view of a session for display.
type Snapshot struct {
	State State

	// Peripherals found by the current or last scan, in discovery order.
	Peripherals []PeripheralRef

	// Notice is the error of the last command that failed without changing
	// the state, such as a rejected tempo or a dropped write.
	Notice error
}

// Err returns the failure reason while the session is Failed.
func (s Snapshot) Err() error {
	if s.State.Kind != Failed {
		return nil
	}
	return s.State.Err
}
