package stream

// State is the lifecycle stage of a device pipeline.
//
//	∅ → Starting → Active → Draining → Stopped → ∅
//
// Starting covers transcoder launch. A pipeline is Active while it has an
// inbound connection or at least one viewer, Draining while it is torn
// down, and Stopped once every resource is released.
type State int32

const (
	StateStarting State = iota
	StateActive
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
