package reliable

// State is the lifecycle state of a Conn
type State int32

const (
	// StateConnected accepts Send
	StateConnected State = iota
	// StateDisconnecting means one side asked to close
	StateDisconnecting
	// StateDisconnected means both sides closed, or the transport failed
	StateDisconnected
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
