package realtime

// ConnectionState connection state of a realtime Client
type ConnectionState int32

// Connection states. A Client starts DISCONNECTED.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the lowercase name of the state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateListener callback invoked on every connection state transition
type StateListener func(state ConnectionState)

// ListenerID handle of a registered StateListener
type ListenerID uint64
