package models

// ConnectionState is the lifecycle state of a chat transport.
type ConnectionState int

const (
	// Disconnected: never connected, or explicitly disconnected
	Disconnected ConnectionState = iota
	// Connecting: dialing, or waiting to redial after a failure
	Connecting
	// Connected: the socket is open and frames are being read
	Connected
	// Failed: the reconnect budget ran out; Connect must be called again
	Failed
)

// ConnectionStates lists every state, for metrics labels.
var ConnectionStates = []ConnectionState{Disconnected, Connecting, Connected, Failed}

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// User is an authenticated chat participant as the dev server knows it.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}
