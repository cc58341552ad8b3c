package session

// ConnectionState is the session's position in the connect lifecycle.
type ConnectionState uint8

const (
	StateDisconnected ConnectionState = iota
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnecting
)

var stateNames = map[ConnectionState]string{
	StateDisconnected:  "disconnected",
	StateScanning:      "scanning",
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateDisconnecting: "disconnecting",
}

func (s ConnectionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}
