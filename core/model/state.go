package model

// ConnectionState is the lifecycle of the live dispatch channel.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

// String returns a human-readable representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Availability is the worker's willingness to receive offers.
type Availability int

const (
	Offline Availability = iota
	Online
)

func (a Availability) String() string {
	if a == Online {
		return "online"
	}
	return "offline"
}

// MarshalText implements encoding.TextMarshaler.
func (a Availability) MarshalText() ([]byte, error) { return []byte(a.String()), nil }
