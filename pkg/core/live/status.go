package live

// Status is the externally visible connection state.
type Status int

const (
	StatusIdle Status = iota
	StatusInitializing
	StatusInitialized
	StatusConnecting
	StatusConnected
	StatusExhausted
	StatusError
)

var allStatuses = []Status{
	StatusIdle,
	StatusInitializing,
	StatusInitialized,
	StatusConnecting,
	StatusConnected,
	StatusExhausted,
	StatusError,
}

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusInitializing:
		return "INITIALIZING"
	case StatusInitialized:
		return "INITIALIZED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusExhausted:
		return "EXHAUSTED"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func statusNames() []string {
	out := make([]string, len(allStatuses))
	for i, s := range allStatuses {
		out[i] = s.String()
	}
	return out
}
