package queue

// State is the connection state of a Client.
//
//	Disconnected -> Connecting -> SettingUp -> Ready
//	      ^             |             |          |
//	      +-------------+-------------(drop)-----+
//	                                  |
//	                               Fatal (setup failed)
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSettingUp
	StateReady
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSettingUp:
		return "setting_up"
	case StateReady:
		return "ready"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}
