package engine

// State 控制器状态
//
//	Idle -> Scanning -> (WatchListEmpty <-> Scanning) -> SubscribingEvents -> Running -> Stopping -> Idle
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateWatchListEmpty
	StateSubscribingEvents
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateScanning:
		return "Scanning"
	case StateWatchListEmpty:
		return "WatchListEmpty"
	case StateSubscribingEvents:
		return "SubscribingEvents"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// StateListener 状态变化回调，在控制器 goroutine 中同步调用，不应阻塞
type StateListener func(State)
