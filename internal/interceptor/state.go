package interceptor

// State 单次交换在会话中的处理阶段
type State int

const (
	StateRegistered State = iota
	StateEventReceived
	StateBodyFetched
	StateCacheChecked
	StateTransformed
	StateRewritten
	StateResumed
	StateResumedUnmodified
	StateAborted
)

var stateNames = [...]string{
	"registered",
	"event_received",
	"body_fetched",
	"cache_checked",
	"transformed",
	"rewritten",
	"resumed",
	"resumed_unmodified",
	"aborted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s >= StateResumed
}
