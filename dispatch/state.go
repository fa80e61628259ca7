package dispatch

// State is a step of one delivery.
//
//	Idle -> Sending -> Delivered
//	                -> Failed
//	                -> Injecting -> Retrying -> Delivered
//	                                         -> Failed
//	Idle -> Failed                              (restricted target)
type State int

const (
	Idle State = iota
	Sending
	Injecting
	Retrying
	Delivered
	Failed
)

var stateNames = [...]string{"idle", "sending", "injecting", "retrying", "delivered", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == Delivered || s == Failed }

// allowed lists the legal successors of each state.
var allowed = map[State][]State{
	Idle:      {Sending, Failed},
	Sending:   {Delivered, Injecting, Failed},
	Injecting: {Retrying, Failed},
	Retrying:  {Delivered, Failed},
}

func canTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
