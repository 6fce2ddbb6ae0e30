package engine

// State is the engine's lifecycle position.
//
//	Idle -> Initializing -> Waiting -> Armed <-> Ticking -> Draining -> Completed
//
// Failed is reachable from every state after Idle. Stopped is reached when a
// stop is requested before the queue is exhausted.
type State int

const (
	Idle State = iota
	Initializing
	Waiting
	Armed
	Ticking
	Draining
	Completed
	Failed
	Stopped
)

var stateNames = [...]string{
	Idle:         "idle",
	Initializing: "initializing",
	Waiting:      "waiting",
	Armed:        "armed",
	Ticking:      "ticking",
	Draining:     "draining",
	Completed:    "completed",
	Failed:       "failed",
	Stopped:      "stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == Completed || s == Failed || s == Stopped }

// Outcome is the per-index result of a run.
type Outcome int

const (
	Pending Outcome = iota
	Success
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "pending"
	}
}
