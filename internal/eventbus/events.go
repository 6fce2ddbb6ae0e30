package eventbus

import "time"

// Run lifecycle events.
const (
	RunState     = "run.state"
	RunStatus    = "run.status"
	RunProgress  = "run.progress"
	RunOutcome   = "run.outcome"
	RunNextTick  = "run.next_tick"
	RunCompleted = "run.completed"
	RunFailed    = "run.failed"
	RunStopped   = "run.stopped"
)

// Image preprocessing events.
const (
	PrepProgress  = "prep.progress"
	PrepCompleted = "prep.completed"
	PrepFailed    = "prep.failed"
)

type StateChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Status struct {
	Text string `json:"text"`
}

// Progress is always in [0,100].
type Progress struct {
	Percent int `json:"percent"`
	Done    int `json:"done"`
	Total   int `json:"total"`
}

// Outcome reports one queue index. Index is the position in the run's queue.
type Outcome struct {
	Index     int    `json:"index"`
	Title     string `json:"title"`
	OK        bool   `json:"ok"`
	Social    string `json:"social,omitempty"`
	Community string `json:"community,omitempty"`
}

type NextTick struct {
	At time.Time     `json:"at"`
	In time.Duration `json:"in"`
}

type Failure struct {
	Reason string `json:"reason"`
}

type Summary struct {
	Posted int `json:"posted"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// Publisher is a convenience wrapper that stamps every event with one run id.
type Publisher struct {
	Bus   Bus
	RunID string
}

func (p Publisher) Emit(typ string, data any) {
	if p.Bus == nil {
		return
	}
	p.Bus.Publish(Event{Type: typ, RunID: p.RunID, Data: data})
}
