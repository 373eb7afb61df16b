package session

import (
	"encoding/json"
	"time"
)

type State int

const (
	StateActive State = iota
	StatePaused
	StateClosed
)

var stateNames = map[State]string{
	StateActive: "active",
	StatePaused: "paused",
	StateClosed: "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// sessionState is the tagged union behind a Session. Each variant carries
// only the data valid in that state: a paused session always owns a timer
// and a queue, an active one only a transport.
type sessionState interface {
	state() State
}

type activeState struct {
	transport Transport
}

type pausedState struct {
	deadline time.Time
	timer    *time.Timer
	queue    [][]byte
	dropped  int
}

type closedState struct{}

func (activeState) state() State  { return StateActive }
func (*pausedState) state() State { return StatePaused }
func (closedState) state() State  { return StateClosed }

// enqueue appends msg, dropping the oldest entries beyond limit. A limit of
// zero leaves the queue unbounded.
func (p *pausedState) enqueue(msg []byte, limit int) (dropped int) {
	p.queue = append(p.queue, msg)
	if limit > 0 && len(p.queue) > limit {
		dropped = len(p.queue) - limit
		clear(p.queue[:dropped])
		p.queue = p.queue[dropped:]
		p.dropped += dropped
	}
	return dropped
}
