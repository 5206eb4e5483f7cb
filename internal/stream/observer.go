package stream

import "time"

// Observer receives stream notifications. Callbacks run on the goroutine
// that caused them and must not call back into the controller.
type Observer interface {
	OnTransition(from, to Status)
	OnChunk(index int, chunk string)
	OnFailure(err error)
}

// ObserverFuncs adapts optional functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Transition func(from, to Status)
	Chunk      func(index int, chunk string)
	Failure    func(err error)
}

func (o ObserverFuncs) OnTransition(from, to Status) {
	if o.Transition != nil {
		o.Transition(from, to)
	}
}

func (o ObserverFuncs) OnChunk(index int, chunk string) {
	if o.Chunk != nil {
		o.Chunk(index, chunk)
	}
}

func (o ObserverFuncs) OnFailure(err error) {
	if o.Failure != nil {
		o.Failure(err)
	}
}

// EventType classifies Events.
type EventType string

const (
	EventTransition EventType = "transition"
	EventChunk      EventType = "chunk"
	EventFailure    EventType = "failure"
)

// Event is the polled form of observer callbacks.
type Event struct {
	Type     EventType `json:"type"`
	StreamID string    `json:"stream_id"`
	From     Status    `json:"from,omitempty"`
	To       Status    `json:"to,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Index    int       `json:"index,omitempty"`
	Chunk    string    `json:"chunk,omitempty"`
	Err      error     `json:"-"`
	At       time.Time `json:"at"`
}
