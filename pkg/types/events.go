package types

import "time"

// EventKind names a sandbox notification.
type EventKind string

const (
	EventStart  EventKind = "start"
	EventUpdate EventKind = "update"
	EventError  EventKind = "error"
	EventEnd    EventKind = "end"
)

// Event is a notification emitted by a sandbox while it runs a command.
// Every run emits exactly one StartEvent and one EndEvent; in between it
// emits either UpdateEvents or a single ErrorEvent.
type Event interface {
	Kind() EventKind
	isEvent()
}

// StartEvent opens a command run.
type StartEvent struct {
	Command string    `json:"command"`
	Time    time.Time `json:"time"`
}

// UpdateEvent carries one non-empty output line.
type UpdateEvent struct {
	Line   string `json:"line"`
	Stream Stream `json:"stream"`
}

// ErrorEvent reports a failed command.
type ErrorEvent struct {
	Message string `json:"message"`
}

// EndEvent closes a command run.
type EndEvent struct {
	Command string    `json:"command"`
	Time    time.Time `json:"time"`
}

func (StartEvent) Kind() EventKind  { return EventStart }
func (UpdateEvent) Kind() EventKind { return EventUpdate }
func (ErrorEvent) Kind() EventKind  { return EventError }
func (EndEvent) Kind() EventKind    { return EventEnd }

func (StartEvent) isEvent()  {}
func (UpdateEvent) isEvent() {}
func (ErrorEvent) isEvent()  {}
func (EndEvent) isEvent()    {}

// Listener receives sandbox events. Listeners are called synchronously, in
// emission order, from the goroutine running the command.
type Listener func(sandboxID string, ev Event)
