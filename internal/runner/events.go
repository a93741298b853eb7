// Package runner spawns the agent CLI for a task and decodes its
// line-framed JSON event stream. The protocol is one JSON object per
// stdout line; stderr is diagnostics only and never parsed.
package runner

import (
	"encoding/json"
	"fmt"
)

type EventType string

const (
	EventProgress EventType = "progress"
	EventUsage    EventType = "usage"
	EventArtifact EventType = "artifact"
	EventError    EventType = "error"
	EventDone     EventType = "done"
)

// Error classes as emitted by the agent. They decide retry behavior:
// only transient errors earn another attempt.
const (
	ClassUser      = "user"
	ClassTransient = "transient"
	ClassPermanent = "permanent"
	ClassSystem    = "system"
)

// Event is one frame of the stream. Data stays raw until the consumer
// asks for the typed payload, so unknown event types pass through
// harmlessly.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Progress struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

type Artifact struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Path string `json:"path,omitempty"`
	Body string `json:"body,omitempty"`
}

type ErrorEvent struct {
	Class     string `json:"class"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type Done struct {
	Summary   string `json:"summary"`
	ExitState string `json:"exit_state"`
}

func (e Event) Progress() (Progress, error) {
	var p Progress
	return p, decodePayload(e, EventProgress, &p)
}

func (e Event) Usage() (Usage, error) {
	var u Usage
	return u, decodePayload(e, EventUsage, &u)
}

func (e Event) Artifact() (Artifact, error) {
	var a Artifact
	return a, decodePayload(e, EventArtifact, &a)
}

func (e Event) Failure() (ErrorEvent, error) {
	var ee ErrorEvent
	return ee, decodePayload(e, EventError, &ee)
}

func (e Event) Done() (Done, error) {
	var d Done
	return d, decodePayload(e, EventDone, &d)
}

// Terminal reports whether the event ends the run from the agent's side.
func (e Event) Terminal() bool {
	return e.Type == EventError || e.Type == EventDone
}

func decodePayload(e Event, want EventType, v any) error {
	if e.Type != want {
		return fmt.Errorf("event is %q, not %q", e.Type, want)
	}
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", want, err)
	}
	return nil
}

// protocolError builds the synthetic event injected when a stdout line
// is not valid JSON. The run continues; the worker records it.
func protocolError(message string) Event {
	data, _ := json.Marshal(ErrorEvent{Class: ClassSystem, Message: message})
	return Event{Type: EventError, Data: data}
}
