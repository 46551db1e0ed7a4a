package events

import "encoding/json"

// Event name constants
const (
	ShowerPhase    = "shower.phase"
	ShowerProgress = "shower.progress"
	ShowerAction   = "shower.action"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// ShowerPhaseEvent is the typed payload for shower.phase.
type ShowerPhaseEvent struct {
	RunID   string `json:"runId"`
	From    string `json:"from"`
	To      string `json:"to"`
	Step    string `json:"step,omitempty"`
	Label   string `json:"label,omitempty"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// ShowerProgressEvent is the typed payload for shower.progress, sent on
// every countdown tick.
type ShowerProgressEvent struct {
	RunID            string `json:"runId"`
	Percent          int    `json:"percent"`
	RemainingMinutes int    `json:"remainingMinutes"`
	RemainingSeconds int    `json:"remainingSeconds"`
	Text             string `json:"text"`
	Ts               int64  `json:"ts"`
}

// ShowerActionEvent is the typed payload for shower.action.
type ShowerActionEvent struct {
	RunID   string `json:"runId,omitempty"`
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.ShowerPhaseEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.From, payload.To)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
