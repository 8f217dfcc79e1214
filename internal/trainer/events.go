package trainer

import (
	"encoding/json"
	"strings"
)

// Event is one structured line of trainer output. Training scripts print
// these as single-line JSON objects with v set to 1; any other line is
// treated as plain text and matched against the legacy markers.
type Event struct {
	V          int      `json:"v"`
	Event      string   `json:"event"`
	Step       int      `json:"step,omitempty"`
	TotalSteps int      `json:"total_steps,omitempty"`
	Loss       *float64 `json:"loss,omitempty"`
	Epoch      *float64 `json:"epoch,omitempty"`
	Phase      string   `json:"phase,omitempty"`
	Message    string   `json:"message,omitempty"`
}

const (
	eventPhase = "phase"
	eventStep  = "step"
	eventLog   = "log"
)

// decodeEvent parses a structured output line. ok is false for non-JSON
// lines, unsupported versions and unknown event names so the caller can
// fall back to substring matching.
func decodeEvent(line string) (Event, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return Event{}, false
	}
	if ev.V != 1 {
		return Event{}, false
	}
	switch ev.Event {
	case eventPhase, eventStep, eventLog:
		return ev, true
	}
	return Event{}, false
}
