package core

import (
	"strings"
	"time"
)

// Objective is the declared optimization goal for an LLM call.
type Objective string

const (
	ObjectiveCost    Objective = "cost"
	ObjectiveQuality Objective = "quality"
)

// ParseObjective maps a case-insensitive name to an Objective.
func ParseObjective(s string) (Objective, bool) {
	switch o := Objective(strings.ToLower(strings.TrimSpace(s))); o {
	case ObjectiveCost, ObjectiveQuality:
		return o, true
	default:
		return "", false
	}
}

// LLMRoutingRequest carries one routed inference call. The resolved fields
// are filled in by the router for observability.
type LLMRoutingRequest struct {
	ExecutionID string        `json:"execution_id,omitempty"`
	Prompt      string        `json:"prompt"`
	Objective   Objective     `json:"objective"`
	MaxLatency  time.Duration `json:"max_latency,omitempty"`

	Model    string        `json:"model,omitempty"`
	Provider string        `json:"provider,omitempty"`
	Latency  time.Duration `json:"latency,omitempty"`
	Cost     float64       `json:"cost,omitempty"`
	Attempts []string      `json:"attempts,omitempty"`
}
