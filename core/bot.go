package core

import (
	"strings"
	"time"
)

// TriggerKind names the rule that makes a bot eligible to respond.
type TriggerKind string

const (
	TriggerAlways   TriggerKind = "always"
	TriggerKeyword  TriggerKind = "keyword"
	TriggerTool     TriggerKind = "tool"
	TriggerSchedule TriggerKind = "schedule"
	TriggerEvent    TriggerKind = "event"
)

// ParseTriggerKind maps a case-insensitive name to a TriggerKind.
func ParseTriggerKind(s string) (TriggerKind, bool) {
	switch k := TriggerKind(strings.ToLower(strings.TrimSpace(s))); k {
	case TriggerAlways, TriggerKeyword, TriggerTool, TriggerSchedule, TriggerEvent:
		return k, true
	default:
		return "", false
	}
}

// Trigger is a trigger kind plus its kind-specific parameters.
type Trigger struct {
	Kind     TriggerKind `json:"kind" yaml:"kind"`
	Keywords []string    `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Tool     string      `json:"tool,omitempty" yaml:"tool,omitempty"`
	Schedule string      `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Event    string      `json:"event,omitempty" yaml:"event,omitempty"`
}

// Bot is a named task handler with a default trigger and priority.
type Bot struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger     Trigger `json:"trigger" yaml:"trigger"`
	Priority    int     `json:"priority" yaml:"priority"`
	Active      bool    `json:"active" yaml:"active"`
}

// SessionBot is a Bot made active within one conversation session.
// It is unique per (SessionID, Bot.Name) while active.
type SessionBot struct {
	SessionID string    `json:"session_id"`
	Bot       Bot       `json:"bot"`
	Trigger   *Trigger  `json:"trigger,omitempty"`
	Priority  int       `json:"priority"`
	JoinedAt  time.Time `json:"joined_at"`
	LeftAt    time.Time `json:"left_at,omitempty"`
	Active    bool      `json:"active"`
}

// Name returns the bot name.
func (sb SessionBot) Name() string { return sb.Bot.Name }

// EffectiveTrigger returns the session override when set, else the bot default.
func (sb SessionBot) EffectiveTrigger() Trigger {
	if sb.Trigger != nil {
		return *sb.Trigger
	}
	return sb.Bot.Trigger
}
