package router

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hupe1980/flowmesh/core"
)

// Inbound is one routing request.
type Inbound struct {
	SessionID string
	Author    string
	Text      string
	// Tool names a tool the message asks to invoke.
	Tool string
	// Event is the name of a published event being routed.
	Event string
	// At is the time schedule triggers are evaluated against.
	At time.Time
}

// scheduleCache parses cron expressions once.
type scheduleCache struct {
	mu     sync.RWMutex
	parser cron.Parser
	byExpr map[string]cron.Schedule
}

func newScheduleCache() *scheduleCache {
	return &scheduleCache{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		byExpr: make(map[string]cron.Schedule),
	}
}

func (c *scheduleCache) get(expr string) (cron.Schedule, error) {
	c.mu.RLock()
	s, ok := c.byExpr[expr]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}
	s, err := c.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	c.mu.Lock()
	c.byExpr[expr] = s
	c.mu.Unlock()
	return s, nil
}

// ValidateSchedule reports whether expr is a valid five-field cron
// expression or descriptor such as "@hourly".
func ValidateSchedule(expr string) error {
	_, err := newScheduleCache().get(expr)
	return err
}

// matches reports whether the schedule fires at the minute containing at.
func (c *scheduleCache) matches(expr string, at time.Time) (bool, error) {
	s, err := c.get(expr)
	if err != nil {
		return false, err
	}
	minute := at.Truncate(time.Minute)
	return s.Next(minute.Add(-time.Second)).Equal(minute), nil
}

func (r *Router) match(t core.Trigger, in Inbound) bool {
	switch t.Kind {
	case core.TriggerAlways:
		return true
	case core.TriggerKeyword:
		if in.Text == "" {
			return false
		}
		text := strings.ToLower(in.Text)
		for _, kw := range t.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(text, kw) {
				return true
			}
		}
		return false
	case core.TriggerTool:
		return in.Tool != "" && strings.EqualFold(t.Tool, in.Tool)
	case core.TriggerSchedule:
		if t.Schedule == "" {
			return false
		}
		at := in.At
		if at.IsZero() {
			at = r.now()
		}
		ok, err := r.schedules.matches(t.Schedule, at)
		if err != nil {
			r.logger.Warn("Invalid schedule trigger", "schedule", t.Schedule, "error", err)
			return false
		}
		return ok
	case core.TriggerEvent:
		return in.Event != "" && strings.EqualFold(t.Event, in.Event)
	default:
		return false
	}
}
