package testutil

import (
	"time"

	"github.com/hupe1980/flowmesh/core"
)

// SessionBotBuilder helps construct session bots with fluent chaining.
// Example:
//
//	sb := NewSessionBotBuilder("s1", "sales").Keywords("price").Priority(10).Build()
type SessionBotBuilder struct {
	sb core.SessionBot
}

// NewSessionBotBuilder creates an active always-triggered bot in session.
func NewSessionBotBuilder(sessionID, bot string) *SessionBotBuilder {
	return &SessionBotBuilder{sb: core.SessionBot{
		SessionID: sessionID,
		Bot:       core.Bot{Name: bot, Trigger: core.Trigger{Kind: core.TriggerAlways}, Active: true},
		Active:    true,
	}}
}

// Priority sets the session priority (chainable).
func (b *SessionBotBuilder) Priority(p int) *SessionBotBuilder { b.sb.Priority = p; return b }

// JoinedAt sets the join time (chainable).
func (b *SessionBotBuilder) JoinedAt(t time.Time) *SessionBotBuilder { b.sb.JoinedAt = t; return b }

// Keywords sets a keyword trigger (chainable).
func (b *SessionBotBuilder) Keywords(kw ...string) *SessionBotBuilder {
	b.sb.Bot.Trigger = core.Trigger{Kind: core.TriggerKeyword, Keywords: kw}
	return b
}

// Tool sets a tool trigger (chainable).
func (b *SessionBotBuilder) Tool(name string) *SessionBotBuilder {
	b.sb.Bot.Trigger = core.Trigger{Kind: core.TriggerTool, Tool: name}
	return b
}

// Schedule sets a schedule trigger (chainable).
func (b *SessionBotBuilder) Schedule(expr string) *SessionBotBuilder {
	b.sb.Bot.Trigger = core.Trigger{Kind: core.TriggerSchedule, Schedule: expr}
	return b
}

// OnEvent sets an event trigger (chainable).
func (b *SessionBotBuilder) OnEvent(name string) *SessionBotBuilder {
	b.sb.Bot.Trigger = core.Trigger{Kind: core.TriggerEvent, Event: name}
	return b
}

// Override sets a session trigger override (chainable).
func (b *SessionBotBuilder) Override(t core.Trigger) *SessionBotBuilder { b.sb.Trigger = &t; return b }

// Build returns the session bot.
func (b *SessionBotBuilder) Build() core.SessionBot { return b.sb }

// Bot returns only the bot definition, for use with Join.
func (b *SessionBotBuilder) Bot() core.Bot {
	bot := b.sb.Bot
	bot.Priority = b.sb.Priority
	return bot
}
