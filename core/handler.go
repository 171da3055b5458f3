package core

import (
	"context"
	"time"
)

// BotCall is the request handed to a BotHandler.
type BotCall struct {
	ExecutionID string
	SessionID   string
	Bot         string
	Task        string
	Variables   map[string]any
}

// Output is what a bot returns. Data entries are merged into the execution
// variables; Text is stored under "<bot>_result".
type Output struct {
	Text string
	Data map[string]any
}

// BotHandler invokes named bots on behalf of the scheduler and the router.
// Implementations return a DispatchError for unknown bots.
type BotHandler interface {
	Invoke(ctx context.Context, call BotCall) (Output, error)
}

// BotHandlerFunc adapts a function to BotHandler.
type BotHandlerFunc func(ctx context.Context, call BotCall) (Output, error)

// Invoke calls f.
func (f BotHandlerFunc) Invoke(ctx context.Context, call BotCall) (Output, error) {
	return f(ctx, call)
}

// Message is one entry in a session transcript.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Transport delivers outbound messages to the session's channel.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg Message) error

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }
