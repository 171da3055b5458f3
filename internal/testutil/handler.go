package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/flowmesh/core"
)

// RecordingHandler is a core.BotHandler that records every call and answers
// with programmed responses. Bots without a programmed response reply
// "<bot> done", or fail with a DispatchError when Strict is set.
type RecordingHandler struct {
	Strict bool
	// Delay is applied to every call; it honors context cancellation.
	Delay time.Duration

	mu        sync.Mutex
	calls     []core.BotCall
	responses map[string]func(core.BotCall) (core.Output, error)
}

// NewRecordingHandler creates an empty recording handler.
func NewRecordingHandler() *RecordingHandler {
	return &RecordingHandler{responses: make(map[string]func(core.BotCall) (core.Output, error))}
}

// On programs the response for bot.
func (h *RecordingHandler) On(bot string, fn func(call core.BotCall) (core.Output, error)) *RecordingHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses[bot] = fn
	return h
}

// Reply makes bot answer with text and data.
func (h *RecordingHandler) Reply(bot, text string, data map[string]any) *RecordingHandler {
	return h.On(bot, func(core.BotCall) (core.Output, error) {
		return core.Output{Text: text, Data: data}, nil
	})
}

// Fail makes bot return err.
func (h *RecordingHandler) Fail(bot string, err error) *RecordingHandler {
	return h.On(bot, func(core.BotCall) (core.Output, error) { return core.Output{}, err })
}

// Invoke implements core.BotHandler.
func (h *RecordingHandler) Invoke(ctx context.Context, call core.BotCall) (core.Output, error) {
	h.mu.Lock()
	h.calls = append(h.calls, call)
	fn, ok := h.responses[call.Bot]
	strict := h.Strict
	h.mu.Unlock()

	if h.Delay > 0 {
		select {
		case <-ctx.Done():
			return core.Output{}, ctx.Err()
		case <-time.After(h.Delay):
		}
	}
	if ok {
		return fn(call)
	}
	if strict {
		return core.Output{}, &core.DispatchError{Kind: "bot", Name: call.Bot}
	}
	return core.Output{Text: fmt.Sprintf("%s done", call.Bot)}, nil
}

// Calls returns a copy of every recorded call.
func (h *RecordingHandler) Calls() []core.BotCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]core.BotCall(nil), h.calls...)
}

// CallsFor returns the recorded calls addressed to bot.
func (h *RecordingHandler) CallsFor(bot string) []core.BotCall {
	var out []core.BotCall
	for _, c := range h.Calls() {
		if c.Bot == bot {
			out = append(out, c)
		}
	}
	return out
}

// Bots returns the bot names in call order.
func (h *RecordingHandler) Bots() []string {
	calls := h.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Bot
	}
	return out
}

// RecordingTransport is a core.Transport that keeps every sent message.
type RecordingTransport struct {
	mu   sync.Mutex
	msgs []core.Message
}

// Send implements core.Transport.
func (t *RecordingTransport) Send(_ context.Context, msg core.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, msg)
	return nil
}

// Messages returns a copy of the sent messages.
func (t *RecordingTransport) Messages() []core.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]core.Message(nil), t.msgs...)
}

// Texts returns the text of every sent message.
func (t *RecordingTransport) Texts() []string {
	msgs := t.Messages()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}
