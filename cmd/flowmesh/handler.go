package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/llmrouter"
)

// llmBotHandler answers BOT steps and routed messages by sending the task to
// the cheapest adequate model, prefixed with the bot's role.
type llmBotHandler struct {
	llm *llmrouter.Router
}

func (h *llmBotHandler) Invoke(ctx context.Context, call core.BotCall) (core.Output, error) {
	prompt := fmt.Sprintf("You are the %q bot.\n\n%s", call.Bot, call.Task)
	c, routed, err := h.llm.Route(ctx, core.LLMRoutingRequest{
		ExecutionID: call.ExecutionID,
		Prompt:      prompt,
		Objective:   core.ObjectiveCost,
	})
	if err != nil {
		return core.Output{}, err
	}
	return core.Output{
		Text: c.Text,
		Data: map[string]any{call.Bot + "_model": routed.Model},
	}, nil
}

// writerTransport prints outbound messages, one per line.
type writerTransport struct {
	mu sync.Mutex
	w  io.Writer
}

func (t *writerTransport) Send(_ context.Context, msg core.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	author := msg.Author
	if author == "" {
		author = "flowmesh"
	}
	_, err := fmt.Fprintf(t.w, "[%s] %s\n", author, msg.Text)
	return err
}
