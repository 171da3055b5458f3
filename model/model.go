package model

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Message is one turn of a request conversation.
type Message struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// Request captures the normalized model input.
type Request struct {
	// Model selects the provider model; empty uses the provider default.
	Model        string    `json:"model,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	Messages     []Message `json:"messages"`
	MaxTokens    int64     `json:"max_tokens,omitempty"`
}

// PromptRequest builds a single-turn user request.
func PromptRequest(modelName, prompt string) Request {
	return Request{Model: modelName, Messages: []Message{{Role: "user", Text: prompt}}}
}

// TokenUsage captures token usage statistics for a completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a provider's final answer.
type Completion struct {
	Model        string     `json:"model"`
	Provider     string     `json:"provider"`
	Text         string     `json:"text"`
	FinishReason string     `json:"finish_reason"` // "stop", "length", ...
	Usage        TokenUsage `json:"usage"`
}

// Info contains metadata about a provider implementation.
type Info struct {
	Name         string `json:"name"`
	DefaultModel string `json:"default_model"`
}

// Provider is the minimal interface the LLM router drives.
type Provider interface {
	Complete(ctx context.Context, req Request) (Completion, error)

	// Info returns information about the provider implementation.
	Info() Info
}

// MockProvider is a lightweight in-memory Provider useful for tests and
// examples. Responses, failures and latency can be programmed per model.
type MockProvider struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	failures  map[string]error
	latency   map[string]time.Duration
	calls     []Request
}

// NewMockProvider constructs a MockProvider named name.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		info:      Info{Name: name, DefaultModel: name + "-default"},
		responses: make(map[string]string),
		failures:  make(map[string]error),
		latency:   make(map[string]time.Duration),
	}
}

// AddResponse registers a canned completion for a prompt.
func (m *MockProvider) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// FailModel makes every call to modelName fail with err; nil clears it.
func (m *MockProvider) FailModel(modelName string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, modelName)
		return
	}
	m.failures[modelName] = err
}

// SetLatency delays every call to modelName by d.
func (m *MockProvider) SetLatency(modelName string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency[modelName] = d
}

// Calls returns the requests received so far.
func (m *MockProvider) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// Complete implements Provider.
func (m *MockProvider) Complete(ctx context.Context, req Request) (Completion, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = m.info.DefaultModel
	}

	m.mu.Lock()
	m.calls = append(m.calls, req)
	failure := m.failures[modelName]
	delay := m.latency[modelName]
	var prompt string
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Text
	}
	text, ok := m.responses[prompt]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if failure != nil {
		return Completion{}, failure
	}
	if !ok {
		text = fmt.Sprintf("Mock response to: %s", prompt)
	}
	promptTokens := len(prompt) / 4
	completionTokens := len(text) / 4
	return Completion{
		Model:        modelName,
		Provider:     m.info.Name,
		Text:         text,
		FinishReason: "stop",
		Usage: TokenUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

// Info implements Provider.
func (m *MockProvider) Info() Info { return m.info }
