// Package openai provides a model.Provider backed by the OpenAI Chat
// Completions API.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/flowmesh/model"
)

// Options configure the OpenAI provider.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
	BaseURL             string
}

// Provider wraps the OpenAI Chat Completions API behind model.Provider.
type Provider struct {
	client *openai.Client
	opts   Options
}

// NewProvider creates a provider using the official client. The API key is
// read from OPENAI_API_KEY unless set in Options.
func NewProvider(optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)
	return &Provider{client: &client, opts: opts}
}

// NewProviderFromClient creates a provider from an existing client.
func NewProviderFromClient(client *openai.Client, optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
}

// Complete implements model.Provider.
func (p *Provider) Complete(ctx context.Context, req model.Request) (model.Completion, error) {
	params := p.buildParams(req)
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Completion{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return model.Completion{}, fmt.Errorf("openai: no choices returned")
	}
	ch0 := resp.Choices[0]
	return model.Completion{
		Model:        resp.Model,
		Provider:     "openai",
		Text:         ch0.Message.Content,
		FinishReason: ch0.FinishReason,
		Usage: model.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// buildParams assembles the request parameters.
func (p *Provider) buildParams(req model.Request) openai.ChatCompletionNewParams {
	modelName := req.Model
	if modelName == "" {
		modelName = p.opts.Model
	}
	maxTokens := p.opts.MaxCompletionTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	return openai.ChatCompletionNewParams{
		Messages:            buildMessages(req),
		Model:               modelName,
		Temperature:         openai.Float(p.opts.Temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
}

// buildMessages converts normalized messages into OpenAI chat messages.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Text))
		case "system":
			messages = append(messages, openai.SystemMessage(m.Text))
		default:
			messages = append(messages, openai.UserMessage(m.Text))
		}
	}
	return messages
}

// Info returns metadata describing this provider.
func (p *Provider) Info() model.Info {
	return model.Info{Name: "openai", DefaultModel: p.opts.Model}
}
