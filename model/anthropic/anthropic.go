// Package anthropic provides a model.Provider backed by the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/flowmesh/model"
)

// Options configures the Anthropic provider (temperature, model id,
// max tokens, API key).
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	BaseURL     string
}

// Provider wraps the Anthropic Messages API behind model.Provider.
type Provider struct {
	client *anthropic.Client
	opts   Options
}

// NewProvider creates a provider using the official client. The API key is
// read from ANTHROPIC_API_KEY unless set in Options.
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
	client := anthropic.NewClient(clientOpts...)

	return &Provider{client: &client, opts: opts}
}

// NewProviderFromClient creates a provider from an existing client.
func NewProviderFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Provider {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// Complete implements model.Provider.
func (p *Provider) Complete(ctx context.Context, req model.Request) (model.Completion, error) {
	resp, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return model.Completion{}, fmt.Errorf("anthropic api error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	finishReason := "stop"
	if resp.StopReason != "" {
		finishReason = string(resp.StopReason)
	}
	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return model.Completion{
		Model:        string(resp.Model),
		Provider:     "anthropic",
		Text:         text.String(),
		FinishReason: finishReason,
		Usage:        model.TokenUsage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

func (p *Provider) buildParams(req model.Request) anthropic.MessageNewParams {
	modelName := p.opts.Model
	if req.Model != "" {
		modelName = anthropic.Model(req.Model)
	}
	maxTokens := p.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       modelName,
		Messages:    buildMessages(req.Messages),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(p.opts.Temperature),
	}
	if system := systemBlocks(req); len(system) > 0 {
		params.System = system
	}
	return params
}

// buildMessages converts normalized messages to Anthropic message format.
// System turns are carried separately.
func buildMessages(msgs []model.Message) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Text == "" {
			continue
		}
		switch m.Role {
		case "system":
			continue
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Text)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
		}
	}
	return messages
}

func systemBlocks(req model.Request) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if req.Instructions != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: req.Instructions})
	}
	for _, m := range req.Messages {
		if m.Role == "system" && m.Text != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: m.Text})
		}
	}
	return blocks
}

// Info returns metadata describing this provider.
func (p *Provider) Info() model.Info {
	return model.Info{Name: "anthropic", DefaultModel: string(p.opts.Model)}
}
