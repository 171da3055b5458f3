package anthropic

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/flowmesh/model"
)

func TestBuildParams(t *testing.T) {
	p := NewProvider(func(o *Options) { o.APIKey = "test" })

	params := p.buildParams(model.Request{
		Model:        "claude-3-5-haiku-latest",
		Instructions: "be brief",
		Messages: []model.Message{
			{Role: "system", Text: "no jokes"},
			{Role: "user", Text: "hi"},
			{Role: "assistant", Text: "hello"},
			{Role: "user", Text: ""},
		},
	})
	assert.Equal(t, anthropic.Model("claude-3-5-haiku-latest"), params.Model)
	assert.Len(t, params.System, 2)
	assert.Len(t, params.Messages, 2)
	assert.Equal(t, anthropic.MessageParamRoleUser, params.Messages[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, params.Messages[1].Role)
	assert.Equal(t, int64(4096), params.MaxTokens)
}

func TestInfo(t *testing.T) {
	p := NewProvider(func(o *Options) { o.APIKey = "test" })
	assert.Equal(t, "anthropic", p.Info().Name)
	assert.Equal(t, string(anthropic.ModelClaude3_5Sonnet20241022), p.Info().DefaultModel)
}
