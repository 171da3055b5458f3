package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockProvider(t *testing.T) {
	p := NewMockProvider("mock")
	p.AddResponse("hi", "hello there")

	c, err := p.Complete(context.Background(), PromptRequest("small", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello there", c.Text)
	assert.Equal(t, "small", c.Model)
	assert.Equal(t, "mock", c.Provider)
	assert.Equal(t, c.Usage.PromptTokens+c.Usage.CompletionTokens, c.Usage.TotalTokens)

	c, err = p.Complete(context.Background(), PromptRequest("", "other"))
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: other", c.Text)
	assert.Equal(t, "mock-default", c.Model)

	p.FailModel("small", errors.New("unavailable"))
	_, err = p.Complete(context.Background(), PromptRequest("small", "hi"))
	assert.EqualError(t, err, "unavailable")
	assert.Len(t, p.Calls(), 3)
}

func TestMockProvider_LatencyHonorsContext(t *testing.T) {
	p := NewMockProvider("mock")
	p.SetLatency("slow", time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Complete(ctx, PromptRequest("slow", "hi"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
