package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("no markers ${order_id}", nil)
	require.NoError(t, err)
	assert.Equal(t, "no markers ${order_id}", out)

	out, err = RenderTemplate(`Hello {{ .name | title }}, tier {{ default "basic" .tier }}`, map[string]any{"name": "ANA"})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ana, tier basic", out)

	out, err = RenderTemplate(`{{ join ", " .items }}`, map[string]any{"items": []any{"a", 1}})
	require.NoError(t, err)
	assert.Equal(t, "a, 1", out)

	out, err = RenderTemplate(`Total {{ money .total }} / {{ money .qty }}`, map[string]any{"total": 12.5, "qty": 3})
	require.NoError(t, err)
	assert.Equal(t, "Total 12.50 / 3.00", out)

	out, err = RenderTemplate(`{{ json .order }}`, map[string]any{"order": map[string]any{"id": "A-17"}})
	require.NoError(t, err)
	assert.Equal(t, `{"id":"A-17"}`, out)

	out, err = RenderTemplate(`[{{ .missing }}]`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "[<no value>]", out)

	_, err = RenderTemplate("{{ .broken", nil)
	assert.Error(t, err)
}
