package llmrouter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogYAML = `
quality_floor: 0.5
models:
  - name: gpt-4o-mini
    provider: openai
    cost_per_1k: 0.15
    quality: 0.7
    latency_ms: 800
  - name: claude-sonnet
    provider: anthropic
    model: claude-3-5-sonnet-20241022
    cost_per_1k: 3
    quality: 0.9
    latency_ms: 2000
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)

	assert.InDelta(t, 0.5, c.QualityFloor, 1e-9)
	require.Len(t, c.Models, 2)
	assert.Equal(t, "gpt-4o-mini", c.Models[0].ProviderModel())
	assert.Equal(t, "claude-3-5-sonnet-20241022", c.Models[1].ProviderModel())
	assert.Equal(t, int64(2000), c.Models[1].ExpectedLatency().Milliseconds())
	assert.InDelta(t, 0.3, c.Models[1].Cost(100), 1e-9)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := map[string]string{
		"duplicate": "models:\n  - {name: a, provider: p}\n  - {name: a, provider: p}\n",
		"no name":   "models:\n  - {provider: p}\n",
		"negative":  "models:\n  - {name: a, provider: p, cost_per_1k: -1}\n",
		"syntax":    "models: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, c.Models, 2)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
