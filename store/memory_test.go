package store

import (
	"testing"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/store/storetest"
)

var _ core.ExecutionStore = (*Memory)(nil)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.ExecutionStore { return NewMemory() })
}
