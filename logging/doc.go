// Package logging provides a minimal logging interface and adapters for flowmesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine, wait manager and routers use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - StructuredLogger with component/execution scoping and step, LLM and wait helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelInfo, Format: "json", Output: os.Stderr})
//	eng := engine.New(func(o *engine.Options) { o.Logger = logger.WithComponent("engine") })
package logging
