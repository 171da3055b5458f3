// Package testutil contains fakes and builders used across tests: a
// recording bot handler, a recording transport, a manual clock and fluent
// builders for session bots and events. They are not intended for
// production usage.
package testutil
