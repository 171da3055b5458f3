// Package store contains ExecutionStore implementations. The interface
// lives in core; the in-memory backend below serves tests and single
// process hosts, and store/sqlite provides a durable backend.
package store
