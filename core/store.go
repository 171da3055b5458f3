package core

import "context"

// ExecutionStore durably records execution state, open waits, events,
// shared memory and session bots. The scheduler commits every state
// transition through it before running the next step.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, e *Execution) error
	LoadExecution(ctx context.Context, id string) (*Execution, error)
	// ListExecutions returns executions whose status is in statuses, or all
	// executions when statuses is empty.
	ListExecutions(ctx context.Context, statuses ...Status) ([]*Execution, error)

	SaveWait(ctx context.Context, w WaitState) error
	DeleteWait(ctx context.Context, key WaitKey) error
	ListOpenWaits(ctx context.Context) ([]WaitState, error)

	SaveEvent(ctx context.Context, ev Event) error
	MarkEventProcessed(ctx context.Context, id string) error

	SaveMemoryEntry(ctx context.Context, entry SharedMemoryEntry) error
	ListMemoryEntries(ctx context.Context) ([]SharedMemoryEntry, error)
	SaveGroupMembership(ctx context.Context, m GroupMembership) error
	DeleteGroupMembership(ctx context.Context, bot, group string) error
	ListGroupMemberships(ctx context.Context) ([]GroupMembership, error)

	SaveSessionBot(ctx context.Context, sb SessionBot) error
	ListSessionBots(ctx context.Context, sessionID string) ([]SessionBot, error)

	Close() error
}
