// Package sqlite provides a durable core.ExecutionStore backed by a SQLite
// database through the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/flowmesh/core"
)

// Store persists executions, waits, events, shared memory and session bots.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path, applies production
// defaults (WAL journal, 5s busy timeout) and the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema on %s: %w", path, err)
	}
	// Column additions fail once applied; errors are ignored.
	_, _ = db.ExecContext(ctx, MigrateExecutionReason)
	_, _ = db.ExecContext(ctx, MigrateWaitApprover)
	_, _ = db.ExecContext(ctx, MigrateWaitEvent)

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveExecution upserts an execution row.
func (s *Store) SaveExecution(ctx context.Context, e *core.Execution) error {
	vars, err := json.Marshal(e.Variables)
	if err != nil {
		return fmt.Errorf("encode variables of %s: %w", e.ID, err)
	}
	cursors, err := json.Marshal(e.Cursors)
	if err != nil {
		return fmt.Errorf("encode cursors of %s: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO executions (id, script_name, script_source, session_id, status, reason, variables, cursors, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    status = excluded.status,
    reason = excluded.reason,
    variables = excluded.variables,
    cursors = excluded.cursors,
    updated_at = excluded.updated_at`,
		e.ID, e.ScriptName, e.ScriptSource, e.SessionID, string(e.Status), e.Reason,
		string(vars), string(cursors), formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save execution %s: %w", e.ID, err)
	}
	return nil
}

const executionColumns = `id, script_name, script_source, session_id, status, reason, variables, cursors, created_at, updated_at`

// LoadExecution returns the execution with the given id.
func (s *Store) LoadExecution(ctx context.Context, id string) (*core.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load execution %s: %w", id, core.ErrExecutionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	return e, nil
}

// ListExecutions returns executions filtered by status, oldest first.
func (s *Store) ListExecutions(ctx context.Context, statuses ...core.Status) ([]*core.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*core.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(sc scanner) (*core.Execution, error) {
	var (
		e                     core.Execution
		status, vars, cursors string
		created, updated      string
	)
	if err := sc.Scan(&e.ID, &e.ScriptName, &e.ScriptSource, &e.SessionID, &status, &e.Reason, &vars, &cursors, &created, &updated); err != nil {
		return nil, err
	}
	e.Status = core.Status(status)
	if err := json.Unmarshal([]byte(vars), &e.Variables); err != nil {
		return nil, fmt.Errorf("decode variables of %s: %w", e.ID, err)
	}
	if e.Variables == nil {
		e.Variables = map[string]any{}
	}
	if err := json.Unmarshal([]byte(cursors), &e.Cursors); err != nil {
		return nil, fmt.Errorf("decode cursors of %s: %w", e.ID, err)
	}
	e.CreatedAt = parseTime(created)
	e.UpdatedAt = parseTime(updated)
	return &e, nil
}

// SaveWait upserts an open wait; a completed wait is deleted instead.
func (s *Store) SaveWait(ctx context.Context, w core.WaitState) error {
	if w.Completed {
		return s.DeleteWait(ctx, w.Key())
	}
	opts, err := json.Marshal(w.Options)
	if err != nil {
		return fmt.Errorf("encode wait options %s: %w", w.Key(), err)
	}
	payload, err := json.Marshal(w.Payload)
	if err != nil {
		return fmt.Errorf("encode wait payload %s: %w", w.Key(), err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO waits (execution_id, name, event, cursor_id, kind, deadline, retry_count, max_retries, input_type, options, approver, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(execution_id, name) DO UPDATE SET
    event = excluded.event,
    cursor_id = excluded.cursor_id,
    kind = excluded.kind,
    deadline = excluded.deadline,
    retry_count = excluded.retry_count,
    max_retries = excluded.max_retries,
    input_type = excluded.input_type,
    options = excluded.options,
    approver = excluded.approver,
    payload = excluded.payload`,
		w.ExecutionID, w.Name, w.Event, w.CursorID, string(w.Kind), formatTime(w.Deadline), w.RetryCount, w.MaxRetries,
		w.InputType, string(opts), w.Approver, string(payload), formatTime(w.CreatedAt))
	if err != nil {
		return fmt.Errorf("save wait %s: %w", w.Key(), err)
	}
	return nil
}

// DeleteWait removes a wait by key.
func (s *Store) DeleteWait(ctx context.Context, key core.WaitKey) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM waits WHERE execution_id = ? AND name = ?`, key.ExecutionID, key.Name); err != nil {
		return fmt.Errorf("delete wait %s: %w", key, err)
	}
	return nil
}

// ListOpenWaits returns all open waits ordered by deadline.
func (s *Store) ListOpenWaits(ctx context.Context) ([]core.WaitState, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT execution_id, name, event, cursor_id, kind, deadline, retry_count, max_retries, input_type, options, approver, payload, created_at
FROM waits ORDER BY deadline ASC, execution_id ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list waits: %w", err)
	}
	defer rows.Close()

	var out []core.WaitState
	for rows.Next() {
		var (
			w                                    core.WaitState
			kind, deadline, opts, payload, creat string
		)
		if err := rows.Scan(&w.ExecutionID, &w.Name, &w.Event, &w.CursorID, &kind, &deadline, &w.RetryCount, &w.MaxRetries,
			&w.InputType, &opts, &w.Approver, &payload, &creat); err != nil {
			return nil, fmt.Errorf("scan wait: %w", err)
		}
		w.Kind = core.WaitKind(kind)
		w.Deadline = parseTime(deadline)
		w.CreatedAt = parseTime(creat)
		if err := json.Unmarshal([]byte(opts), &w.Options); err != nil {
			return nil, fmt.Errorf("decode wait options %s: %w", w.Key(), err)
		}
		if err := json.Unmarshal([]byte(payload), &w.Payload); err != nil {
			return nil, fmt.Errorf("decode wait payload %s: %w", w.Key(), err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SaveEvent records an event.
func (s *Store) SaveEvent(ctx context.Context, ev core.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO events (id, name, payload, processed, created_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET processed = excluded.processed`,
		ev.ID, ev.Name, string(payload), boolInt(ev.Processed), formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("save event %s: %w", ev.ID, err)
	}
	return nil
}

// MarkEventProcessed flags an event as processed.
func (s *Store) MarkEventProcessed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark event %s processed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark event %s processed: not found", id)
	}
	return nil
}

// SaveMemoryEntry upserts a shared memory entry.
func (s *Store) SaveMemoryEntry(ctx context.Context, entry core.SharedMemoryEntry) error {
	value, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("encode memory %s/%s: %w", entry.Owner, entry.Key, err)
	}
	with, err := json.Marshal(entry.SharedWith)
	if err != nil {
		return fmt.Errorf("encode memory targets %s/%s: %w", entry.Owner, entry.Key, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO memory_entries (owner, key, shared_from, value, shared_with, updated_at) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(owner, key, shared_from) DO UPDATE SET
    value = excluded.value,
    shared_with = excluded.shared_with,
    updated_at = excluded.updated_at`,
		entry.Owner, entry.Key, entry.SharedFrom, string(value), string(with), formatTime(entry.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save memory %s/%s: %w", entry.Owner, entry.Key, err)
	}
	return nil
}

// ListMemoryEntries returns all entries ordered by owner, key, source.
func (s *Store) ListMemoryEntries(ctx context.Context) ([]core.SharedMemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT owner, key, shared_from, value, shared_with, updated_at
FROM memory_entries ORDER BY owner ASC, key ASC, shared_from ASC`)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()

	var out []core.SharedMemoryEntry
	for rows.Next() {
		var (
			e                    core.SharedMemoryEntry
			value, with, updated string
		)
		if err := rows.Scan(&e.Owner, &e.Key, &e.SharedFrom, &value, &with, &updated); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if err := json.Unmarshal([]byte(value), &e.Value); err != nil {
			return nil, fmt.Errorf("decode memory %s/%s: %w", e.Owner, e.Key, err)
		}
		if err := json.Unmarshal([]byte(with), &e.SharedWith); err != nil {
			return nil, fmt.Errorf("decode memory targets %s/%s: %w", e.Owner, e.Key, err)
		}
		e.UpdatedAt = parseTime(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveGroupMembership records that a bot belongs to a group.
func (s *Store) SaveGroupMembership(ctx context.Context, gm core.GroupMembership) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_groups (bot, group_name, joined_at) VALUES (?, ?, ?)
ON CONFLICT(bot, group_name) DO UPDATE SET joined_at = excluded.joined_at`,
		gm.Bot, gm.Group, formatTime(gm.JoinedAt))
	if err != nil {
		return fmt.Errorf("save group membership %s/%s: %w", gm.Bot, gm.Group, err)
	}
	return nil
}

// DeleteGroupMembership removes a bot from a group.
func (s *Store) DeleteGroupMembership(ctx context.Context, bot, group string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_groups WHERE bot = ? AND group_name = ?`, bot, group); err != nil {
		return fmt.Errorf("delete group membership %s/%s: %w", bot, group, err)
	}
	return nil
}

// ListGroupMemberships returns all memberships ordered by bot, group.
func (s *Store) ListGroupMemberships(ctx context.Context) ([]core.GroupMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT bot, group_name, joined_at FROM memory_groups ORDER BY bot ASC, group_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list group memberships: %w", err)
	}
	defer rows.Close()

	var out []core.GroupMembership
	for rows.Next() {
		var (
			gm     core.GroupMembership
			joined string
		)
		if err := rows.Scan(&gm.Bot, &gm.Group, &joined); err != nil {
			return nil, fmt.Errorf("scan group membership: %w", err)
		}
		gm.JoinedAt = parseTime(joined)
		out = append(out, gm)
	}
	return out, rows.Err()
}

// SaveSessionBot upserts a session bot keyed by (session, bot name).
func (s *Store) SaveSessionBot(ctx context.Context, sb core.SessionBot) error {
	bot, err := json.Marshal(sb.Bot)
	if err != nil {
		return fmt.Errorf("encode bot %s: %w", sb.Bot.Name, err)
	}
	override, err := json.Marshal(sb.Trigger)
	if err != nil {
		return fmt.Errorf("encode trigger %s: %w", sb.Bot.Name, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO session_bots (session_id, bot_name, bot, trigger_override, priority, joined_at, left_at, active)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, bot_name) DO UPDATE SET
    bot = excluded.bot,
    trigger_override = excluded.trigger_override,
    priority = excluded.priority,
    joined_at = excluded.joined_at,
    left_at = excluded.left_at,
    active = excluded.active`,
		sb.SessionID, sb.Bot.Name, string(bot), string(override), sb.Priority,
		formatTime(sb.JoinedAt), formatTime(sb.LeftAt), boolInt(sb.Active))
	if err != nil {
		return fmt.Errorf("save session bot %s/%s: %w", sb.SessionID, sb.Bot.Name, err)
	}
	return nil
}

// ListSessionBots returns a session's bots ordered by join time.
func (s *Store) ListSessionBots(ctx context.Context, sessionID string) ([]core.SessionBot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, bot, trigger_override, priority, joined_at, left_at, active
FROM session_bots WHERE session_id = ? ORDER BY joined_at ASC, bot_name ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session bots %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []core.SessionBot
	for rows.Next() {
		var (
			sb                            core.SessionBot
			bot, override, joined, leftAt string
			active                        int
		)
		if err := rows.Scan(&sb.SessionID, &bot, &override, &sb.Priority, &joined, &leftAt, &active); err != nil {
			return nil, fmt.Errorf("scan session bot: %w", err)
		}
		if err := json.Unmarshal([]byte(bot), &sb.Bot); err != nil {
			return nil, fmt.Errorf("decode bot: %w", err)
		}
		if err := json.Unmarshal([]byte(override), &sb.Trigger); err != nil {
			return nil, fmt.Errorf("decode trigger override: %w", err)
		}
		sb.JoinedAt = parseTime(joined)
		sb.LeftAt = parseTime(leftAt)
		sb.Active = active == 1
		out = append(out, sb)
	}
	return out, rows.Err()
}

// timeLayout is fixed width so text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
