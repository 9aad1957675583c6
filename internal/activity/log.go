package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/forgeflow/internal/common/apperr"
	"github.com/kandev/forgeflow/internal/common/constants"
	"github.com/kandev/forgeflow/internal/common/logger"
)

// Log is the Activity Log & Event Bus component. Persistence is backed by
// *sql.DB (SQLite by default, Postgres when configured, see
// internal/common/database); broadcast fan-out is in-process, per
// workspace, with handlers invoked synchronously in append order so a
// handler's view of persisted entries always equals append order. A
// handler that panics is recovered so it cannot block or starve the other
// subscribers for that workspace.
type Log struct {
	db  *sql.DB
	log *logger.Logger

	mu   sync.RWMutex
	subs map[string]map[int]Handler // workspaceId -> id -> handler
	next int
}

// NewLog wires an activity Log over an already-migrated *sql.DB.
func NewLog(db *sql.DB, log *logger.Logger) *Log {
	return &Log{db: db, log: log, subs: make(map[string]map[int]Handler)}
}

// Migrate creates the activity table if it doesn't exist.
func (l *Log) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS activity_entries (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		task_id INTEGER,
		seq INTEGER,
		data TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "migrate activity log", err)
	}
	_, err = l.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_activity_workspace_seq ON activity_entries(workspace_id, seq)`)
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "index activity log", err)
	}
	return nil
}

// Append assigns an id + timestamp, persists before returning, and
// broadcasts {activity:entry} on success.
func (l *Log) Append(ctx context.Context, entry Entry) (*Entry, error) {
	entry.ID = uuid.New().String()
	entry.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "marshal activity entry", err)
	}

	var seq int64
	row := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), -1) + 1 FROM activity_entries WHERE workspace_id = ?`, entry.WorkspaceID)
	if err := row.Scan(&seq); err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "allocate activity sequence", err)
	}

	_, err = l.db.ExecContext(ctx, `INSERT INTO activity_entries (id, workspace_id, task_id, seq, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, entry.ID, entry.WorkspaceID, entry.TaskID, seq, string(data), entry.CreatedAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "append activity entry", err)
	}

	l.broadcast(LiveEvent{
		WorkspaceID: entry.WorkspaceID,
		TaskID:      entry.TaskID,
		Type:        "activity:entry",
		At:          entry.CreatedAt,
		Entry:       &entry,
	})

	return &entry, nil
}

// Timeline returns the newest-first bounded read for a workspace.
func (l *Log) Timeline(ctx context.Context, workspaceID string, limit int) ([]*Entry, error) {
	return l.query(ctx, `SELECT data FROM activity_entries WHERE workspace_id = ? ORDER BY seq DESC LIMIT ?`, workspaceID, clampLimit(limit))
}

// TaskTimeline returns the newest-first bounded read filtered by task id.
func (l *Log) TaskTimeline(ctx context.Context, workspaceID string, taskID int64, limit int) ([]*Entry, error) {
	return l.query(ctx, `SELECT data FROM activity_entries WHERE workspace_id = ? AND task_id = ? ORDER BY seq DESC LIMIT ?`,
		workspaceID, taskID, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > constants.MaxHistoryEvents {
		return constants.MaxHistoryEvents
	}
	return limit
}

func (l *Log) query(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "query activity log", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, apperr.Wrap(apperr.Persistence, "scan activity entry", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, apperr.Wrap(apperr.Persistence, "unmarshal activity entry", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Subscribe registers handler to receive every subsequent broadcast for
// workspaceID. The returned Unsubscribe is idempotent.
func (l *Log) Subscribe(workspaceID string, handler Handler) Unsubscribe {
	l.mu.Lock()
	id := l.next
	l.next++
	if l.subs[workspaceID] == nil {
		l.subs[workspaceID] = make(map[int]Handler)
	}
	l.subs[workspaceID][id] = handler
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs[workspaceID], id)
			l.mu.Unlock()
		})
	}
}

// Broadcast fire-and-forgets an ephemeral live event to every subscriber of
// workspaceID. Safe to call for non-persisted event kinds.
func (l *Log) Broadcast(workspaceID string, eventType string, taskID *int64, data any) {
	l.broadcast(LiveEvent{WorkspaceID: workspaceID, TaskID: taskID, Type: eventType, At: time.Now().UTC(), Data: data})
}

func (l *Log) broadcast(evt LiveEvent) {
	l.mu.RLock()
	handlers := make([]Handler, 0, len(l.subs[evt.WorkspaceID]))
	for _, h := range l.subs[evt.WorkspaceID] {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	for _, h := range handlers {
		l.safeInvoke(h, evt)
	}
}

func (l *Log) safeInvoke(h Handler, evt LiveEvent) {
	defer func() {
		if r := recover(); r != nil && l.log != nil {
			l.log.Warn("activity subscriber panicked", zap.Any("panic", r))
		}
	}()
	h(evt)
}
