// Package sqlite provides the SQLite-backed chat repository.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/threadline/threadline/internal/chat/models"
	"github.com/threadline/threadline/internal/chat/repository"
)

const busyTimeout = 5 * time.Second

// Repository is the SQLite implementation of repository.Repository.
// Timestamps are stored as unix nanoseconds so continuation cursors keep
// full precision.
type Repository struct {
	db *sqlx.DB
}

var _ repository.Repository = (*Repository)(nil)

// New opens (and creates if needed) the database at dbPath and initializes
// the schema. The writer pool is a single connection; WAL mode keeps readers
// unblocked.
func New(dbPath string) (*Repository, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalized,
		int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &Repository{db: db}
	if err := repo.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// NewWithDB wraps an existing connection (shared ownership; Close is a no-op
// on the pool).
func NewWithDB(db *sqlx.DB) (*Repository, error) {
	repo := &Repository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func normalizePath(dbPath string) string {
	if dbPath == "" || dbPath == ":memory:" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

func ensureDir(dbPath string) error {
	if dbPath == "" || dbPath == ":memory:" {
		return nil
	}
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (r *Repository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		is_bookmarked INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		trace_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_modified_at INTEGER NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		etag TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_threads_user_recency
		ON threads(user_id, last_modified_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT NOT NULL,
		thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		last_modified_at INTEGER NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		etag TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (thread_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_thread_order
		ON messages(thread_id, created_at, id);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Close closes the writer pool.
func (r *Repository) Close() error { return r.db.Close() }

// --- retry / error mapping ---

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// withRetry runs op, retrying busy/locked errors with exponential backoff
// (200ms base, x2, 5s cap, 3 attempts). Anything else fails immediately.
func (r *Repository) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := op(); err != nil {
			if isBusy(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(3))

	if err != nil && isBusy(err) {
		return repository.Transient(err)
	}
	return err
}

// --- row mapping ---

type threadRow struct {
	ID             string `db:"id"`
	UserID         string `db:"user_id"`
	Title          string `db:"title"`
	IsBookmarked   bool   `db:"is_bookmarked"`
	Metadata       string `db:"metadata"`
	TraceID        string `db:"trace_id"`
	CreatedAt      int64  `db:"created_at"`
	LastModifiedAt int64  `db:"last_modified_at"`
	IsDeleted      bool   `db:"is_deleted"`
	ETag           string `db:"etag"`
	Version        int64  `db:"version"`
}

type messageRow struct {
	ID             string `db:"id"`
	ThreadID       string `db:"thread_id"`
	UserID         string `db:"user_id"`
	Role           string `db:"role"`
	Content        string `db:"content"`
	Metadata       string `db:"metadata"`
	CreatedAt      int64  `db:"created_at"`
	LastModifiedAt int64  `db:"last_modified_at"`
	IsDeleted      bool   `db:"is_deleted"`
	ETag           string `db:"etag"`
	Version        int64  `db:"version"`
}

func marshalMeta(meta map[string]string) string {
	if len(meta) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func unmarshalMeta(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil
	}
	return meta
}

func (row *threadRow) toModel() *models.Thread {
	return &models.Thread{
		ID:             row.ID,
		UserID:         row.UserID,
		Title:          row.Title,
		IsBookmarked:   row.IsBookmarked,
		Metadata:       unmarshalMeta(row.Metadata),
		TraceID:        row.TraceID,
		CreatedAt:      time.Unix(0, row.CreatedAt).UTC(),
		LastModifiedAt: time.Unix(0, row.LastModifiedAt).UTC(),
		IsDeleted:      row.IsDeleted,
		ETag:           row.ETag,
		Version:        row.Version,
	}
}

func (row *messageRow) toModel() *models.Message {
	return &models.Message{
		ID:             row.ID,
		ThreadID:       row.ThreadID,
		UserID:         row.UserID,
		Role:           models.Role(row.Role),
		Content:        row.Content,
		Metadata:       unmarshalMeta(row.Metadata),
		CreatedAt:      time.Unix(0, row.CreatedAt).UTC(),
		LastModifiedAt: time.Unix(0, row.LastModifiedAt).UTC(),
		IsDeleted:      row.IsDeleted,
		ETag:           row.ETag,
		Version:        row.Version,
	}
}

// touchThreadTx bumps the parent thread's recency, tag, and version. The
// MAX keeps last_modified_at strictly increasing even on coarse clocks.
func touchThreadTx(tx *sqlx.Tx, threadID string, nowNanos int64) error {
	res, err := tx.Exec(
		`UPDATE threads
		 SET last_modified_at = MAX(last_modified_at + 1, ?), etag = ?, version = version + 1
		 WHERE id = ?`,
		nowNanos, models.NewETag(), threadID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: thread %s", repository.ErrNotFound, threadID)
	}
	return nil
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// --- Threads ---

func (r *Repository) CreateThread(ctx context.Context, thread *models.Thread) (repository.SessionToken, error) {
	if thread == nil || thread.ID == "" || thread.UserID == "" {
		return "", fmt.Errorf("%w: thread requires id and user_id", repository.ErrInvalid)
	}
	now := time.Now().UTC()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.LastModifiedAt = thread.CreatedAt
	thread.ETag = models.NewETag()
	thread.Version = 1

	err := r.withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO threads (id, user_id, title, is_bookmarked, metadata, trace_id,
				created_at, last_modified_at, is_deleted, etag, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 1)`,
			thread.ID, thread.UserID, thread.Title, thread.IsBookmarked,
			marshalMeta(thread.Metadata), thread.TraceID,
			thread.CreatedAt.UnixNano(), thread.LastModifiedAt.UnixNano(), thread.ETag,
		)
		if err != nil {
			var se sqlite3.Error
			if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
				return fmt.Errorf("%w: thread %s already exists", repository.ErrConflict, thread.ID)
			}
		}
		return err
	})
	return "", err
}

func (r *Repository) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	var row threadRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM threads WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (r *Repository) getThreadTx(tx *sqlx.Tx, id string) (*threadRow, error) {
	var row threadRow
	err := tx.Get(&row, `SELECT * FROM threads WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: thread %s", repository.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func checkMatch(etag, ifMatch string, opts repository.WriteOptions) error {
	// With RetryOnConflict the row just read inside the write transaction is
	// already the refreshed state, so the single retry collapses into
	// applying the change against it.
	if opts.IfMatch != "" && opts.IfMatch != etag && !opts.RetryOnConflict {
		return fmt.Errorf("%w: expected %q", repository.ErrConflict, ifMatch)
	}
	return nil
}

func (r *Repository) UpdateThread(ctx context.Context, id string, patch repository.ThreadPatch, opts repository.WriteOptions) (*models.Thread, repository.SessionToken, error) {
	var updated *models.Thread
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		row, err := r.getThreadTx(tx, id)
		if err != nil {
			return err
		}
		if err := checkMatch(row.ETag, opts.IfMatch, opts); err != nil {
			return err
		}
		title, bookmarked, traceID, meta := row.Title, row.IsBookmarked, row.TraceID, unmarshalMeta(row.Metadata)
		if patch.Title != nil {
			title = *patch.Title
		}
		if patch.IsBookmarked != nil {
			bookmarked = *patch.IsBookmarked
		}
		if patch.TraceID != nil {
			traceID = *patch.TraceID
		}
		if patch.Metadata != nil {
			if meta == nil {
				meta = make(map[string]string, len(patch.Metadata))
			}
			for k, v := range patch.Metadata {
				meta[k] = v
			}
		}
		_, err = tx.Exec(
			`UPDATE threads SET title = ?, is_bookmarked = ?, trace_id = ?, metadata = ? WHERE id = ?`,
			title, bookmarked, traceID, marshalMeta(meta), id,
		)
		if err != nil {
			return err
		}
		if err := touchThreadTx(tx, id, time.Now().UTC().UnixNano()); err != nil {
			return err
		}
		fresh, err := r.getThreadTx(tx, id)
		if err != nil {
			return err
		}
		updated = fresh.toModel()
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return updated, "", nil
}

func (r *Repository) SoftDeleteThread(ctx context.Context, id string, opts repository.WriteOptions) (repository.SessionToken, error) {
	return "", r.setThreadDeleted(ctx, id, opts, true)
}

func (r *Repository) RestoreThread(ctx context.Context, id string, opts repository.WriteOptions) (repository.SessionToken, error) {
	return "", r.setThreadDeleted(ctx, id, opts, false)
}

func (r *Repository) setThreadDeleted(ctx context.Context, id string, opts repository.WriteOptions, deleted bool) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		row, err := r.getThreadTx(tx, id)
		if err != nil {
			return err
		}
		if err := checkMatch(row.ETag, opts.IfMatch, opts); err != nil {
			return err
		}
		if row.IsDeleted == deleted {
			return nil // idempotent
		}
		if _, err := tx.Exec(`UPDATE threads SET is_deleted = ? WHERE id = ?`, deleted, id); err != nil {
			return err
		}
		return touchThreadTx(tx, id, time.Now().UTC().UnixNano())
	})
}

func (r *Repository) HardDeleteThread(ctx context.Context, id string) error {
	return r.withRetry(ctx, func() error {
		res, err := r.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: thread %s", repository.ErrNotFound, id)
		}
		return nil
	})
}

func (r *Repository) ListThreads(ctx context.Context, userID string, opts repository.ListThreadsOptions) (*repository.ThreadPage, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id required", repository.ErrInvalid)
	}
	cur, err := repository.DecodeCursor(opts.ContinuationToken)
	if err != nil {
		return nil, err
	}
	limit := repository.ClampThreadLimit(opts.Limit)

	query := `SELECT * FROM threads WHERE user_id = ?`
	args := []any{userID}
	if !opts.IncludeDeleted {
		query += ` AND is_deleted = 0`
	}
	if cur != nil {
		query += ` AND (last_modified_at < ? OR (last_modified_at = ? AND id < ?))`
		args = append(args, cur.SortKey, cur.SortKey, cur.ID)
	}
	query += ` ORDER BY last_modified_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	var rows []threadRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	page := &repository.ThreadPage{}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
		last := rows[len(rows)-1]
		page.ContinuationToken = repository.EncodeCursor(time.Unix(0, last.LastModifiedAt), last.ID)
	}
	page.Items = make([]*models.Thread, 0, len(rows))
	for i := range rows {
		page.Items = append(page.Items, rows[i].toModel())
	}
	return page, nil
}

func (r *Repository) TouchThread(ctx context.Context, id string) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		return touchThreadTx(tx, id, time.Now().UTC().UnixNano())
	})
}

// --- Messages ---

func (r *Repository) UpsertMessage(ctx context.Context, msg *models.Message, opts repository.WriteOptions) (repository.SessionToken, error) {
	if msg == nil || msg.ID == "" || msg.ThreadID == "" {
		return "", fmt.Errorf("%w: message requires id and thread_id", repository.ErrInvalid)
	}
	if !msg.Role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", repository.ErrInvalid, msg.Role)
	}
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		thread, err := r.getThreadTx(tx, msg.ThreadID)
		if err != nil {
			return err
		}
		if msg.UserID == "" {
			msg.UserID = thread.UserID
		} else if msg.UserID != thread.UserID {
			return fmt.Errorf("%w: message user does not own thread", repository.ErrInvalid)
		}

		now := time.Now().UTC()
		var prev messageRow
		err = tx.Get(&prev, `SELECT * FROM messages WHERE thread_id = ? AND id = ?`, msg.ThreadID, msg.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if opts.IfMatch != "" {
				return fmt.Errorf("%w: message %s", repository.ErrNotFound, msg.ID)
			}
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = now
			}
			msg.LastModifiedAt = msg.CreatedAt
			msg.Version = 1
		case err != nil:
			return err
		default:
			if err := checkMatch(prev.ETag, opts.IfMatch, opts); err != nil {
				return err
			}
			msg.CreatedAt = time.Unix(0, prev.CreatedAt).UTC()
			msg.Version = prev.Version + 1
			msg.LastModifiedAt = now
			if !msg.LastModifiedAt.After(time.Unix(0, prev.LastModifiedAt)) {
				msg.LastModifiedAt = time.Unix(0, prev.LastModifiedAt+1).UTC()
			}
		}
		msg.ETag = models.NewETag()

		_, err = tx.Exec(
			`INSERT OR REPLACE INTO messages (id, thread_id, user_id, role, content, metadata,
				created_at, last_modified_at, is_deleted, etag, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ThreadID, msg.UserID, string(msg.Role), msg.Content,
			marshalMeta(msg.Metadata), msg.CreatedAt.UnixNano(), msg.LastModifiedAt.UnixNano(),
			msg.IsDeleted, msg.ETag, msg.Version,
		)
		if err != nil {
			return err
		}
		return touchThreadTx(tx, msg.ThreadID, now.UnixNano())
	})
	return "", err
}

func (r *Repository) GetMessage(ctx context.Context, threadID, id string) (*models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM messages WHERE thread_id = ? AND id = ?`, threadID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (r *Repository) ListMessages(ctx context.Context, threadID string, opts repository.ListMessagesOptions) (*repository.MessagePage, error) {
	if threadID == "" {
		return nil, fmt.Errorf("%w: thread_id required", repository.ErrInvalid)
	}
	cur, err := repository.DecodeCursor(opts.ContinuationToken)
	if err != nil {
		return nil, err
	}
	limit := repository.ClampMessageLimit(opts.Limit)

	query := `SELECT * FROM messages WHERE thread_id = ?`
	args := []any{threadID}
	if !opts.IncludeDeleted {
		query += ` AND is_deleted = 0`
	}
	if cur != nil {
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, cur.SortKey, cur.SortKey, cur.ID)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	page := &repository.MessagePage{}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
		last := rows[len(rows)-1]
		page.ContinuationToken = repository.EncodeCursor(time.Unix(0, last.CreatedAt), last.ID)
	}
	page.Items = make([]*models.Message, 0, len(rows))
	for i := range rows {
		page.Items = append(page.Items, rows[i].toModel())
	}
	return page, nil
}

func (r *Repository) UpdateMessage(ctx context.Context, threadID, id string, patch repository.MessagePatch, opts repository.WriteOptions) (*models.Message, repository.SessionToken, error) {
	var updated *models.Message
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		var row messageRow
		err := tx.Get(&row, `SELECT * FROM messages WHERE thread_id = ? AND id = ?`, threadID, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: message %s", repository.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := checkMatch(row.ETag, opts.IfMatch, opts); err != nil {
			return err
		}
		content, meta := row.Content, unmarshalMeta(row.Metadata)
		if patch.Content != nil {
			content = *patch.Content
		}
		if patch.Metadata != nil {
			if meta == nil {
				meta = make(map[string]string, len(patch.Metadata))
			}
			for k, v := range patch.Metadata {
				meta[k] = v
			}
		}
		now := time.Now().UTC().UnixNano()
		if now <= row.LastModifiedAt {
			now = row.LastModifiedAt + 1
		}
		_, err = tx.Exec(
			`UPDATE messages SET content = ?, metadata = ?, last_modified_at = ?, etag = ?, version = version + 1
			 WHERE thread_id = ? AND id = ?`,
			content, marshalMeta(meta), now, models.NewETag(), threadID, id,
		)
		if err != nil {
			return err
		}
		if err := touchThreadTx(tx, threadID, now); err != nil {
			return err
		}
		var fresh messageRow
		if err := tx.Get(&fresh, `SELECT * FROM messages WHERE thread_id = ? AND id = ?`, threadID, id); err != nil {
			return err
		}
		updated = fresh.toModel()
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return updated, "", nil
}

func (r *Repository) SoftDeleteMessage(ctx context.Context, threadID, id string, opts repository.WriteOptions) (repository.SessionToken, error) {
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		var row messageRow
		err := tx.Get(&row, `SELECT * FROM messages WHERE thread_id = ? AND id = ?`, threadID, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: message %s", repository.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := checkMatch(row.ETag, opts.IfMatch, opts); err != nil {
			return err
		}
		if row.IsDeleted {
			return nil
		}
		now := time.Now().UTC().UnixNano()
		if now <= row.LastModifiedAt {
			now = row.LastModifiedAt + 1
		}
		_, err = tx.Exec(
			`UPDATE messages SET is_deleted = 1, last_modified_at = ?, etag = ?, version = version + 1
			 WHERE thread_id = ? AND id = ?`,
			now, models.NewETag(), threadID, id,
		)
		if err != nil {
			return err
		}
		return touchThreadTx(tx, threadID, now)
	})
	return "", err
}

func (r *Repository) HardDeleteMessage(ctx context.Context, threadID, id string) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`DELETE FROM messages WHERE thread_id = ? AND id = ?`, threadID, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: message %s", repository.ErrNotFound, id)
		}
		return touchThreadTx(tx, threadID, time.Now().UTC().UnixNano())
	})
}

func (r *Repository) CountMessages(ctx context.Context, threadID string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM messages WHERE thread_id = ? AND is_deleted = 0`, threadID)
	return n, err
}

func (r *Repository) GetLastMessage(ctx context.Context, threadID string) (*models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM messages WHERE thread_id = ? AND is_deleted = 0
		 ORDER BY created_at DESC, id DESC LIMIT 1`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (r *Repository) BulkUpsertMessages(ctx context.Context, msgs []*models.Message) (repository.SessionToken, error) {
	for _, m := range msgs {
		if _, err := r.UpsertMessage(ctx, m, repository.WriteOptions{}); err != nil {
			return "", err
		}
	}
	return "", nil
}

func (r *Repository) BulkDeleteMessages(ctx context.Context, threadID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(`DELETE FROM messages WHERE thread_id = ? AND id IN (?)`, threadID, ids)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(tx.Rebind(query), args...); err != nil {
			return err
		}
		return touchThreadTx(tx, threadID, time.Now().UTC().UnixNano())
	})
}
