// Package sqlite implements store.Store on SQLite with embedded migrations.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"threadlane/pkg/bus"
	"threadlane/pkg/store"
)

const (
	defaultPageSize = 20
	// Fixed-width so lexical order in SQL matches chronological order.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

type connKey struct{}

// Store is a store.Store backed by a single SQLite file.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies migrations.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &Store{
		db:  db,
		log: log.With("component", "store.sqlite", "path", path),
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return err
	}

	// m.Close would close db as well; only the source needs releasing.
	defer source.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRequest pins a connection for the duration of the request. Step operations called with
// the returned context run on that connection.
func (s *Store) BeginRequest(ctx context.Context, conversationID string) (context.Context, func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return ctx, func() {}, fmt.Errorf("acquire connection: %w", err)
	}

	scoped := context.WithValue(store.WithRequest(ctx, conversationID), connKey{}, conn)
	release := func() {
		if err := conn.Close(); err != nil {
			s.log.Warn("release request connection", "conversation_id", conversationID, "error", err)
		}
	}
	return scoped, release, nil
}

func (s *Store) q(ctx context.Context) querier {
	if conn, ok := ctx.Value(connKey{}).(*sql.Conn); ok {
		return conn
	}
	return s.db
}

func (s *Store) CreateStep(ctx context.Context, step store.Step) error {
	if step.ID == "" || step.ConversationID == "" {
		return errors.New("step id and conversation id are required")
	}
	now := s.now()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	step.UpdatedAt = now

	metadata, attachments, err := encodeStepPayload(step)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations(id, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at=excluded.updated_at;
		`, step.ConversationID, formatTime(now), formatTime(now)); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
		INSERT INTO steps(id, conversation_id, name, type, output, metadata, attachments, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 name=excluded.name,
		 type=excluded.type,
		 output=excluded.output,
		 metadata=excluded.metadata,
		 attachments=excluded.attachments,
		 updated_at=excluded.updated_at;
		`, step.ID, step.ConversationID, step.Name, step.Type, step.Output, metadata, attachments,
			formatTime(step.CreatedAt), formatTime(step.UpdatedAt)); err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
		return nil
	})
}

// UpdateStep rewrites an existing step, creating it when it was never persisted.
func (s *Store) UpdateStep(ctx context.Context, step store.Step) error {
	metadata, attachments, err := encodeStepPayload(step)
	if err != nil {
		return err
	}

	res, err := s.q(ctx).ExecContext(ctx, `
	UPDATE steps SET name=?, type=?, output=?, metadata=?, attachments=?, updated_at=?
	WHERE id=?;
	`, step.Name, step.Type, step.Output, metadata, attachments, formatTime(s.now()), step.ID)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return s.CreateStep(ctx, step)
	}
	return nil
}

func (s *Store) DeleteStep(ctx context.Context, stepID string) error {
	if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM steps WHERE id=?`, stepID); err != nil {
		return fmt.Errorf("delete step: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (store.Conversation, error) {
	q := s.q(ctx)

	var (
		c                    store.Conversation
		metadata, tags       string
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `
	SELECT id, name, user_id, metadata, tags, created_at, updated_at FROM conversations WHERE id=?
	`, id).Scan(&c.ID, &c.Name, &c.UserID, &metadata, &tags, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Conversation{}, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if err := decodeConversation(&c, metadata, tags, createdAt, updatedAt); err != nil {
		return store.Conversation{}, err
	}

	rows, err := q.QueryContext(ctx, `
	SELECT id, conversation_id, name, type, output, metadata, attachments, created_at, updated_at
	FROM steps WHERE conversation_id=? ORDER BY rowid
	`, id)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step                      store.Step
			stepMeta, stepAttachments string
			stepCreated, stepUpdated  string
		)
		if err := rows.Scan(&step.ID, &step.ConversationID, &step.Name, &step.Type, &step.Output,
			&stepMeta, &stepAttachments, &stepCreated, &stepUpdated); err != nil {
			return store.Conversation{}, err
		}
		if err := decodeStep(&step, stepMeta, stepAttachments, stepCreated, stepUpdated); err != nil {
			return store.Conversation{}, err
		}
		c.Steps = append(c.Steps, step)
	}
	return c, rows.Err()
}

// ListConversations pages by recency. The cursor is an opaque offset.
func (s *Store) ListConversations(ctx context.Context, opts store.ListOptions) (store.Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	offset := 0
	if opts.Cursor != "" {
		parsed, err := strconv.Atoi(opts.Cursor)
		if err != nil || parsed < 0 {
			return store.Page{}, fmt.Errorf("%w %q", store.ErrInvalidCursor, opts.Cursor)
		}
		offset = parsed
	}

	rows, err := s.q(ctx).QueryContext(ctx, `
	SELECT id, name, user_id, metadata, tags, created_at, updated_at FROM conversations
	WHERE (? = '' OR name LIKE '%' || ? || '%')
	ORDER BY updated_at DESC, id
	LIMIT ? OFFSET ?
	`, opts.Search, opts.Search, limit+1, offset)
	if err != nil {
		return store.Page{}, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var page store.Page
	for rows.Next() {
		var (
			c                    store.Conversation
			metadata, tags       string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.UserID, &metadata, &tags, &createdAt, &updatedAt); err != nil {
			return store.Page{}, err
		}
		if err := decodeConversation(&c, metadata, tags, createdAt, updatedAt); err != nil {
			return store.Page{}, err
		}
		page.Conversations = append(page.Conversations, c)
	}
	if err := rows.Err(); err != nil {
		return store.Page{}, err
	}

	if len(page.Conversations) > limit {
		page.Conversations = page.Conversations[:limit]
		page.NextCursor = strconv.Itoa(offset + limit)
	}
	return page, nil
}

func (s *Store) UpsertConversation(ctx context.Context, c store.Conversation) error {
	if c.ID == "" {
		return errors.New("conversation id is required")
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}

	metadata, err := json.Marshal(nonNilMap(c.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	tags, err := json.Marshal(nonNilSlice(c.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	_, err = s.q(ctx).ExecContext(ctx, `
	INSERT INTO conversations(id, name, user_id, metadata, tags, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
	 name=excluded.name,
	 user_id=excluded.user_id,
	 metadata=excluded.metadata,
	 tags=excluded.tags,
	 updated_at=excluded.updated_at;
	`, c.ID, c.Name, c.UserID, string(metadata), string(tags), formatTime(c.CreatedAt), formatTime(now))
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM conversations WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.q(ctx).BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func encodeStepPayload(step store.Step) (string, string, error) {
	metadata, err := json.Marshal(nonNilMap(step.Metadata))
	if err != nil {
		return "", "", fmt.Errorf("encode step metadata: %w", err)
	}
	attachments, err := json.Marshal(nonNilSlice(step.Attachments))
	if err != nil {
		return "", "", fmt.Errorf("encode step attachments: %w", err)
	}
	return string(metadata), string(attachments), nil
}

func decodeConversation(c *store.Conversation, metadata, tags, createdAt, updatedAt string) error {
	if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
		return fmt.Errorf("decode conversation metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return fmt.Errorf("decode conversation tags: %w", err)
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	c.UpdatedAt, err = parseTime(updatedAt)
	return err
}

func decodeStep(step *store.Step, metadata, attachments, createdAt, updatedAt string) error {
	if err := json.Unmarshal([]byte(metadata), &step.Metadata); err != nil {
		return fmt.Errorf("decode step metadata: %w", err)
	}
	var decoded []bus.Attachment
	if err := json.Unmarshal([]byte(attachments), &decoded); err != nil {
		return fmt.Errorf("decode step attachments: %w", err)
	}
	if len(decoded) > 0 {
		step.Attachments = decoded
	}
	var err error
	if step.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	step.UpdatedAt, err = parseTime(updatedAt)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
