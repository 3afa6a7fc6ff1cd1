package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"chat-client/internal/models"
	"chat-client/pkg/logger"
)

type SQLiteDB struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	profile    TEXT PRIMARY KEY,
	user_id    INTEGER NOT NULL,
	username   TEXT NOT NULL,
	token      TEXT NOT NULL,
	roles      TEXT NOT NULL DEFAULT '',
	expires_at INTEGER NOT NULL DEFAULT 0,
	saved_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS archived_messages (
	owner      TEXT NOT NULL,
	id         INTEGER NOT NULL,
	sender     TEXT NOT NULL,
	recipient  TEXT NOT NULL,
	content    TEXT NOT NULL,
	type       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT '',
	deleted    INTEGER NOT NULL DEFAULT 0,
	ephemeral  INTEGER NOT NULL DEFAULT 0,
	sent_at    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (owner, id)
);
CREATE INDEX IF NOT EXISTS idx_archived_messages_pair
	ON archived_messages (owner, sender, recipient, sent_at);
`

// NewSQLiteDB opens (or creates) the sqlite file at dsn and applies the schema.
func NewSQLiteDB(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = NORMAL;`,
		`PRAGMA busy_timeout = 5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", strings.TrimSuffix(pragma, ";"), err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	logger.Debug("Opened sqlite store at %s", dsn)
	return &SQLiteDB{db: db}, nil
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) SaveSession(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (profile, user_id, username, token, roles, expires_at, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile) DO UPDATE SET
			user_id = excluded.user_id,
			username = excluded.username,
			token = excluded.token,
			roles = excluded.roles,
			expires_at = excluded.expires_at,
			saved_at = excluded.saved_at`,
		rec.Profile, rec.UserID, rec.Username, rec.Token, strings.Join(rec.Roles, ","),
		unixOrZero(rec.ExpiresAt), unixOrZero(rec.SavedAt))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLiteDB) LoadSession(ctx context.Context, profile string) (*SessionRecord, error) {
	rec := &SessionRecord{Profile: profile}
	var roles string
	var expiresAt, savedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, token, roles, expires_at, saved_at
		FROM sessions WHERE profile = ?`, profile).
		Scan(&rec.UserID, &rec.Username, &rec.Token, &roles, &expiresAt, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	rec.Roles = splitRoles(roles)
	rec.ExpiresAt = timeOrZero(expiresAt)
	rec.SavedAt = timeOrZero(savedAt)
	return rec, nil
}

func (s *SQLiteDB) DeleteSession(ctx context.Context, profile string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE profile = ?`, profile); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLiteDB) ArchiveMessages(ctx context.Context, owner string, msgs []models.Message) error {
	msgs = archivable(msgs)
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive messages: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO archived_messages (owner, id, sender, recipient, content, type, status, deleted, ephemeral, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, id) DO UPDATE SET
			content = excluded.content,
			status = excluded.status,
			deleted = excluded.deleted`)
	if err != nil {
		return fmt.Errorf("archive messages: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, owner, m.ID, m.SenderUsername, m.RecipientUsername,
			m.Content, string(m.Type), string(m.Status), m.Deleted, m.Ephemeral,
			timestampMillis(m.Timestamp)); err != nil {
			return fmt.Errorf("archive message %d: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteDB) LoadArchivedConversation(ctx context.Context, owner, peer string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, recipient, content, type, status, deleted, ephemeral, sent_at
		FROM archived_messages
		WHERE owner = ? AND ((sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?))
		ORDER BY sent_at DESC, id DESC
		LIMIT ?`, owner, owner, peer, peer, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("load archive: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var typ, status string
		var sentAt int64
		if err := rows.Scan(&m.ID, &m.SenderUsername, &m.RecipientUsername, &m.Content,
			&typ, &status, &m.Deleted, &m.Ephemeral, &sentAt); err != nil {
			return nil, fmt.Errorf("scan archived message: %w", err)
		}
		m.Type = models.MessageType(typ)
		m.Status = models.MessageStatus(status)
		m.Timestamp = millisTimestamp(sentAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load archive: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

func (s *SQLiteDB) MarkArchivedDeleted(ctx context.Context, owner string, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE archived_messages SET deleted = 1 WHERE owner = ? AND id = ?`, owner, id)
	if err != nil {
		return fmt.Errorf("mark archived message %d deleted: %w", id, err)
	}
	return nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func timestampMillis(ts models.Timestamp) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.UnixMilli()
}

func millisTimestamp(ms int64) models.Timestamp {
	if ms == 0 {
		return models.Timestamp{}
	}
	return models.NewTimestamp(time.UnixMilli(ms).UTC())
}

func splitRoles(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
