package database

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-client/internal/models"
	"chat-client/pkg/logger"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS client_sessions (
	profile    TEXT PRIMARY KEY,
	user_id    BIGINT NOT NULL,
	username   TEXT NOT NULL,
	token      TEXT NOT NULL,
	roles      TEXT[] NOT NULL DEFAULT '{}',
	expires_at TIMESTAMPTZ,
	saved_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS archived_messages (
	owner      TEXT NOT NULL,
	id         BIGINT NOT NULL,
	sender     TEXT NOT NULL,
	recipient  TEXT NOT NULL,
	content    TEXT NOT NULL,
	type       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT '',
	deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	ephemeral  BOOLEAN NOT NULL DEFAULT FALSE,
	sent_at    TIMESTAMPTZ,
	PRIMARY KEY (owner, id)
);
CREATE INDEX IF NOT EXISTS idx_archived_messages_pair
	ON archived_messages (owner, sender, recipient, sent_at);
`

func NewPostgresDB(databaseURL string) (*PostgresDB, error) {
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// Session Repository Implementation
func (db *PostgresDB) SaveSession(ctx context.Context, rec *SessionRecord) error {
	query := `
		INSERT INTO client_sessions (profile, user_id, username, token, roles, expires_at, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (profile) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			username = EXCLUDED.username,
			token = EXCLUDED.token,
			roles = EXCLUDED.roles,
			expires_at = EXCLUDED.expires_at,
			saved_at = EXCLUDED.saved_at`

	roles := rec.Roles
	if roles == nil {
		roles = []string{}
	}
	savedAt := rec.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	_, err := db.pool.Exec(ctx, query, rec.Profile, rec.UserID, rec.Username, rec.Token,
		roles, nullableTime(rec.ExpiresAt), savedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (db *PostgresDB) LoadSession(ctx context.Context, profile string) (*SessionRecord, error) {
	query := `
		SELECT user_id, username, token, roles, expires_at, saved_at
		FROM client_sessions WHERE profile = $1`

	rec := &SessionRecord{Profile: profile}
	var expiresAt *time.Time
	err := db.pool.QueryRow(ctx, query, profile).Scan(
		&rec.UserID, &rec.Username, &rec.Token, &rec.Roles, &expiresAt, &rec.SavedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if expiresAt != nil {
		rec.ExpiresAt = *expiresAt
	}
	if len(rec.Roles) == 0 {
		rec.Roles = nil
	}
	return rec, nil
}

func (db *PostgresDB) DeleteSession(ctx context.Context, profile string) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM client_sessions WHERE profile = $1`, profile)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Archive Repository Implementation
func (db *PostgresDB) ArchiveMessages(ctx context.Context, owner string, msgs []models.Message) error {
	msgs = archivable(msgs)
	if len(msgs) == 0 {
		return nil
	}

	query := `
		INSERT INTO archived_messages (owner, id, sender, recipient, content, type, status, deleted, ephemeral, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (owner, id) DO UPDATE SET
			content = EXCLUDED.content,
			status = EXCLUDED.status,
			deleted = EXCLUDED.deleted`

	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(query, owner, m.ID, m.SenderUsername, m.RecipientUsername, m.Content,
			string(m.Type), string(m.Status), m.Deleted, m.Ephemeral, nullableTime(m.Timestamp.Time))
	}
	if err := db.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to archive messages: %w", err)
	}
	return nil
}

func (db *PostgresDB) LoadArchivedConversation(ctx context.Context, owner, peer string, limit int) ([]models.Message, error) {
	query := `
		SELECT id, sender, recipient, content, type, status, deleted, ephemeral, sent_at
		FROM archived_messages
		WHERE owner = $1 AND ((sender = $1 AND recipient = $2) OR (sender = $2 AND recipient = $1))
		ORDER BY sent_at DESC NULLS LAST, id DESC
		LIMIT $3`

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := db.pool.Query(ctx, query, owner, peer, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var typ, status string
		var sentAt *time.Time
		if err := rows.Scan(&m.ID, &m.SenderUsername, &m.RecipientUsername, &m.Content,
			&typ, &status, &m.Deleted, &m.Ephemeral, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan archived message: %w", err)
		}
		m.Type = models.MessageType(typ)
		m.Status = models.MessageStatus(status)
		if sentAt != nil {
			m.Timestamp = models.NewTimestamp(sentAt.UTC())
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load archive: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

func (db *PostgresDB) MarkArchivedDeleted(ctx context.Context, owner string, id int64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE archived_messages SET deleted = TRUE WHERE owner = $1 AND id = $2`, owner, id)
	if err != nil {
		return fmt.Errorf("failed to mark archived message %d deleted: %w", id, err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
