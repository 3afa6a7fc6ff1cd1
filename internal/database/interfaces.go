package database

import (
	"context"
	"fmt"
	"time"

	"chat-client/internal/config"
	"chat-client/internal/models"
)

// ErrNotFound is returned when no session is stored for a profile.
var ErrNotFound = models.ErrNotFound

// SessionRecord is a persisted login. Token is sealed when a passphrase is configured.
type SessionRecord struct {
	Profile   string
	UserID    int64
	Username  string
	Token     string
	Roles     []string
	ExpiresAt time.Time
	SavedAt   time.Time
}

type SessionRepository interface {
	SaveSession(ctx context.Context, rec *SessionRecord) error
	LoadSession(ctx context.Context, profile string) (*SessionRecord, error)
	DeleteSession(ctx context.Context, profile string) error
}

// ArchiveRepository keeps confirmed messages locally, keyed by owner and server id.
type ArchiveRepository interface {
	ArchiveMessages(ctx context.Context, owner string, msgs []models.Message) error
	// LoadArchivedConversation returns up to limit of the most recent messages between owner
	// and peer, oldest first.
	LoadArchivedConversation(ctx context.Context, owner, peer string, limit int) ([]models.Message, error)
	MarkArchivedDeleted(ctx context.Context, owner string, id int64) error
}

type Database interface {
	SessionRepository
	ArchiveRepository
	Close() error
}

// Open returns the store selected by the database configuration.
func Open(cfg config.DatabaseConfig) (Database, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryDB(), nil
	case "sqlite":
		return NewSQLiteDB(cfg.URL)
	case "postgres":
		return NewPostgresDB(cfg.URL)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// archivable filters out messages the server has not assigned an id yet.
func archivable(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != 0 {
			out = append(out, m)
		}
	}
	return out
}

func belongsTo(m *models.Message, owner, peer string) bool {
	return (m.SenderUsername == owner && m.RecipientUsername == peer) ||
		(m.SenderUsername == peer && m.RecipientUsername == owner)
}
