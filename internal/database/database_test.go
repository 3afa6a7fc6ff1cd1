package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-client/internal/config"
	"chat-client/internal/models"
)

func stores(t *testing.T) map[string]Database {
	t.Helper()
	out := map[string]Database{"memory": NewMemoryDB()}

	sqliteDB, err := NewSQLiteDB(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	out["sqlite"] = sqliteDB

	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		pg, err := NewPostgresDB(url)
		require.NoError(t, err)
		_, err = pg.pool.Exec(context.Background(), `TRUNCATE client_sessions, archived_messages`)
		require.NoError(t, err)
		out["postgres"] = pg
	}

	t.Cleanup(func() {
		for _, db := range out {
			_ = db.Close()
		}
	})
	return out
}

func msg(id int64, from, to string, at time.Time) models.Message {
	return models.Message{
		ID:                id,
		SenderUsername:    from,
		RecipientUsername: to,
		Content:           "m",
		Type:              models.MessageTypeText,
		Status:            models.StatusSent,
		Timestamp:         models.NewTimestamp(at),
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, db := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := db.LoadSession(ctx, "default")
			assert.ErrorIs(t, err, ErrNotFound)

			rec := &SessionRecord{
				Profile:   "default",
				UserID:    7,
				Username:  "alice",
				Token:     "v1:sealed",
				Roles:     []string{"ROLE_USER", models.RoleAdmin},
				ExpiresAt: expires,
				SavedAt:   time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC),
			}
			require.NoError(t, db.SaveSession(ctx, rec))

			got, err := db.LoadSession(ctx, "default")
			require.NoError(t, err)
			assert.Equal(t, int64(7), got.UserID)
			assert.Equal(t, "alice", got.Username)
			assert.Equal(t, "v1:sealed", got.Token)
			assert.Equal(t, rec.Roles, got.Roles)
			assert.True(t, expires.Equal(got.ExpiresAt))

			rec.Token = "v1:other"
			rec.Roles = nil
			require.NoError(t, db.SaveSession(ctx, rec))
			got, err = db.LoadSession(ctx, "default")
			require.NoError(t, err)
			assert.Equal(t, "v1:other", got.Token)
			assert.Empty(t, got.Roles)

			require.NoError(t, db.DeleteSession(ctx, "default"))
			_, err = db.LoadSession(ctx, "default")
			assert.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, db.DeleteSession(ctx, "default"))
		})
	}
}

func TestArchiveConversation(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for name, db := range stores(t) {
		t.Run(name, func(t *testing.T) {
			msgs := []models.Message{
				msg(1, "alice", "bob", base),
				msg(2, "bob", "alice", base.Add(time.Minute)),
				msg(3, "alice", "carol", base.Add(2*time.Minute)),
				msg(4, "alice", "bob", base.Add(3*time.Minute)),
				{TempID: "pending", SenderUsername: "alice", RecipientUsername: "bob", Content: "x"},
			}
			require.NoError(t, db.ArchiveMessages(ctx, "alice", msgs))

			got, err := db.LoadArchivedConversation(ctx, "alice", "bob", 0)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []int64{1, 2, 4}, ids(got))
			assert.True(t, base.Equal(got[0].Timestamp.Time))

			latest, err := db.LoadArchivedConversation(ctx, "alice", "bob", 2)
			require.NoError(t, err)
			assert.Equal(t, []int64{2, 4}, ids(latest))

			// another owner's archive is separate
			other, err := db.LoadArchivedConversation(ctx, "bob", "alice", 0)
			require.NoError(t, err)
			assert.Empty(t, other)

			require.NoError(t, db.MarkArchivedDeleted(ctx, "alice", 2))
			got, err = db.LoadArchivedConversation(ctx, "alice", "bob", 0)
			require.NoError(t, err)
			assert.True(t, got[1].Deleted)
			assert.False(t, got[0].Deleted)

			// upsert updates status in place
			updated := msg(4, "alice", "bob", base.Add(3*time.Minute))
			updated.Status = models.StatusRead
			require.NoError(t, db.ArchiveMessages(ctx, "alice", []models.Message{updated}))
			got, err = db.LoadArchivedConversation(ctx, "alice", "bob", 0)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, models.StatusRead, got[2].Status)
		})
	}
}

func TestOpen(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryDB{}, db)

	db, err = Open(config.DatabaseConfig{Driver: "sqlite", URL: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteDB{}, db)
	require.NoError(t, db.Close())

	_, err = Open(config.DatabaseConfig{Driver: "cassandra"})
	assert.Error(t, err)
}

func ids(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
