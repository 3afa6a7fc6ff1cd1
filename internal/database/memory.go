package database

import (
	"context"
	"slices"
	"sort"
	"sync"

	"chat-client/internal/models"
)

// MemoryDB keeps everything in process memory; nothing survives a restart.
type MemoryDB struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	archive  map[string]map[int64]models.Message
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		sessions: make(map[string]SessionRecord),
		archive:  make(map[string]map[int64]models.Message),
	}
}

func (db *MemoryDB) Close() error { return nil }

func (db *MemoryDB) SaveSession(_ context.Context, rec *SessionRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	stored := *rec
	stored.Roles = slices.Clone(rec.Roles)
	db.sessions[rec.Profile] = stored
	return nil
}

func (db *MemoryDB) LoadSession(_ context.Context, profile string) (*SessionRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rec, ok := db.sessions[profile]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Roles = slices.Clone(rec.Roles)
	return &rec, nil
}

func (db *MemoryDB) DeleteSession(_ context.Context, profile string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.sessions, profile)
	return nil
}

func (db *MemoryDB) ArchiveMessages(_ context.Context, owner string, msgs []models.Message) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	byID, ok := db.archive[owner]
	if !ok {
		byID = make(map[int64]models.Message)
		db.archive[owner] = byID
	}
	for _, m := range archivable(msgs) {
		m.Failed = false
		byID[m.ID] = m
	}
	return nil
}

func (db *MemoryDB) LoadArchivedConversation(_ context.Context, owner, peer string, limit int) ([]models.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []models.Message
	for _, m := range db.archive[owner] {
		if belongsTo(&m, owner, peer) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp.Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp.Time)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (db *MemoryDB) MarkArchivedDeleted(_ context.Context, owner string, id int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if m, ok := db.archive[owner][id]; ok {
		m.Deleted = true
		db.archive[owner][id] = m
	}
	return nil
}
