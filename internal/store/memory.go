package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eldtechnologies/switchboard/internal/models"
)

// MemoryStore is an in-process DataStore for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]byte // message id -> JSON
	byWS     map[string]int64
	audits   map[string][]models.AuditEntry
	keys     map[string]keyRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]byte),
		byWS:     make(map[string]int64),
		audits:   make(map[string][]models.AuditEntry),
		keys:     make(map[string]keyRecord),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// PersistMessage stores the JSON form, which never includes plaintext.
func (s *MemoryStore) PersistMessage(ctx context.Context, msg *models.Message) error {
	data, err := msg.MarshalJSON()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; !ok {
		s.byWS[msg.WorkspaceID()]++
	}
	s.messages[msg.ID] = data
	return nil
}

// MessageJSON returns the stored form of id.
func (s *MemoryStore) MessageJSON(id string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.messages[id]
	return data, ok
}

func (s *MemoryStore) CountMessages(ctx context.Context, workspaceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byWS[workspaceID], nil
}

func (s *MemoryStore) AppendAuditEntry(ctx context.Context, entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits[entry.WorkspaceID] = append(s.audits[entry.WorkspaceID], entry)
	return nil
}

// ListAuditEntries returns the newest entries first.
func (s *MemoryStore) ListAuditEntries(ctx context.Context, workspaceID string, limit int) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.audits[workspaceID]
	out := make([]models.AuditEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) PutKey(ctx context.Context, key models.EncryptionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := toRecord(key)
	rec.Material = append([]byte(nil), key.Material...)
	s.keys[key.KeyID] = rec
	return nil
}

func (s *MemoryStore) GetKey(ctx context.Context, keyID string) (*models.EncryptionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[keyID]
	if !ok {
		return nil, nil
	}
	k := rec.key()
	return &k, nil
}

func (s *MemoryStore) ActiveKey(ctx context.Context, workspaceID, method string) (*models.EncryptionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *keyRecord
	for _, rec := range s.keys {
		if rec.WorkspaceID != workspaceID || rec.Method != method || rec.RotatedAt != nil {
			continue
		}
		if best == nil || rec.Version > best.Version {
			r := rec
			best = &r
		}
	}
	if best == nil {
		return nil, nil
	}
	k := best.key()
	return &k, nil
}

func (s *MemoryStore) ListKeys(ctx context.Context, workspaceID string) ([]models.EncryptionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.EncryptionKey
	for _, rec := range s.keys {
		if rec.WorkspaceID == workspaceID {
			out = append(out, rec.key())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Method != out[j].Method {
			return out[i].Method < out[j].Method
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (s *MemoryStore) MarkRotated(ctx context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[keyID]
	if !ok {
		return models.ErrKeyNotFound
	}
	t := at
	rec.RotatedAt = &t
	s.keys[keyID] = rec
	return nil
}

func (s *MemoryStore) DeleteKey(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}
