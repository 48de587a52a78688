package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/eldtechnologies/switchboard/internal/models"
)

// PebbleKeyStore keeps workspace keys in an embedded Pebble database.
//
// Layout:
//
//	k/<keyID>                 -> JSON keyRecord
//	a/<workspace>/<method>    -> active keyID
type PebbleKeyStore struct {
	db *pebble.DB
}

// OpenPebbleKeyStore opens or creates the database at dir.
func OpenPebbleKeyStore(dir string) (*PebbleKeyStore, error) {
	if dir == "" {
		return nil, errors.New("pebble: data directory is required")
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleKeyStore{db: db}, nil
}

// Close closes the database.
func (s *PebbleKeyStore) Close() error {
	return s.db.Close()
}

func keyRecordKey(keyID string) []byte { return []byte("k/" + keyID) }

func activeKey(workspaceID, method string) []byte {
	return []byte("a/" + workspaceID + "/" + method)
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleKeyStore) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// PutKey writes the record and, for an unrotated key, the active pointer.
func (s *PebbleKeyStore) PutKey(ctx context.Context, k models.EncryptionKey) error {
	defer observe("pebble", "put_key", time.Now())

	data, err := json.Marshal(toRecord(k))
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyRecordKey(k.KeyID), data, nil); err != nil {
		return err
	}
	if k.Active() {
		if err := b.Set(activeKey(k.WorkspaceID, k.Method), []byte(k.KeyID), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// GetKey retrieves a key by ID.
func (s *PebbleKeyStore) GetKey(ctx context.Context, keyID string) (*models.EncryptionKey, error) {
	defer observe("pebble", "get_key", time.Now())

	data, err := s.get(keyRecordKey(keyID))
	if err != nil || data == nil {
		return nil, err
	}
	var rec keyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	k := rec.key()
	return &k, nil
}

// ActiveKey follows the active pointer for (workspace, method).
func (s *PebbleKeyStore) ActiveKey(ctx context.Context, workspaceID, method string) (*models.EncryptionKey, error) {
	id, err := s.get(activeKey(workspaceID, method))
	if err != nil || id == nil {
		return nil, err
	}
	k, err := s.GetKey(ctx, string(id))
	if err != nil || k == nil || !k.Active() {
		return nil, err
	}
	return k, nil
}

// ListKeys scans every record whose key ID starts with "<workspace>:".
func (s *PebbleKeyStore) ListKeys(ctx context.Context, workspaceID string) ([]models.EncryptionKey, error) {
	prefix := keyRecordKey(workspaceID + ":")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var keys []models.EncryptionKey
	for ok := iter.First(); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec keyRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, err
		}
		keys = append(keys, rec.key())
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Method != keys[j].Method {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].Version < keys[j].Version
	})
	return keys, nil
}

// MarkRotated sets RotatedAt and clears the active pointer if it names keyID.
func (s *PebbleKeyStore) MarkRotated(ctx context.Context, keyID string, at time.Time) error {
	k, err := s.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if k == nil {
		return models.ErrKeyNotFound
	}
	t := at
	k.RotatedAt = &t
	data, err := json.Marshal(toRecord(*k))
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyRecordKey(keyID), data, nil); err != nil {
		return err
	}
	if cur, err := s.get(activeKey(k.WorkspaceID, k.Method)); err == nil && string(cur) == keyID {
		if err := b.Delete(activeKey(k.WorkspaceID, k.Method), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// DeleteKey removes the record and any active pointer to it.
func (s *PebbleKeyStore) DeleteKey(ctx context.Context, keyID string) error {
	k, err := s.GetKey(ctx, keyID)
	if err != nil || k == nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(keyRecordKey(keyID), nil); err != nil {
		return err
	}
	if cur, err := s.get(activeKey(k.WorkspaceID, k.Method)); err == nil && string(cur) == keyID {
		if err := b.Delete(activeKey(k.WorkspaceID, k.Method), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}
