// Package storage keeps the connection history and the last selected server
// in a bbolt database.
package storage

import (
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Manager provides the history operations on top of BoltDB
type Manager struct {
	db          *BoltDB
	maxAttempts int
	mu          sync.RWMutex
	logger      *zap.SugaredLogger
}

// NewManager opens the history database at path
func NewManager(path string, logger *zap.SugaredLogger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	db, err := NewBoltDB(path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bolt database: %w", err)
	}

	return &Manager{
		db:          db,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger,
	}, nil
}

// SetMaxAttempts changes how many attempts are retained.
func (m *Manager) SetMaxAttempts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.maxAttempts = n
	}
}

// Close closes the storage manager
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		err := m.db.Close()
		m.db = nil
		return err
	}
	return nil
}

// GetDB returns the underlying BBolt database for direct access
func (m *Manager) GetDB() *bbolt.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.db != nil {
		return m.db.db
	}
	return nil
}

// Attempt operations

// RecordAttempt stores a new attempt and returns its id. The oldest
// attempts beyond the retention limit are dropped in the same transaction.
func (m *Manager) RecordAttempt(rec *AttemptRecord) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return 0, errClosed
	}

	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomeConnecting
	}

	err := m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(AttemptsBucket))

		id, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate attempt id: %w", err)
		}
		rec.ID = id

		data, err := rec.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal attempt: %w", err)
		}
		if err := bucket.Put(itob(id), data); err != nil {
			return fmt.Errorf("failed to save attempt: %w", err)
		}
		return m.pruneLocked(bucket)
	})
	if err != nil {
		return 0, err
	}

	m.logger.Debugf("Recorded attempt %d for server %s", rec.ID, rec.ServerID)
	return rec.ID, nil
}

func (m *Manager) pruneLocked(bucket *bbolt.Bucket) error {
	excess := bucket.Stats().KeyN - m.maxAttempts
	if excess <= 0 {
		return nil
	}

	// Copy keys since they are invalid after the cursor moves
	var keysToDelete [][]byte
	cursor := bucket.Cursor()
	for k, _ := cursor.First(); k != nil && len(keysToDelete) < excess; k, _ = cursor.Next() {
		keyCopy := make([]byte, len(k))
		copy(keyCopy, k)
		keysToDelete = append(keysToDelete, keyCopy)
	}
	for _, key := range keysToDelete {
		if err := bucket.Delete(key); err != nil {
			return fmt.Errorf("failed to prune attempt %d: %w", btoi(key), err)
		}
	}
	return nil
}

// MarkConnected records when the attempt reached Connected.
func (m *Manager) MarkConnected(id uint64, at time.Time) error {
	return m.updateAttempt(id, func(rec *AttemptRecord) {
		rec.Outcome = OutcomeConnected
		rec.ConnectedAt = at
	})
}

// FinishAttempt closes an attempt with its outcome. errMsg and exitCode are
// optional.
func (m *Manager) FinishAttempt(id uint64, outcome Outcome, errMsg string, exitCode *int) error {
	return m.updateAttempt(id, func(rec *AttemptRecord) {
		rec.Outcome = outcome
		rec.EndedAt = time.Now()
		rec.Error = errMsg
		rec.ExitCode = exitCode
	})
}

// SetEgressIP stores the address observed while the attempt was connected.
func (m *Manager) SetEgressIP(id uint64, ip string) error {
	return m.updateAttempt(id, func(rec *AttemptRecord) {
		rec.EgressIP = ip
	})
}

func (m *Manager) updateAttempt(id uint64, fn func(*AttemptRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return errClosed
	}

	return m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(AttemptsBucket))
		key := itob(id)
		data := bucket.Get(key)
		if data == nil {
			return fmt.Errorf("attempt %d: %w", id, ErrNotFound)
		}

		var rec AttemptRecord
		if err := rec.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal attempt %d: %w", id, err)
		}
		fn(&rec)

		updated, err := rec.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal attempt %d: %w", id, err)
		}
		return bucket.Put(key, updated)
	})
}

// GetAttempt returns a single attempt.
func (m *Manager) GetAttempt(id uint64) (*AttemptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return nil, errClosed
	}

	var rec AttemptRecord
	err := m.db.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(AttemptsBucket)).Get(itob(id))
		if data == nil {
			return fmt.Errorf("attempt %d: %w", id, ErrNotFound)
		}
		return rec.UnmarshalBinary(data)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListAttempts returns up to limit attempts, newest first. A limit <= 0
// returns all of them.
func (m *Manager) ListAttempts(limit int) ([]*AttemptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return nil, errClosed
	}

	var records []*AttemptRecord
	err := m.db.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(AttemptsBucket)).Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec AttemptRecord
			if err := rec.UnmarshalBinary(v); err != nil {
				m.logger.Warnf("Failed to unmarshal attempt %d: %v", btoi(k), err)
				continue
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Meta operations

// SetLastServer remembers the selected server id across runs.
func (m *Manager) SetLastServer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return errClosed
	}

	return m.db.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(MetaBucket))
		if id == "" {
			return meta.Delete([]byte(LastServerKey))
		}
		return meta.Put([]byte(LastServerKey), []byte(id))
	})
}

// LastServer returns the remembered server id, or ErrNotFound.
func (m *Manager) LastServer() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return "", errClosed
	}

	var id string
	err := m.db.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(MetaBucket)).Get([]byte(LastServerKey))
		if v == nil {
			return ErrNotFound
		}
		id = string(v)
		return nil
	})
	return id, err
}

// Backup writes a consistent copy of the database to destPath.
func (m *Manager) Backup(destPath string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return errClosed
	}

	return m.db.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(destPath, 0o600)
	})
}

// GetSchemaVersion returns the current schema version
func (m *Manager) GetSchemaVersion() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return 0, errClosed
	}
	return m.db.SchemaVersion()
}
