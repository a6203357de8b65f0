package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ErrNotFound is returned for unknown attempt ids and unset meta keys
var ErrNotFound = errors.New("not found")

var errClosed = errors.New("storage is closed")

// BoltDB wraps the bbolt handle and owns bucket setup.
type BoltDB struct {
	db     *bbolt.DB
	path   string
	logger *zap.SugaredLogger
}

// NewBoltDB opens (or creates) the database file. A file locked by another
// process fails after a short timeout instead of blocking.
func NewBoltDB(path string, logger *zap.SugaredLogger) (*BoltDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	b := &BoltDB{db: db, path: path, logger: logger}
	if err := b.initBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *BoltDB) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{AttemptsBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(MetaBucket))
		if v := meta.Get([]byte(SchemaVersionKey)); v != nil {
			if version := btoi(v); version > CurrentSchemaVersion {
				return fmt.Errorf("database schema %d is newer than supported %d", version, CurrentSchemaVersion)
			}
			return nil
		}
		return meta.Put([]byte(SchemaVersionKey), itob(CurrentSchemaVersion))
	})
}

// SchemaVersion returns the stored schema version.
func (b *BoltDB) SchemaVersion() (uint64, error) {
	var version uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(MetaBucket)).Get([]byte(SchemaVersionKey))
		if v == nil {
			return ErrNotFound
		}
		version = btoi(v)
		return nil
	})
	return version, err
}

// Path returns the database file location.
func (b *BoltDB) Path() string { return b.path }

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}
