// Package badger provides a BadgerDB-backed group state backend.
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/quietwire/groupd/internal/groupstore/physical"
	"github.com/quietwire/groupd/internal/storage"
)

const keyPrefix = "group/"

const (
	KeyPath       = "path"
	KeySyncWrites = "sync_writes"
	KeyInMemory   = "in_memory"
)

func init() {
	physical.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the BadgerDB backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:       "~/.groupd/groups",
		KeySyncWrites: "true",
		KeyInMemory:   "false",
	}
}

// NewFactory creates a new BadgerDB backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	inMemory, err := storage.GetBool(config, KeyInMemory, false)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeyInMemory, config[KeyInMemory], err.Error())
	}
	if inMemory {
		opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
		db, err := badger.Open(opts)
		if err != nil {
			return nil, storage.NewConfigErrorWithCause("badger", KeyInMemory, "failed to open in-memory database", err)
		}
		return NewWithDB(db), nil
	}

	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("badger", KeyPath, "cannot be empty")
	}
	path = storage.ExpandPath(path)

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("badger", KeyPath, "failed to create directory", err)
	}

	syncWrites, err := storage.GetBool(config, KeySyncWrites, true)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeySyncWrites, config[KeySyncWrites], err.Error())
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = syncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("badger", KeyPath, "failed to open database", err)
	}

	slog.Info("badger groupstore initialized", "path", path, "sync_writes", syncWrites)
	return NewWithDB(db), nil
}

// Backend stores group records in BadgerDB. Values carry the revision
// in a fixed prefix so it survives without the state codec.
type Backend struct {
	db *badger.DB
}

// NewWithDB creates a backend over an already-open database.
func NewWithDB(db *badger.DB) *Backend {
	return &Backend{db: db}
}

func storageKey(key []byte) []byte {
	return append([]byte(keyPrefix), key...)
}

func encodeValue(rec *physical.Record) []byte {
	buf := make([]byte, 8+len(rec.Value))
	binary.BigEndian.PutUint64(buf, rec.Revision)
	copy(buf[8:], rec.Value)
	return buf
}

func decodeValue(key, raw []byte) (*physical.Record, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("corrupt group record for key %x", key)
	}
	return &physical.Record{
		Key:      bytes.Clone(key),
		Revision: binary.BigEndian.Uint64(raw),
		Value:    bytes.Clone(raw[8:]),
	}, nil
}

func (b *Backend) Put(_ context.Context, rec *physical.Record) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storageKey(rec.Key), encodeValue(rec))
	})
}

func (b *Backend) Get(_ context.Context, key []byte) (*physical.Record, error) {
	var rec *physical.Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storageKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = decodeValue(key, val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *Backend) Delete(_ context.Context, key []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(storageKey(key))
	})
}

func (b *Backend) List(_ context.Context) ([]*physical.Record, error) {
	var out []*physical.Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := bytes.TrimPrefix(item.KeyCopy(nil), []byte(keyPrefix))
			err := item.Value(func(val []byte) error {
				rec, err := decodeValue(key, val)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}
