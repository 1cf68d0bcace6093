// Package store persists captured mail records in an embedded bbolt database.
//
// bbolt transactions give atomic single-key writes and snapshot-consistent
// cursors, so no additional process-level locking is layered on top: a List
// call sees one consistent view of the keyspace for the whole iteration, and
// concurrent Put/Delete calls serialize through the engine's write transaction.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mailsink/mailsink/internal/mail"
)

// ErrNotFound is returned when no record exists for the requested id.
var ErrNotFound = errors.New("mail not found")

// bucketMails is the single bucket holding all mail records, keyed by id.
var bucketMails = []byte("mails")

// openTimeout bounds how long Open waits for the database file lock.
const openTimeout = 5 * time.Second

// Store is a durable, key-ordered mail store. Keys are ULIDs, so ascending
// iteration returns records in receipt order.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMails)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create mail bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes a record under its id, overwriting any existing record.
func (s *Store) Put(m *mail.Mail) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMails).Put([]byte(m.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store mail %s: %w", m.ID, err)
	}
	return nil
}

// PutRaw writes already-encoded record bytes under id, bypassing the codec.
// Records that do not decode surface as errors (or skips) from Get and List.
func (s *Store) PutRaw(id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMails).Put([]byte(id), data)
	})
}

// Get returns the record for id, or ErrNotFound.
func (s *Store) Get(id string) (*mail.Mail, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMails).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		// Copy: bbolt values are only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mail.Decode(data)
}

// Delete removes the record for id. Deleting an id with no record returns
// ErrNotFound; existence is checked inside the same write transaction.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMails)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

// List returns up to limit records in ascending key order, skipping the first
// offset records. When skipCorrupt is false a record that fails to decode
// aborts the listing with an error; when true it is skipped with a warning.
// The whole iteration runs in one read transaction, so the result is a
// consistent snapshot even under concurrent writes.
func (s *Store) List(limit, offset int, skipCorrupt bool) ([]*mail.Mail, error) {
	mails := make([]*mail.Mail, 0, limit)

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMails).Cursor()

		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if len(mails) >= limit {
				break
			}

			m, err := mail.Decode(v)
			if err != nil {
				if skipCorrupt {
					slog.Warn("skipping undecodable mail record",
						"id", string(k),
						"error", err,
					)
					continue
				}
				return fmt.Errorf("record %s: %w", k, err)
			}
			mails = append(mails, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mails, nil
}

// Purge removes every record and returns how many were removed.
func (s *Store) Purge() (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		removed = tx.Bucket(bucketMails).Stats().KeyN
		if err := tx.DeleteBucket(bucketMails); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketMails)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge store: %w", err)
	}
	return removed, nil
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketMails).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
