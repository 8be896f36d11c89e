// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// incrementRetries bounds optimistic-transaction retries when two
// requests bump the same counter concurrently.
const incrementRetries = 5

// Store exposes the atomic operations the orchestration core needs
// from the shared expiring key-value store:
//
//   - Get / Set with TTL (retrieval cache)
//   - Increment with window expiry, Expire (rate-limit counters)
//   - Ping (gateway health checks)
//
// All methods are single round trips against the embedded database;
// no in-process locking is required by callers.
//
// # Thread Safety
//
// Store is safe for concurrent use. Increment runs inside Badger's
// serializable transactions and retries on write conflicts.
type Store struct {
	db *badger.DB
}

// NewStore wraps an open BadgerDB in a Store.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Get returns the value for key. The second return is false when the
// key is absent or its TTL has expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key with a bounded lifetime. A ttl of zero
// stores the value without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Increment atomically increments the counter stored at key and
// returns the new count.
//
// The ttl is applied only when the key is first created, so the
// expiry marks the start of the window and is not pushed out by
// subsequent increments. A key whose window has lapsed counts from 1
// again; the store's own expiry resets the window, not the caller.
func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int64
	var err error
	for attempt := 0; attempt <= incrementRetries; attempt++ {
		count, err = s.tryIncrement(key, ttl)
		if err == nil || !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return count, nil
}

// tryIncrement performs one optimistic increment transaction.
func (s *Store) tryIncrement(key string, ttl time.Duration) (int64, error) {
	var count int64
	err := s.db.Update(func(txn *badger.Txn) error {
		k := []byte(key)
		item, err := txn.Get(k)

		if errors.Is(err, badger.ErrKeyNotFound) {
			count = 1
			entry := badger.NewEntry(k, encodeCount(count))
			if ttl > 0 {
				entry = entry.WithTTL(ttl)
			}
			return txn.SetEntry(entry)
		}
		if err != nil {
			return err
		}

		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		prev, err := decodeCount(value)
		if err != nil {
			return err
		}
		count = prev + 1

		entry := badger.NewEntry(k, encodeCount(count))
		// Rewriting an entry would reset its TTL; carry the original
		// window expiry forward instead.
		if expiresAt := item.ExpiresAt(); expiresAt > 0 {
			remaining := time.Until(time.Unix(int64(expiresAt), 0))
			if remaining <= 0 {
				count = 1
				entry = badger.NewEntry(k, encodeCount(count))
				if ttl > 0 {
					entry = entry.WithTTL(ttl)
				}
				return txn.SetEntry(entry)
			}
			entry = entry.WithTTL(remaining)
		}
		return txn.SetEntry(entry)
	})
	return count, err
}

// Expire rewrites the entry at key with a new bounded lifetime. It is
// a no-op for absent keys.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		k := []byte(key)
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		entry := badger.NewEntry(k, value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// Ping reports whether the store answers a read. Used by the gateway
// health check.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("studyloop:ping"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func encodeCount(n int64) []byte {
	return strconv.AppendInt(nil, n, 10)
}

func decodeCount(value []byte) (int64, error) {
	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode counter value %q: %w", value, err)
	}
	return n, nil
}
