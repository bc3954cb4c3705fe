// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/binary"
	"errors"
	"io/fs"
	"log/slog"
	"sync"
	"syscall"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	badgerRecordPrefix = []byte("rec/")
	badgerIndexPrefix  = []byte("idx/")
)

// BadgerOption tweaks badger options before the store opens.
type BadgerOption func(*badger.Options)

// WithBadgerInMemory keeps the store in memory only.
func WithBadgerInMemory() BadgerOption {
	return func(o *badger.Options) {
		*o = o.WithInMemory(true).WithDir("").WithValueDir("")
	}
}

// BadgerStore keeps pending records in an embedded badger LSM tree. Records
// are stored under rec/<local_id>; a value-less index key
// idx/<created_at><local_id> keeps them in capture order.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// OpenBadgerStore opens a badger database in dir.
func OpenBadgerStore(dir string, logger *slog.Logger, opts ...BadgerOption) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bopts := badger.DefaultOptions(dir).WithSyncWrites(true)
	bopts.Logger = nil
	for _, o := range opts {
		o(&bopts)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, unavailable("open", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func recordKey(localID string) []byte {
	return append(append([]byte{}, badgerRecordPrefix...), localID...)
}

func indexKey(rec PendingRecord) []byte {
	key := make([]byte, 0, len(badgerIndexPrefix)+8+len(rec.LocalID))
	key = append(key, badgerIndexPrefix...)
	// flip the sign bit so pre-1970 timestamps still sort first
	key = binary.BigEndian.AppendUint64(key, uint64(rec.CreatedAt.UnixNano())^(1<<63))
	return append(key, rec.LocalID...)
}

func (s *BadgerStore) Put(_ context.Context, rec PendingRecord) error {
	if err := rec.validate(); err != nil {
		return storeErr("put", err)
	}
	rec.State = rec.State.atRest()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("put", badger.ErrDBClosed)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := getBadgerRecord(txn, rec.LocalID)
		switch {
		case err == nil:
			// created_at is immutable once stored
			rec.CreatedAt = existing.CreatedAt
		case !errors.Is(err, ErrRecordNotFound):
			return err
		}

		value, err := msgpack.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := txn.Set(recordKey(rec.LocalID), value); err != nil {
			return err
		}
		return txn.Set(indexKey(rec), nil)
	})
	if err != nil {
		return classifyBadgerErr("put", err)
	}
	return nil
}

func (s *BadgerStore) GetAll(_ context.Context) ([]PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable("get_all", badger.ErrDBClosed)
	}

	var out []PendingRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerIndexPrefix})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			localID := string(key[len(badgerIndexPrefix)+8:])
			rec, err := getBadgerRecord(txn, localID)
			if errors.Is(err, ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, classifyBadgerErr("get_all", err)
	}
	return out, nil
}

func (s *BadgerStore) Get(_ context.Context, localID string) (PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return PendingRecord{}, unavailable("get", badger.ErrDBClosed)
	}

	var rec PendingRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getBadgerRecord(txn, localID)
		return err
	})
	if errors.Is(err, ErrRecordNotFound) {
		return PendingRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return PendingRecord{}, classifyBadgerErr("get", err)
	}
	return rec, nil
}

func (s *BadgerStore) Delete(_ context.Context, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("delete", badger.ErrDBClosed)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getBadgerRecord(txn, localID)
		if errors.Is(err, ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(indexKey(rec)); err != nil {
			return err
		}
		return txn.Delete(recordKey(localID))
	})
	if err != nil {
		return classifyBadgerErr("delete", err)
	}
	return nil
}

// Count walks the index keys only; values are never fetched.
func (s *BadgerStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, unavailable("count", badger.ErrDBClosed)
	}

	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerIndexPrefix, PrefetchValues: false})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, classifyBadgerErr("count", err)
	}
	return n, nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func getBadgerRecord(txn *badger.Txn, localID string) (PendingRecord, error) {
	item, err := txn.Get(recordKey(localID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return PendingRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return PendingRecord{}, err
	}

	var rec PendingRecord
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &rec)
	})
	if err != nil {
		return PendingRecord{}, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if !rec.LastAttemptAt.IsZero() {
		rec.LastAttemptAt = rec.LastAttemptAt.UTC()
	}
	return rec, nil
}

func classifyBadgerErr(op string, err error) error {
	switch {
	case errors.Is(err, badger.ErrDBClosed),
		errors.Is(err, badger.ErrBlockedWrites),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EROFS),
		errors.Is(err, fs.ErrPermission):
		return unavailable(op, err)
	}
	return storeErr(op, err)
}
