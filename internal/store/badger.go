// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuGH/xglive/internal/media"
	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend keeps segments in an embedded badger database:
// key = "seg/<rendition>/<zero padded seq>" so a prefix scan yields
// sequence order.
type BadgerBackend struct {
	db *badger.DB
}

func OpenBadgerBackend(path string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil).WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) Name() string { return "badger" }

func (b *BadgerBackend) Close() error { return b.db.Close() }

func badgerPrefix(rid media.RenditionID) []byte {
	return []byte("seg/" + string(rid) + "/")
}

func badgerKey(rid media.RenditionID, seq uint64) []byte {
	return fmt.Appendf(badgerPrefix(rid), "%020d", seq)
}

func (b *BadgerBackend) Put(_ context.Context, seg media.Segment) error {
	buf, err := encodeSegment(seg)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(seg.Rendition, seg.Sequence), buf)
	})
}

func (b *BadgerBackend) Get(_ context.Context, rid media.RenditionID, seq uint64) (media.Segment, error) {
	var out media.Segment
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(rid, seq))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			s, err := decodeSegment(val)
			out = s
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return media.Segment{}, notFound(rid, seq)
	}
	if err != nil {
		return media.Segment{}, err
	}
	return out, nil
}

func (b *BadgerBackend) Evict(_ context.Context, rid media.RenditionID, before uint64) error {
	limit := badgerKey(rid, before)
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = badgerPrefix(rid)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			if string(k) >= string(limit) {
				break
			}
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *BadgerBackend) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger store is closed")
	}
	return nil
}

var _ Backend = (*BadgerBackend)(nil)
