// Copyright 2026 The RaftFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package kvstore

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

const maxColumnFamilies = 250

// NewStore opens (or creates) the store at path. SyncWrites defaults to on:
// the consensus safety argument requires the hard state record to hit disk
// before any vote or append response leaves the node.
func NewStore(ctx context.Context, path string, opt *Option) (Store, error) {
	if opt == nil {
		opt = &Option{}
	}
	if len(opt.ColumnFamilies) == 0 {
		return nil, ErrColumnNotFound
	}
	if len(opt.ColumnFamilies) > maxColumnFamilies {
		return nil, ErrInvalidColumnID
	}

	syncWrites := true
	if opt.SyncWrites != nil {
		syncWrites = *opt.SyncWrites
	}

	bopt := badger.DefaultOptions(path).
		WithSyncWrites(syncWrites).
		WithReadOnly(opt.ReadOnly).
		WithLogger(nil)
	if opt.MemTableSizeMB > 0 {
		bopt = bopt.WithMemTableSize(int64(opt.MemTableSizeMB) << 20)
	}
	if opt.ValueThreshold > 0 {
		bopt = bopt.WithValueThreshold(int64(opt.ValueThreshold))
	}

	db, err := badger.Open(bopt)
	if err != nil {
		return nil, err
	}

	cols := make(map[CF]byte, len(opt.ColumnFamilies))
	for i, cf := range opt.ColumnFamilies {
		cols[cf] = byte(i + 1)
	}

	return &badgerStore{db: db, cols: cols}, nil
}

type badgerStore struct {
	db     *badger.DB
	cols   map[CF]byte
	closed atomic.Bool
}

func (s *badgerStore) encodeKey(col CF, key []byte) ([]byte, error) {
	prefix, ok := s.cols[col]
	if !ok {
		return nil, ErrColumnNotFound
	}
	out := make([]byte, 0, len(key)+1)
	out = append(out, prefix)
	return append(out, key...), nil
}

func (s *badgerStore) Get(ctx context.Context, col CF, key []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	ekey, err := s.encodeKey(col, key)
	if err != nil {
		return nil, err
	}

	var value []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ekey)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *badgerStore) Set(ctx context.Context, col CF, key, value []byte) error {
	ekey, err := s.encodeKey(col, key)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(ekey, value)
	})
}

func (s *badgerStore) Delete(ctx context.Context, col CF, key []byte) error {
	ekey, err := s.encodeKey(col, key)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(ekey)
	})
}

func (s *badgerStore) View(ctx context.Context, fn func(txn ReadTxn) error) error {
	return s.db.View(func(btxn *badger.Txn) error {
		return fn(&storeTxn{store: s, txn: btxn})
	})
}

func (s *badgerStore) Update(ctx context.Context, fn func(txn Txn) error) error {
	return s.db.Update(func(btxn *badger.Txn) error {
		return fn(&storeTxn{store: s, txn: btxn})
	})
}

func (s *badgerStore) NewWriteBatch() WriteBatch {
	return &writeBatch{}
}

func (s *badgerStore) Write(ctx context.Context, batch WriteBatch) error {
	wb, ok := batch.(*writeBatch)
	if !ok {
		return errors.New("kvstore: foreign write batch")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for i := range wb.ops {
			op := &wb.ops[i]
			ekey, err := s.encodeKey(op.col, op.key)
			if err != nil {
				return err
			}
			if op.delete {
				if err := txn.Delete(ekey); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(ekey, op.value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerStore) BulkWrite(ctx context.Context, batch WriteBatch) error {
	wb, ok := batch.(*writeBatch)
	if !ok {
		return errors.New("kvstore: foreign write batch")
	}
	bwb := s.db.NewWriteBatch()
	defer bwb.Cancel()

	for i := range wb.ops {
		op := &wb.ops[i]
		ekey, err := s.encodeKey(op.col, op.key)
		if err != nil {
			return err
		}
		if op.delete {
			if err := bwb.Delete(ekey); err != nil {
				return err
			}
			continue
		}
		if err := bwb.Set(ekey, op.value); err != nil {
			return err
		}
	}
	return bwb.Flush()
}

func (s *badgerStore) NewSnapshot() Snapshot {
	return &badgerSnapshot{txn: s.db.NewTransaction(false)}
}

func (s *badgerStore) List(ctx context.Context, col CF, prefix, marker []byte, snap Snapshot) (ListReader, error) {
	cfPrefix, ok := s.cols[col]
	if !ok {
		return nil, ErrColumnNotFound
	}
	fullPrefix := append([]byte{cfPrefix}, prefix...)

	var txn *badger.Txn
	ownTxn := false
	if snap != nil {
		txn = snap.(*badgerSnapshot).txn
	} else {
		txn = s.db.NewTransaction(false)
		ownTxn = true
	}

	iopt := badger.DefaultIteratorOptions
	iopt.Prefix = fullPrefix
	it := txn.NewIterator(iopt)

	seek := fullPrefix
	if len(marker) > 0 {
		// position strictly after the marker key
		seek = append(append([]byte{cfPrefix}, marker...), 0)
	}
	it.Seek(seek)

	return &listReader{
		store:  s,
		txn:    txn,
		ownTxn: ownTxn,
		it:     it,
		cf:     cfPrefix,
		prefix: fullPrefix,
	}, nil
}

func (s *badgerStore) DropColumn(ctx context.Context, col CF) error {
	prefix, ok := s.cols[col]
	if !ok {
		return ErrColumnNotFound
	}
	return s.db.DropPrefix([]byte{prefix})
}

func (s *badgerStore) Flush(ctx context.Context) error {
	return s.db.Sync()
}

func (s *badgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

type storeTxn struct {
	store *badgerStore
	txn   *badger.Txn
}

func (t *storeTxn) Get(col CF, key []byte) ([]byte, error) {
	ekey, err := t.store.encodeKey(col, key)
	if err != nil {
		return nil, err
	}
	item, err := t.txn.Get(ekey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *storeTxn) Set(col CF, key, value []byte) error {
	ekey, err := t.store.encodeKey(col, key)
	if err != nil {
		return err
	}
	return t.txn.Set(ekey, value)
}

func (t *storeTxn) Delete(col CF, key []byte) error {
	ekey, err := t.store.encodeKey(col, key)
	if err != nil {
		return err
	}
	return t.txn.Delete(ekey)
}

type batchOp struct {
	col    CF
	key    []byte
	value  []byte
	delete bool
}

type writeBatch struct {
	ops []batchOp
}

func (b *writeBatch) Put(col CF, key, value []byte) {
	b.ops = append(b.ops, batchOp{col: col, key: key, value: value})
}

func (b *writeBatch) Delete(col CF, key []byte) {
	b.ops = append(b.ops, batchOp{col: col, key: key, delete: true})
}

func (b *writeBatch) Len() int { return len(b.ops) }

func (b *writeBatch) Close() { b.ops = nil }

type badgerSnapshot struct {
	txn *badger.Txn
}

func (s *badgerSnapshot) Close() {
	s.txn.Discard()
}

type listReader struct {
	store   *badgerStore
	txn     *badger.Txn
	ownTxn  bool
	it      *badger.Iterator
	cf      byte
	prefix  []byte
	key     []byte
	value   []byte
	reverse bool
}

func (r *listReader) Next() (key, value []byte, err error) {
	if !r.it.ValidForPrefix(r.prefix) {
		return nil, nil, ErrNotFound
	}
	item := r.it.Item()
	r.key = item.KeyCopy(r.key[:0])
	r.value, err = item.ValueCopy(r.value[:0])
	if err != nil {
		return nil, nil, err
	}
	r.it.Next()
	// strip the column family prefix byte
	return r.key[1:], r.value, nil
}

// SeekForPrev switches the reader into reverse mode positioned on the last
// key <= target (a full key relative to the column family); subsequent Next
// calls walk keys in descending order.
func (r *listReader) SeekForPrev(target []byte) error {
	r.it.Close()
	iopt := badger.DefaultIteratorOptions
	iopt.Prefix = r.prefix
	iopt.Reverse = true
	r.it = r.txn.NewIterator(iopt)
	r.reverse = true
	r.it.Seek(append([]byte{r.cf}, target...))
	return nil
}

func (r *listReader) Close() {
	r.it.Close()
	if r.ownTxn {
		r.txn.Discard()
	}
}
