// Package store wraps a single embedded Pebble database shared by the ACL
// Store and the Request Ledger. It provides the composite-key and
// prefix-scan primitives both callers build their schemas on, adapted
// from progressdb's pkg/store/pebble.go key-prefix convention (there:
// per-thread message keys; here: per-table rows keyed by an id).
package store

import (
	"bytes"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// DB wraps an open Pebble handle.
type DB struct {
	pdb *pebble.DB
}

// Open opens (or creates) a Pebble database at path.
func Open(path string) (*DB, error) {
	pdb, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	return &DB{pdb: pdb}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	if d == nil || d.pdb == nil {
		return nil
	}
	return d.pdb.Close()
}

// Put writes key/value, syncing to disk.
func (d *DB) Put(key, value []byte) error {
	return d.pdb.Set(key, value, pebble.Sync)
}

// Get reads the value for key. ok is false when the key is absent.
func (d *DB) Get(key []byte) (value []byte, ok bool, err error) {
	v, closer, err := d.pdb.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (d *DB) Delete(key []byte) error {
	return d.pdb.Delete(key, pebble.Sync)
}

// ScanPrefix calls fn for every key/value pair whose key starts with
// prefix, in key order. fn returning an error stops the scan and the
// error is returned to the caller.
func (d *DB) ScanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := d.pdb.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Batch groups multiple writes into one atomic commit, mirroring the
// transactional guarantee applyToken (§4.3) needs: either all rows land
// or none do.
type Batch struct {
	b *pebble.Batch
}

// NewBatch starts a new atomic write batch.
func (d *DB) NewBatch() *Batch {
	return &Batch{b: d.pdb.NewBatch()}
}

func (b *Batch) Put(key, value []byte) error {
	return b.b.Set(key, value, nil)
}

func (b *Batch) Delete(key []byte) error {
	return b.b.Delete(key, nil)
}

// Commit flushes the batch atomically.
func (b *Batch) Commit() error {
	return b.b.Commit(pebble.Sync)
}
