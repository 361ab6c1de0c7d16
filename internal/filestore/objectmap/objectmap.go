// Package objectmap stores the omap of objects: a per-object header blob plus an ordered set of
// keys. Every mutation may carry the journal position of the operation performing it. The
// position is recorded in the object's header record and mutations at or before the recorded
// position are skipped, which makes replaying the journal over an already updated omap
// idempotent.
package objectmap

import (
	"errors"
	"fmt"
	"sort"

	"github.com/proxmox/ceph-sub001/internal/filestore/keyvalue"
	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	headerPrefix = 'h'
	keyPrefix    = 'k'

	recordPosition protowire.Number = 1
	recordHeader   protowire.Number = 2
)

// ObjectMap is the omap of all objects of a store.
type ObjectMap struct {
	store keyvalue.Store
}

// New returns an ObjectMap storing its data in store.
func New(store keyvalue.Store) *ObjectMap {
	return &ObjectMap{store: store}
}

// record is the per-object header record.
type record struct {
	position *transaction.Position
	header   []byte
}

func (r record) marshal() []byte {
	var b []byte
	if r.position != nil {
		b = protowire.AppendTag(b, recordPosition, protowire.BytesType)
		b = protowire.AppendBytes(b, r.position.Marshal())
	}
	if r.header != nil {
		b = protowire.AppendTag(b, recordHeader, protowire.BytesType)
		b = protowire.AppendBytes(b, r.header)
	}
	return b
}

func unmarshalRecord(b []byte) (record, error) {
	var r record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return record{}, fmt.Errorf("corrupt header record")
		}
		b = b[n:]

		value, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return record{}, fmt.Errorf("corrupt header record: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case recordPosition:
			pos, err := transaction.UnmarshalPosition(value)
			if err != nil {
				return record{}, err
			}
			r.position = &pos
		case recordHeader:
			r.header = append([]byte{}, value...)
		}
	}
	return r, nil
}

func headerKey(oid transaction.ObjectID) []byte {
	return append([]byte{headerPrefix}, oid.FileName()...)
}

func keysPrefix(oid transaction.ObjectID) []byte {
	b := append([]byte{keyPrefix}, oid.FileName()...)
	return append(b, 0)
}

func userKey(oid transaction.ObjectID, key string) []byte {
	return append(keysPrefix(oid), key...)
}

func readRecord(txn keyvalue.ReadWriter, oid transaction.ObjectID) (record, bool, error) {
	item, err := txn.Get(headerKey(oid))
	if err != nil {
		if errors.Is(err, keyvalue.ErrKeyNotFound) {
			return record{}, false, nil
		}
		return record{}, false, fmt.Errorf("get header: %w", err)
	}

	var r record
	if err := item.Value(func(value []byte) error {
		r, err = unmarshalRecord(value)
		return err
	}); err != nil {
		return record{}, false, fmt.Errorf("read header of %s: %w", oid, err)
	}
	return r, true, nil
}

// update runs fn in a transaction unless the object's recorded position shows the operation at
// pos was already applied. The record returned by fn is stored with pos as its position.
func (m *ObjectMap) update(oid transaction.ObjectID, pos *transaction.Position, fn func(keyvalue.ReadWriter, record) (record, error)) error {
	return m.store.Update(func(txn keyvalue.ReadWriter) error {
		r, _, err := readRecord(txn, oid)
		if err != nil {
			return err
		}

		if pos != nil && r.position != nil && r.position.Compare(*pos) >= 0 {
			return nil
		}

		if r, err = fn(txn, r); err != nil {
			return err
		}

		if pos != nil {
			p := *pos
			r.position = &p
		}

		return txn.Set(headerKey(oid), r.marshal())
	})
}

func deleteKeys(txn keyvalue.ReadWriter, oid transaction.ObjectID, from, to string) error {
	prefix := keysPrefix(oid)

	// Read-write transactions allow only a single open iterator, so the keys are collected
	// before deleting them.
	var keys [][]byte
	it := txn.NewIterator(keyvalue.IteratorOptions{Prefix: prefix, KeysOnly: true})
	if from == "" {
		it.Rewind()
	} else {
		it.Seek(append(append([]byte{}, prefix...), from...))
	}
	for ; it.Valid(); it.Next() {
		key := it.Item().Key()
		if to != "" && string(key[len(prefix):]) >= to {
			break
		}
		keys = append(keys, append([]byte{}, key...))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("delete key: %w", err)
		}
	}
	return nil
}

func copyKeys(txn keyvalue.ReadWriter, src, dst transaction.ObjectID) error {
	prefix := keysPrefix(src)

	values := map[string][]byte{}
	it := txn.NewIterator(keyvalue.IteratorOptions{Prefix: prefix})
	for it.Rewind(); it.Valid(); it.Next() {
		value, err := it.Item().ValueCopy(nil)
		if err != nil {
			it.Close()
			return fmt.Errorf("read key: %w", err)
		}
		values[string(it.Item().Key()[len(prefix):])] = value
	}
	it.Close()

	for key, value := range values {
		if err := txn.Set(userKey(dst, key), value); err != nil {
			return fmt.Errorf("set key: %w", err)
		}
	}
	return nil
}

// SetKeys sets the given keys of the object's omap.
func (m *ObjectMap) SetKeys(oid transaction.ObjectID, values map[string][]byte, pos *transaction.Position) error {
	return m.update(oid, pos, func(txn keyvalue.ReadWriter, r record) (record, error) {
		for key, value := range values {
			if err := txn.Set(userKey(oid, key), value); err != nil {
				return record{}, fmt.Errorf("set key: %w", err)
			}
		}
		return r, nil
	})
}

// RmKeys removes the given keys from the object's omap. Missing keys are ignored.
func (m *ObjectMap) RmKeys(oid transaction.ObjectID, keys []string, pos *transaction.Position) error {
	return m.update(oid, pos, func(txn keyvalue.ReadWriter, r record) (record, error) {
		for _, key := range keys {
			if err := txn.Delete(userKey(oid, key)); err != nil {
				return record{}, fmt.Errorf("delete key: %w", err)
			}
		}
		return r, nil
	})
}

// RmKeyRange removes the keys in [first, last) from the object's omap.
func (m *ObjectMap) RmKeyRange(oid transaction.ObjectID, first, last string, pos *transaction.Position) error {
	return m.update(oid, pos, func(txn keyvalue.ReadWriter, r record) (record, error) {
		if last != "" && first >= last {
			return r, nil
		}
		return r, deleteKeys(txn, oid, first, last)
	})
}

// SetHeader replaces the header blob of the object's omap.
func (m *ObjectMap) SetHeader(oid transaction.ObjectID, header []byte, pos *transaction.Position) error {
	return m.update(oid, pos, func(_ keyvalue.ReadWriter, r record) (record, error) {
		r.header = append([]byte{}, header...)
		return r, nil
	})
}

// ClearKeysHeader removes all keys and the header blob of the object but keeps its recorded
// position.
func (m *ObjectMap) ClearKeysHeader(oid transaction.ObjectID, pos *transaction.Position) error {
	return m.update(oid, pos, func(txn keyvalue.ReadWriter, r record) (record, error) {
		r.header = nil
		return r, deleteKeys(txn, oid, "", "")
	})
}

// Clear removes the object's omap entirely. It is used when the object itself is removed.
func (m *ObjectMap) Clear(oid transaction.ObjectID, pos *transaction.Position) error {
	return m.store.Update(func(txn keyvalue.ReadWriter) error {
		r, exists, err := readRecord(txn, oid)
		if err != nil {
			return err
		}
		if pos != nil && r.position != nil && r.position.Compare(*pos) >= 0 {
			return nil
		}

		if err := deleteKeys(txn, oid, "", ""); err != nil {
			return err
		}
		if !exists {
			return nil
		}
		return txn.Delete(headerKey(oid))
	})
}

// Clone replaces the omap of dst with a copy of the omap of src.
func (m *ObjectMap) Clone(src, dst transaction.ObjectID, pos *transaction.Position) error {
	if src == dst {
		return nil
	}

	return m.update(dst, pos, func(txn keyvalue.ReadWriter, r record) (record, error) {
		if err := deleteKeys(txn, dst, "", ""); err != nil {
			return record{}, err
		}
		if err := copyKeys(txn, src, dst); err != nil {
			return record{}, err
		}

		source, _, err := readRecord(txn, src)
		if err != nil {
			return record{}, err
		}
		r.header = source.header
		return r, nil
	})
}

// Rename moves the omap of src to dst, replacing the omap dst had.
func (m *ObjectMap) Rename(src, dst transaction.ObjectID, pos *transaction.Position) error {
	if src == dst {
		return nil
	}

	return m.update(dst, pos, func(txn keyvalue.ReadWriter, r record) (record, error) {
		if err := deleteKeys(txn, dst, "", ""); err != nil {
			return record{}, err
		}
		if err := copyKeys(txn, src, dst); err != nil {
			return record{}, err
		}
		if err := deleteKeys(txn, src, "", ""); err != nil {
			return record{}, err
		}

		source, exists, err := readRecord(txn, src)
		if err != nil {
			return record{}, err
		}
		if exists {
			if err := txn.Delete(headerKey(src)); err != nil {
				return record{}, fmt.Errorf("delete header: %w", err)
			}
		}

		r.header = source.header
		return r, nil
	})
}

// Sync persists the omap. If oid and pos are given, pos is recorded as the object's position
// first so later replays of operations up to pos skip the object.
func (m *ObjectMap) Sync(oid *transaction.ObjectID, pos *transaction.Position) error {
	if oid != nil && pos != nil {
		if err := m.update(*oid, pos, func(_ keyvalue.ReadWriter, r record) (record, error) {
			return r, nil
		}); err != nil {
			return fmt.Errorf("record position: %w", err)
		}
	}

	if err := m.store.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// Position returns the last position recorded for the object, if any.
func (m *ObjectMap) Position(oid transaction.ObjectID) (transaction.Position, bool, error) {
	var pos *transaction.Position
	if err := m.store.View(func(txn keyvalue.ReadWriter) error {
		r, _, err := readRecord(txn, oid)
		pos = r.position
		return err
	}); err != nil {
		return transaction.Position{}, false, err
	}

	if pos == nil {
		return transaction.Position{}, false, nil
	}
	return *pos, true, nil
}

// Header returns the header blob of the object's omap.
func (m *ObjectMap) Header(oid transaction.ObjectID) ([]byte, error) {
	var header []byte
	if err := m.store.View(func(txn keyvalue.ReadWriter) error {
		r, _, err := readRecord(txn, oid)
		header = r.header
		return err
	}); err != nil {
		return nil, err
	}
	return header, nil
}

// Keys returns the sorted keys of the object's omap.
func (m *ObjectMap) Keys(oid transaction.ObjectID) ([]string, error) {
	var keys []string
	if err := m.store.View(func(txn keyvalue.ReadWriter) error {
		prefix := keysPrefix(oid)
		it := txn.NewIterator(keyvalue.IteratorOptions{Prefix: prefix, KeysOnly: true})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return keys, nil
}

// Values returns the values of the given keys. Missing keys are left out of the result.
func (m *ObjectMap) Values(oid transaction.ObjectID, keys []string) (map[string][]byte, error) {
	values := make(map[string][]byte, len(keys))
	if err := m.store.View(func(txn keyvalue.ReadWriter) error {
		for _, key := range keys {
			item, err := txn.Get(userKey(oid, key))
			if err != nil {
				if errors.Is(err, keyvalue.ErrKeyNotFound) {
					continue
				}
				return fmt.Errorf("get key: %w", err)
			}

			if values[key], err = item.ValueCopy(nil); err != nil {
				return fmt.Errorf("read key: %w", err)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return values, nil
}

// All returns the header and every key of the object's omap.
func (m *ObjectMap) All(oid transaction.ObjectID) ([]byte, map[string][]byte, error) {
	header, err := m.Header(oid)
	if err != nil {
		return nil, nil, err
	}

	keys, err := m.Keys(oid)
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(keys)

	values, err := m.Values(oid, keys)
	if err != nil {
		return nil, nil, err
	}
	return header, values, nil
}
