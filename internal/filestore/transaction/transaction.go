// Package transaction defines the transactions submitted to the object store. A transaction is
// an ordered list of primitive operations. Operations reference collections and objects through
// per-transaction tables so a journal entry does not repeat full identifiers.
package transaction

import (
	"fmt"
	"sort"
)

// opOverhead is the number of bytes accounted for each operation on top of its payload.
const opOverhead = 32

// Transaction is an ordered list of operations. Transactions are built with the mutating
// methods and must not be modified once submitted.
type Transaction struct {
	collections []CollectionID
	objects     []ObjectID
	ops         []Op

	collectionIndex map[CollectionID]uint32
	objectIndex     map[ObjectID]uint32

	dataBytes uint64
}

// New returns an empty transaction.
func New() *Transaction {
	return &Transaction{
		collectionIndex: map[CollectionID]uint32{},
		objectIndex:     map[ObjectID]uint32{},
	}
}

func (t *Transaction) collection(cid CollectionID) uint32 {
	if idx, ok := t.collectionIndex[cid]; ok {
		return idx
	}

	idx := uint32(len(t.collections))
	t.collections = append(t.collections, cid)
	t.collectionIndex[cid] = idx
	return idx
}

func (t *Transaction) object(oid ObjectID) uint32 {
	if idx, ok := t.objectIndex[oid]; ok {
		return idx
	}

	idx := uint32(len(t.objects))
	t.objects = append(t.objects, oid)
	t.objectIndex[oid] = idx
	return idx
}

func (t *Transaction) add(op Op, payload uint64) {
	t.ops = append(t.ops, op)
	t.dataBytes += payload
}

// Ops returns the operations of the transaction in order.
func (t *Transaction) Ops() []Op { return t.ops }

// Empty reports whether the transaction has no operations.
func (t *Transaction) Empty() bool { return len(t.ops) == 0 }

// Collections returns the collection table.
func (t *Transaction) Collections() []CollectionID { return t.collections }

// Objects returns the object table, which contains every object the transaction references.
func (t *Transaction) Objects() []ObjectID { return t.objects }

// Collection resolves a collection index.
func (t *Transaction) Collection(idx uint32) (CollectionID, error) {
	if int(idx) >= len(t.collections) {
		return CollectionID{}, fmt.Errorf("collection index %d out of range %d", idx, len(t.collections))
	}
	return t.collections[idx], nil
}

// Object resolves an object index.
func (t *Transaction) Object(idx uint32) (ObjectID, error) {
	if int(idx) >= len(t.objects) {
		return ObjectID{}, fmt.Errorf("object index %d out of range %d", idx, len(t.objects))
	}
	return t.objects[idx], nil
}

// NumBytes returns the bytes accounted to the transaction for throttling.
func (t *Transaction) NumBytes() uint64 {
	return t.dataBytes + uint64(len(t.ops))*opOverhead
}

// Nop appends an operation that does nothing.
func (t *Transaction) Nop() {
	t.add(Nop{}, 0)
}

// Touch creates the object if it does not exist.
func (t *Transaction) Touch(cid CollectionID, oid ObjectID) {
	t.add(Touch{Coll: t.collection(cid), Obj: t.object(oid)}, 0)
}

// Write writes data at offset.
func (t *Transaction) Write(cid CollectionID, oid ObjectID, offset uint64, data []byte, fadvise uint32) {
	t.add(Write{Coll: t.collection(cid), Obj: t.object(oid), Offset: offset, Data: data, Fadvise: fadvise}, uint64(len(data)))
}

// Zero zeroes length bytes at offset.
func (t *Transaction) Zero(cid CollectionID, oid ObjectID, offset, length uint64) {
	t.add(Zero{Coll: t.collection(cid), Obj: t.object(oid), Offset: offset, Length: length}, 0)
}

// Truncate sets the size of the object.
func (t *Transaction) Truncate(cid CollectionID, oid ObjectID, size uint64) {
	t.add(Truncate{Coll: t.collection(cid), Obj: t.object(oid), Size: size}, 0)
}

// Remove removes the object.
func (t *Transaction) Remove(cid CollectionID, oid ObjectID) {
	t.add(Remove{Coll: t.collection(cid), Obj: t.object(oid)}, 0)
}

// SetAttr sets an extended attribute.
func (t *Transaction) SetAttr(cid CollectionID, oid ObjectID, name string, value []byte) {
	t.add(SetAttr{Coll: t.collection(cid), Obj: t.object(oid), Name: name, Value: value}, uint64(len(name)+len(value)))
}

// SetAttrs sets extended attributes.
func (t *Transaction) SetAttrs(cid CollectionID, oid ObjectID, attrs map[string][]byte) {
	t.add(SetAttrs{Coll: t.collection(cid), Obj: t.object(oid), Attrs: attrs}, mapBytes(attrs))
}

// RmAttr removes an extended attribute.
func (t *Transaction) RmAttr(cid CollectionID, oid ObjectID, name string) {
	t.add(RmAttr{Coll: t.collection(cid), Obj: t.object(oid), Name: name}, uint64(len(name)))
}

// RmAttrs removes all extended attributes.
func (t *Transaction) RmAttrs(cid CollectionID, oid ObjectID) {
	t.add(RmAttrs{Coll: t.collection(cid), Obj: t.object(oid)}, 0)
}

// Clone replaces dest with a copy of oid.
func (t *Transaction) Clone(cid CollectionID, oid, dest ObjectID) {
	t.add(Clone{Coll: t.collection(cid), Obj: t.object(oid), Dest: t.object(dest)}, 0)
}

// CloneRange copies a range of oid to the same offset of dest.
func (t *Transaction) CloneRange(cid CollectionID, oid, dest ObjectID, offset, length uint64) {
	t.add(CloneRange{Coll: t.collection(cid), Obj: t.object(oid), Dest: t.object(dest), Offset: offset, Length: length}, 0)
}

// CloneRange2 copies a range of oid to destOffset of dest.
func (t *Transaction) CloneRange2(cid CollectionID, oid, dest ObjectID, srcOffset, length, destOffset uint64) {
	t.add(CloneRange2{
		Coll: t.collection(cid), Obj: t.object(oid), Dest: t.object(dest),
		SrcOffset: srcOffset, Length: length, DestOffset: destOffset,
	}, 0)
}

// CreateCollection creates a collection using the given number of split bits.
func (t *Transaction) CreateCollection(cid CollectionID, bits uint32) {
	t.add(MkColl{Coll: t.collection(cid), Bits: bits}, 0)
}

// CollectionHint passes an advisory hint about a collection.
func (t *Transaction) CollectionHint(cid CollectionID, hintType uint32, hint []byte) {
	t.add(CollHint{Coll: t.collection(cid), Type: hintType, Hint: hint}, uint64(len(hint)))
}

// RemoveCollection removes an empty collection.
func (t *Transaction) RemoveCollection(cid CollectionID) {
	t.add(RmColl{Coll: t.collection(cid)}, 0)
}

// CollectionMove links oid from src into cid and removes it from src.
func (t *Transaction) CollectionMove(cid, src CollectionID, oid ObjectID) {
	c, s, o := t.collection(cid), t.collection(src), t.object(oid)
	t.add(CollAdd{Coll: c, SrcColl: s, Obj: o}, 0)
	t.add(CollRemove{Coll: s, Obj: o}, 0)
}

// CollectionRemove unlinks oid from cid.
func (t *Transaction) CollectionRemove(cid CollectionID, oid ObjectID) {
	t.add(CollRemove{Coll: t.collection(cid), Obj: t.object(oid)}, 0)
}

// LegacyCollectionMove appends the single-operation move found in old journals.
func (t *Transaction) LegacyCollectionMove(cid, src CollectionID, oid ObjectID) {
	t.add(CollMove{Coll: t.collection(cid), SrcColl: t.collection(src), Obj: t.object(oid)}, 0)
}

// CollectionMoveRename moves oldOID of oldCID to newOID of newCID.
func (t *Transaction) CollectionMoveRename(oldCID CollectionID, oldOID ObjectID, newCID CollectionID, newOID ObjectID) {
	t.add(CollMoveRename{
		OldColl: t.collection(oldCID), OldObj: t.object(oldOID),
		NewColl: t.collection(newCID), NewObj: t.object(newOID),
	}, 0)
}

// TryRename renames oldOID to newOID within cid if oldOID exists.
func (t *Transaction) TryRename(cid CollectionID, oldOID, newOID ObjectID) {
	t.add(TryRename{Coll: t.collection(cid), OldObj: t.object(oldOID), NewObj: t.object(newOID)}, 0)
}

// OmapClear removes the omap of the object.
func (t *Transaction) OmapClear(cid CollectionID, oid ObjectID) {
	t.add(OmapClear{Coll: t.collection(cid), Obj: t.object(oid)}, 0)
}

// OmapSetKeys sets omap keys.
func (t *Transaction) OmapSetKeys(cid CollectionID, oid ObjectID, keys map[string][]byte) {
	t.add(OmapSetKeys{Coll: t.collection(cid), Obj: t.object(oid), Keys: keys}, mapBytes(keys))
}

// OmapRmKeys removes omap keys.
func (t *Transaction) OmapRmKeys(cid CollectionID, oid ObjectID, keys []string) {
	var size uint64
	for _, key := range keys {
		size += uint64(len(key))
	}
	t.add(OmapRmKeys{Coll: t.collection(cid), Obj: t.object(oid), Keys: keys}, size)
}

// OmapRmKeyRange removes the omap keys in [first, last).
func (t *Transaction) OmapRmKeyRange(cid CollectionID, oid ObjectID, first, last string) {
	t.add(OmapRmKeyRange{Coll: t.collection(cid), Obj: t.object(oid), First: first, Last: last}, uint64(len(first)+len(last)))
}

// OmapSetHeader sets the omap header.
func (t *Transaction) OmapSetHeader(cid CollectionID, oid ObjectID, header []byte) {
	t.add(OmapSetHeader{Coll: t.collection(cid), Obj: t.object(oid), Header: header}, uint64(len(header)))
}

// SplitCollection moves the objects of cid matching bits and rem into dest.
func (t *Transaction) SplitCollection(cid CollectionID, bits, rem uint32, dest CollectionID) {
	t.add(SplitCollection2{Coll: t.collection(cid), Dest: t.collection(dest), Bits: bits, Rem: rem}, 0)
}

// MergeCollection merges cid into dest.
func (t *Transaction) MergeCollection(cid, dest CollectionID, bits uint32) {
	t.add(MergeCollection{Coll: t.collection(cid), Dest: t.collection(dest), Bits: bits}, 0)
}

// CollectionSetBits records the split bits of cid.
func (t *Transaction) CollectionSetBits(cid CollectionID, bits uint32) {
	t.add(CollSetBits{Coll: t.collection(cid), Bits: bits}, 0)
}

// SetAllocHint hints the expected sizes of the object.
func (t *Transaction) SetAllocHint(cid CollectionID, oid ObjectID, expectedObjectSize, expectedWriteSize uint64, flags uint32) {
	t.add(SetAllocHint{
		Coll: t.collection(cid), Obj: t.object(oid),
		ExpectedObjectSize: expectedObjectSize, ExpectedWriteSize: expectedWriteSize, Flags: flags,
	}, 0)
}

// Append appends the operations of other to t, rewriting their table references.
func (t *Transaction) Append(other *Transaction) {
	collections := make([]uint32, len(other.collections))
	for i, cid := range other.collections {
		collections[i] = t.collection(cid)
	}

	objects := make([]uint32, len(other.objects))
	for i, oid := range other.objects {
		objects[i] = t.object(oid)
	}

	for _, op := range other.ops {
		t.ops = append(t.ops, remap(op, collections, objects))
	}
	t.dataBytes += other.dataBytes
}

func remap(op Op, c, o []uint32) Op {
	switch op := op.(type) {
	case Nop:
		return op
	case Touch:
		return Touch{Coll: c[op.Coll], Obj: o[op.Obj]}
	case Write:
		op.Coll, op.Obj = c[op.Coll], o[op.Obj]
		return op
	case Zero:
		op.Coll, op.Obj = c[op.Coll], o[op.Obj]
		return op
	case Truncate:
		op.Coll, op.Obj = c[op.Coll], o[op.Obj]
		return op
	case Remove:
		return Remove{Coll: c[op.Coll], Obj: o[op.Obj]}
	case SetAttr:
		op.Coll, op.Obj = c[op.Coll], o[op.Obj]
		return op
	case SetAttrs:
		op.Coll, op.Obj = c[op.Coll], o[op.Obj]
		return op
	case RmAttr:
		op.Coll, op.Obj = c[op.Coll], o[op.Obj]
		return op
	case RmAttrs:
		return RmAttrs{Coll: c[op.Coll], Obj: o[op.Obj]}
	case Clone:
		return Clone{Coll: c[op.Coll], Obj: o[op.Obj], Dest: o[op.Dest]}
	case CloneRange:
		op.Coll, op.Obj, op.Dest = c[op.Coll], o[op.Obj], o[op.Dest]
		return op
	case CloneRange2:
		op.Coll, op.Obj, op.Dest = c[op.Coll], o[op.Obj], o[op.Dest]
		return op
	case MkColl:
		op.Coll = c[op.Coll]
		return op
	case CollHint:
		op.Coll = c[op.Coll]
		return op
	case RmColl:
		return RmColl{Coll: c[op.Coll]}
	case CollAdd:
		return CollAdd{Coll: c[op.Coll], SrcColl: c[op.SrcColl], Obj: o[op.Obj]}
	case CollRemove:
		return CollRemove{Coll: c[op.Coll], Obj: o[op.Obj]}
	case CollMove:
		return CollMove{Coll: c[op.Coll], SrcColl: c[op.SrcColl], Obj: o[op.Obj]}
	case CollMoveRename:
		return CollMoveRename{OldColl: c[op.OldColl], OldObj: o[op.OldObj], NewColl: c[op.NewColl], NewObj: o[op.NewObj]}
	case TryRename:
		return TryRename{Coll: c[op.Coll], OldObj: o[op.OldObj], NewObj: o[op.NewObj]}
	case OmapClear:
		return OmapClear{Coll: c[op.Coll], Obj: o[op.Obj]}
	case OmapSetKeys:
		op.Coll, op.Obj = c[op.Coll], o[op.Obj]
		return op
	case OmapRmKeys:
		op.Coll, op.Obj = c[op.Coll], o[op.Obj]
		return op
	case OmapRmKeyRange:
		op.Coll, op.Obj = c[op.Coll], o[op.Obj]
		return op
	case OmapSetHeader:
		op.Coll, op.Obj = c[op.Coll], o[op.Obj]
		return op
	case SplitCollection2:
		op.Coll, op.Dest = c[op.Coll], c[op.Dest]
		return op
	case MergeCollection:
		op.Coll, op.Dest = c[op.Coll], c[op.Dest]
		return op
	case CollSetBits:
		op.Coll = c[op.Coll]
		return op
	case SetAllocHint:
		op.Coll, op.Obj = c[op.Coll], o[op.Obj]
		return op
	default:
		panic(fmt.Sprintf("unhandled operation %T", op))
	}
}

func mapBytes(m map[string][]byte) uint64 {
	var size uint64
	for key, value := range m {
		size += uint64(len(key) + len(value))
	}
	return size
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
