package transaction

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrCorrupt is returned when an encoded transaction cannot be decoded.
var ErrCorrupt = errors.New("corrupt transaction encoding")

// Field numbers of the encoding. They are part of the journal format.
const (
	batchSeq         protowire.Number = 1
	batchTransaction protowire.Number = 2

	txCollection protowire.Number = 1
	txObject     protowire.Number = 2
	txOp         protowire.Number = 3

	collKind protowire.Number = 1
	collPool protowire.Number = 2
	collSeed protowire.Number = 3

	objName       protowire.Number = 1
	objKey        protowire.Number = 2
	objNamespace  protowire.Number = 3
	objPool       protowire.Number = 4
	objHash       protowire.Number = 5
	objSnap       protowire.Number = 6
	objGeneration protowire.Number = 7

	opCode               protowire.Number = 1
	opColl               protowire.Number = 2
	opObj                protowire.Number = 3
	opColl2              protowire.Number = 4
	opObj2               protowire.Number = 5
	opOffset             protowire.Number = 6
	opLength             protowire.Number = 7
	opDestOffset         protowire.Number = 8
	opData               protowire.Number = 9
	opName               protowire.Number = 10
	opPair               protowire.Number = 11
	opKey                protowire.Number = 12
	opFirst              protowire.Number = 13
	opLast               protowire.Number = 14
	opBits               protowire.Number = 15
	opRem                protowire.Number = 16
	opType               protowire.Number = 17
	opFlags              protowire.Number = 18
	opExpectedObjectSize protowire.Number = 19
	opExpectedWriteSize  protowire.Number = 20

	pairKey   protowire.Number = 1
	pairValue protowire.Number = 2
)

// wireOp is the flattened representation of every operation. Each operation only uses the
// fields it needs.
type wireOp struct {
	code                              Code
	coll, obj, coll2, obj2            uint32
	offset, length, destOffset        uint64
	data                              []byte
	name                              string
	pairs                             map[string][]byte
	keys                              []string
	first, last                       string
	bits, rem, hintType, flags        uint32
	expectedObjectSize, expectedWrite uint64
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// Encode encodes the transaction.
func (t *Transaction) Encode() []byte {
	var b []byte
	for _, cid := range t.collections {
		b = appendBytes(b, txCollection, encodeCollection(cid))
	}
	for _, oid := range t.objects {
		b = appendBytes(b, txObject, encodeObject(oid))
	}
	for _, op := range t.ops {
		b = appendBytes(b, txOp, encodeOp(toWire(op)))
	}
	return b
}

func encodeCollection(cid CollectionID) []byte {
	var b []byte
	b = appendVarint(b, collKind, uint64(cid.Kind))
	b = appendVarint(b, collPool, protowire.EncodeZigZag(cid.Pool))
	b = appendVarint(b, collSeed, uint64(cid.Seed))
	return b
}

func encodeObject(oid ObjectID) []byte {
	var b []byte
	b = appendString(b, objName, oid.Name)
	b = appendString(b, objKey, oid.Key)
	b = appendString(b, objNamespace, oid.Namespace)
	b = appendVarint(b, objPool, protowire.EncodeZigZag(oid.Pool))
	b = appendVarint(b, objHash, uint64(oid.Hash))
	b = appendVarint(b, objSnap, oid.Snap)
	b = appendVarint(b, objGeneration, oid.Generation)
	return b
}

func encodeOp(w wireOp) []byte {
	var b []byte
	b = protowire.AppendTag(b, opCode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w.code))
	b = appendVarint(b, opColl, uint64(w.coll))
	b = appendVarint(b, opObj, uint64(w.obj))
	b = appendVarint(b, opColl2, uint64(w.coll2))
	b = appendVarint(b, opObj2, uint64(w.obj2))
	b = appendVarint(b, opOffset, w.offset)
	b = appendVarint(b, opLength, w.length)
	b = appendVarint(b, opDestOffset, w.destOffset)
	if len(w.data) > 0 {
		b = appendBytes(b, opData, w.data)
	}
	b = appendString(b, opName, w.name)
	for _, key := range sortedKeys(w.pairs) {
		var pair []byte
		pair = protowire.AppendTag(pair, pairKey, protowire.BytesType)
		pair = protowire.AppendString(pair, key)
		pair = appendBytes(pair, pairValue, w.pairs[key])
		b = appendBytes(b, opPair, pair)
	}
	for _, key := range w.keys {
		b = protowire.AppendTag(b, opKey, protowire.BytesType)
		b = protowire.AppendString(b, key)
	}
	b = appendString(b, opFirst, w.first)
	b = appendString(b, opLast, w.last)
	b = appendVarint(b, opBits, uint64(w.bits))
	b = appendVarint(b, opRem, uint64(w.rem))
	b = appendVarint(b, opType, uint64(w.hintType))
	b = appendVarint(b, opFlags, uint64(w.flags))
	b = appendVarint(b, opExpectedObjectSize, w.expectedObjectSize)
	b = appendVarint(b, opExpectedWriteSize, w.expectedWrite)
	return b
}

// fieldFunc is invoked for every field of a message. Exactly one of varint and bytes is set
// depending on the wire type.
type fieldFunc func(num protowire.Number, typ protowire.Type, varint uint64, bytes []byte) error

func walkMessage(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: tag: %w", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", ErrCorrupt, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, typ, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", ErrCorrupt, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, typ, 0, v); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", ErrCorrupt, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	return nil
}

// Decode decodes a transaction encoded with Encode.
func Decode(b []byte) (*Transaction, error) {
	t := New()
	if err := walkMessage(b, func(num protowire.Number, _ protowire.Type, _ uint64, value []byte) error {
		switch num {
		case txCollection:
			cid, err := decodeCollection(value)
			if err != nil {
				return err
			}
			t.collectionIndex[cid] = uint32(len(t.collections))
			t.collections = append(t.collections, cid)
		case txObject:
			oid, err := decodeObject(value)
			if err != nil {
				return err
			}
			t.objectIndex[oid] = uint32(len(t.objects))
			t.objects = append(t.objects, oid)
		case txOp:
			w, err := decodeOp(value)
			if err != nil {
				return err
			}
			op, payload, err := fromWire(w)
			if err != nil {
				return err
			}
			t.add(op, payload)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := t.validate(); err != nil {
		return nil, err
	}

	return t, nil
}

func decodeCollection(b []byte) (CollectionID, error) {
	var cid CollectionID
	err := walkMessage(b, func(num protowire.Number, _ protowire.Type, v uint64, _ []byte) error {
		switch num {
		case collKind:
			if v > uint64(CollectionTemp) {
				return fmt.Errorf("%w: collection kind %d", ErrCorrupt, v)
			}
			cid.Kind = CollectionKind(v)
		case collPool:
			cid.Pool = protowire.DecodeZigZag(v)
		case collSeed:
			cid.Seed = uint32(v)
		}
		return nil
	})
	return cid, err
}

func decodeObject(b []byte) (ObjectID, error) {
	var oid ObjectID
	err := walkMessage(b, func(num protowire.Number, _ protowire.Type, v uint64, value []byte) error {
		switch num {
		case objName:
			oid.Name = string(value)
		case objKey:
			oid.Key = string(value)
		case objNamespace:
			oid.Namespace = string(value)
		case objPool:
			oid.Pool = protowire.DecodeZigZag(v)
		case objHash:
			oid.Hash = uint32(v)
		case objSnap:
			oid.Snap = v
		case objGeneration:
			oid.Generation = v
		}
		return nil
	})
	return oid, err
}

func decodeOp(b []byte) (wireOp, error) {
	var w wireOp
	err := walkMessage(b, func(num protowire.Number, _ protowire.Type, v uint64, value []byte) error {
		switch num {
		case opCode:
			if v >= uint64(codeCount) {
				return fmt.Errorf("%w: unknown operation code %d", ErrCorrupt, v)
			}
			w.code = Code(v)
		case opColl:
			w.coll = uint32(v)
		case opObj:
			w.obj = uint32(v)
		case opColl2:
			w.coll2 = uint32(v)
		case opObj2:
			w.obj2 = uint32(v)
		case opOffset:
			w.offset = v
		case opLength:
			w.length = v
		case opDestOffset:
			w.destOffset = v
		case opData:
			w.data = append([]byte(nil), value...)
		case opName:
			w.name = string(value)
		case opPair:
			var key string
			var val []byte
			if err := walkMessage(value, func(num protowire.Number, _ protowire.Type, _ uint64, value []byte) error {
				switch num {
				case pairKey:
					key = string(value)
				case pairValue:
					val = append([]byte{}, value...)
				}
				return nil
			}); err != nil {
				return err
			}
			if w.pairs == nil {
				w.pairs = map[string][]byte{}
			}
			w.pairs[key] = val
		case opKey:
			w.keys = append(w.keys, string(value))
		case opFirst:
			w.first = string(value)
		case opLast:
			w.last = string(value)
		case opBits:
			w.bits = uint32(v)
		case opRem:
			w.rem = uint32(v)
		case opType:
			w.hintType = uint32(v)
		case opFlags:
			w.flags = uint32(v)
		case opExpectedObjectSize:
			w.expectedObjectSize = v
		case opExpectedWriteSize:
			w.expectedWrite = v
		}
		return nil
	})
	return w, err
}

func toWire(op Op) wireOp {
	w := wireOp{code: op.Code()}
	switch op := op.(type) {
	case Nop:
	case Touch:
		w.coll, w.obj = op.Coll, op.Obj
	case Write:
		w.coll, w.obj, w.offset, w.data, w.flags = op.Coll, op.Obj, op.Offset, op.Data, op.Fadvise
	case Zero:
		w.coll, w.obj, w.offset, w.length = op.Coll, op.Obj, op.Offset, op.Length
	case Truncate:
		w.coll, w.obj, w.offset = op.Coll, op.Obj, op.Size
	case Remove:
		w.coll, w.obj = op.Coll, op.Obj
	case SetAttr:
		w.coll, w.obj, w.name, w.data = op.Coll, op.Obj, op.Name, op.Value
	case SetAttrs:
		w.coll, w.obj, w.pairs = op.Coll, op.Obj, op.Attrs
	case RmAttr:
		w.coll, w.obj, w.name = op.Coll, op.Obj, op.Name
	case RmAttrs:
		w.coll, w.obj = op.Coll, op.Obj
	case Clone:
		w.coll, w.obj, w.obj2 = op.Coll, op.Obj, op.Dest
	case CloneRange:
		w.coll, w.obj, w.obj2, w.offset, w.length = op.Coll, op.Obj, op.Dest, op.Offset, op.Length
	case CloneRange2:
		w.coll, w.obj, w.obj2 = op.Coll, op.Obj, op.Dest
		w.offset, w.length, w.destOffset = op.SrcOffset, op.Length, op.DestOffset
	case MkColl:
		w.coll, w.bits = op.Coll, op.Bits
	case CollHint:
		w.coll, w.hintType, w.data = op.Coll, op.Type, op.Hint
	case RmColl:
		w.coll = op.Coll
	case CollAdd:
		w.coll, w.coll2, w.obj = op.Coll, op.SrcColl, op.Obj
	case CollRemove:
		w.coll, w.obj = op.Coll, op.Obj
	case CollMove:
		w.coll, w.coll2, w.obj = op.Coll, op.SrcColl, op.Obj
	case CollMoveRename:
		w.coll, w.obj, w.coll2, w.obj2 = op.OldColl, op.OldObj, op.NewColl, op.NewObj
	case TryRename:
		w.coll, w.obj, w.obj2 = op.Coll, op.OldObj, op.NewObj
	case OmapClear:
		w.coll, w.obj = op.Coll, op.Obj
	case OmapSetKeys:
		w.coll, w.obj, w.pairs = op.Coll, op.Obj, op.Keys
	case OmapRmKeys:
		w.coll, w.obj, w.keys = op.Coll, op.Obj, op.Keys
	case OmapRmKeyRange:
		w.coll, w.obj, w.first, w.last = op.Coll, op.Obj, op.First, op.Last
	case OmapSetHeader:
		w.coll, w.obj, w.data = op.Coll, op.Obj, op.Header
	case SplitCollection2:
		w.coll, w.coll2, w.bits, w.rem = op.Coll, op.Dest, op.Bits, op.Rem
	case MergeCollection:
		w.coll, w.coll2, w.bits = op.Coll, op.Dest, op.Bits
	case CollSetBits:
		w.coll, w.bits = op.Coll, op.Bits
	case SetAllocHint:
		w.coll, w.obj, w.flags = op.Coll, op.Obj, op.Flags
		w.expectedObjectSize, w.expectedWrite = op.ExpectedObjectSize, op.ExpectedWriteSize
	default:
		panic(fmt.Sprintf("unhandled operation %T", op))
	}
	return w
}

// fromWire converts the flattened representation back into the operation. It also returns the
// payload bytes accounted for throttling.
func fromWire(w wireOp) (Op, uint64, error) {
	switch w.code {
	case CodeNop:
		return Nop{}, 0, nil
	case CodeTouch:
		return Touch{Coll: w.coll, Obj: w.obj}, 0, nil
	case CodeWrite:
		return Write{Coll: w.coll, Obj: w.obj, Offset: w.offset, Data: w.data, Fadvise: w.flags}, uint64(len(w.data)), nil
	case CodeZero:
		return Zero{Coll: w.coll, Obj: w.obj, Offset: w.offset, Length: w.length}, 0, nil
	case CodeTruncate:
		return Truncate{Coll: w.coll, Obj: w.obj, Size: w.offset}, 0, nil
	case CodeRemove:
		return Remove{Coll: w.coll, Obj: w.obj}, 0, nil
	case CodeSetAttr:
		return SetAttr{Coll: w.coll, Obj: w.obj, Name: w.name, Value: w.data}, uint64(len(w.name) + len(w.data)), nil
	case CodeSetAttrs:
		return SetAttrs{Coll: w.coll, Obj: w.obj, Attrs: w.pairs}, mapBytes(w.pairs), nil
	case CodeRmAttr:
		return RmAttr{Coll: w.coll, Obj: w.obj, Name: w.name}, uint64(len(w.name)), nil
	case CodeRmAttrs:
		return RmAttrs{Coll: w.coll, Obj: w.obj}, 0, nil
	case CodeClone:
		return Clone{Coll: w.coll, Obj: w.obj, Dest: w.obj2}, 0, nil
	case CodeCloneRange:
		return CloneRange{Coll: w.coll, Obj: w.obj, Dest: w.obj2, Offset: w.offset, Length: w.length}, 0, nil
	case CodeCloneRange2:
		return CloneRange2{Coll: w.coll, Obj: w.obj, Dest: w.obj2, SrcOffset: w.offset, Length: w.length, DestOffset: w.destOffset}, 0, nil
	case CodeMkColl:
		return MkColl{Coll: w.coll, Bits: w.bits}, 0, nil
	case CodeCollHint:
		return CollHint{Coll: w.coll, Type: w.hintType, Hint: w.data}, uint64(len(w.data)), nil
	case CodeRmColl:
		return RmColl{Coll: w.coll}, 0, nil
	case CodeCollAdd:
		return CollAdd{Coll: w.coll, SrcColl: w.coll2, Obj: w.obj}, 0, nil
	case CodeCollRemove:
		return CollRemove{Coll: w.coll, Obj: w.obj}, 0, nil
	case CodeCollMove:
		return CollMove{Coll: w.coll, SrcColl: w.coll2, Obj: w.obj}, 0, nil
	case CodeCollMoveRename:
		return CollMoveRename{OldColl: w.coll, OldObj: w.obj, NewColl: w.coll2, NewObj: w.obj2}, 0, nil
	case CodeTryRename:
		return TryRename{Coll: w.coll, OldObj: w.obj, NewObj: w.obj2}, 0, nil
	case CodeOmapClear:
		return OmapClear{Coll: w.coll, Obj: w.obj}, 0, nil
	case CodeOmapSetKeys:
		return OmapSetKeys{Coll: w.coll, Obj: w.obj, Keys: w.pairs}, mapBytes(w.pairs), nil
	case CodeOmapRmKeys:
		var size uint64
		for _, key := range w.keys {
			size += uint64(len(key))
		}
		return OmapRmKeys{Coll: w.coll, Obj: w.obj, Keys: w.keys}, size, nil
	case CodeOmapRmKeyRange:
		return OmapRmKeyRange{Coll: w.coll, Obj: w.obj, First: w.first, Last: w.last}, uint64(len(w.first) + len(w.last)), nil
	case CodeOmapSetHeader:
		return OmapSetHeader{Coll: w.coll, Obj: w.obj, Header: w.data}, uint64(len(w.data)), nil
	case CodeSplitCollection2:
		return SplitCollection2{Coll: w.coll, Dest: w.coll2, Bits: w.bits, Rem: w.rem}, 0, nil
	case CodeMergeCollection:
		return MergeCollection{Coll: w.coll, Dest: w.coll2, Bits: w.bits}, 0, nil
	case CodeCollSetBits:
		return CollSetBits{Coll: w.coll, Bits: w.bits}, 0, nil
	case CodeSetAllocHint:
		return SetAllocHint{
			Coll: w.coll, Obj: w.obj, Flags: w.flags,
			ExpectedObjectSize: w.expectedObjectSize, ExpectedWriteSize: w.expectedWrite,
		}, 0, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown operation code %d", ErrCorrupt, w.code)
	}
}

// validate verifies every table reference of the operations is in range.
func (t *Transaction) validate() error {
	for i, op := range t.ops {
		w := toWire(op)
		colls := []uint32{w.coll}
		objs := []uint32{w.obj}
		switch op.(type) {
		case CollAdd, CollMove, SplitCollection2, MergeCollection:
			colls = append(colls, w.coll2)
		case CollMoveRename:
			colls = append(colls, w.coll2)
			objs = append(objs, w.obj2)
		case Clone, CloneRange, CloneRange2, TryRename:
			objs = append(objs, w.obj2)
		}

		switch op.(type) {
		case Nop:
			continue
		case MkColl, CollHint, RmColl, SplitCollection2, MergeCollection, CollSetBits:
			objs = nil
		}

		for _, c := range colls {
			if int(c) >= len(t.collections) {
				return fmt.Errorf("%w: op %d (%s) references collection %d of %d", ErrCorrupt, i, op.Code(), c, len(t.collections))
			}
		}
		for _, o := range objs {
			if int(o) >= len(t.objects) {
				return fmt.Errorf("%w: op %d (%s) references object %d of %d", ErrCorrupt, i, op.Code(), o, len(t.objects))
			}
		}
	}
	return nil
}

// EncodeTransactions encodes the transactions of a batch without its sequence number. Batches are
// encoded before a sequence number is assigned to them and completed with WithSequence.
func EncodeTransactions(transactions []*Transaction) []byte {
	var b []byte
	for _, t := range transactions {
		b = appendBytes(b, batchTransaction, t.Encode())
	}
	return b
}

// WithSequence prepends the sequence number to transactions encoded with EncodeTransactions.
func WithSequence(seq uint64, encoded []byte) []byte {
	b := make([]byte, 0, len(encoded)+protowire.SizeTag(batchSeq)+protowire.SizeVarint(seq))
	b = protowire.AppendTag(b, batchSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, seq)
	return append(b, encoded...)
}

// EncodeBatch encodes the transactions of a batch together with its sequence number. This is
// the payload of a journal entry.
func EncodeBatch(seq uint64, transactions []*Transaction) []byte {
	return WithSequence(seq, EncodeTransactions(transactions))
}

// DecodeBatch decodes a batch encoded with EncodeBatch.
func DecodeBatch(b []byte) (uint64, []*Transaction, error) {
	var seq uint64
	var transactions []*Transaction
	if err := walkMessage(b, func(num protowire.Number, _ protowire.Type, v uint64, value []byte) error {
		switch num {
		case batchSeq:
			seq = v
		case batchTransaction:
			t, err := Decode(value)
			if err != nil {
				return fmt.Errorf("transaction %d: %w", len(transactions), err)
			}
			transactions = append(transactions, t)
		}
		return nil
	}); err != nil {
		return 0, nil, err
	}

	if seq == 0 {
		return 0, nil, fmt.Errorf("%w: missing sequence number", ErrCorrupt)
	}

	return seq, transactions, nil
}
