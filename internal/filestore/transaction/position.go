package transaction

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	positionSeq   protowire.Number = 1
	positionTrans protowire.Number = 2
	positionOp    protowire.Number = 3
)

// Position identifies a single operation of a journaled batch: the batch's sequence number, the
// index of the transaction within the batch and the index of the operation within the
// transaction. Positions are totally ordered and are recorded next to mutated state so replaying
// the journal can tell which operations already took effect.
type Position struct {
	Seq   uint64
	Trans uint32
	Op    uint32
}

// Compare returns -1, 0 or 1 if p is respectively before, equal to or after other.
func (p Position) Compare(other Position) int {
	switch {
	case p.Seq != other.Seq:
		return compare(p.Seq, other.Seq)
	case p.Trans != other.Trans:
		return compare(uint64(p.Trans), uint64(other.Trans))
	default:
		return compare(uint64(p.Op), uint64(other.Op))
	}
}

func compare(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// String returns the position as seq.trans.op.
func (p Position) String() string {
	return fmt.Sprintf("%d.%d.%d", p.Seq, p.Trans, p.Op)
}

// Marshal encodes the position.
func (p Position) Marshal() []byte {
	var b []byte
	b = appendVarint(b, positionSeq, p.Seq)
	b = appendVarint(b, positionTrans, uint64(p.Trans))
	b = appendVarint(b, positionOp, uint64(p.Op))
	return b
}

// UnmarshalPosition decodes a position encoded with Marshal.
func UnmarshalPosition(b []byte) (Position, error) {
	var p Position
	if err := walkMessage(b, func(num protowire.Number, _ protowire.Type, v uint64, _ []byte) error {
		switch num {
		case positionSeq:
			p.Seq = v
		case positionTrans:
			p.Trans = uint32(v)
		case positionOp:
			p.Op = uint32(v)
		}
		return nil
	}); err != nil {
		return Position{}, fmt.Errorf("position: %w", err)
	}
	return p, nil
}
