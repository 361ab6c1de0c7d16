package transaction

// Code identifies the kind of an operation. The values are part of the journal format and must
// not be renumbered.
type Code uint8

// Operation codes.
const (
	CodeNop Code = iota
	CodeTouch
	CodeWrite
	CodeZero
	CodeTruncate
	CodeRemove
	CodeSetAttr
	CodeSetAttrs
	CodeRmAttr
	CodeRmAttrs
	CodeClone
	CodeCloneRange
	CodeCloneRange2
	CodeMkColl
	CodeCollHint
	CodeRmColl
	CodeCollAdd
	CodeCollRemove
	CodeCollMove
	CodeCollMoveRename
	CodeTryRename
	CodeOmapClear
	CodeOmapSetKeys
	CodeOmapRmKeys
	CodeOmapRmKeyRange
	CodeOmapSetHeader
	CodeSplitCollection2
	CodeMergeCollection
	CodeCollSetBits
	CodeSetAllocHint
	codeCount
)

var codeNames = [...]string{
	CodeNop:              "nop",
	CodeTouch:            "touch",
	CodeWrite:            "write",
	CodeZero:             "zero",
	CodeTruncate:         "truncate",
	CodeRemove:           "remove",
	CodeSetAttr:          "setattr",
	CodeSetAttrs:         "setattrs",
	CodeRmAttr:           "rmattr",
	CodeRmAttrs:          "rmattrs",
	CodeClone:            "clone",
	CodeCloneRange:       "clonerange",
	CodeCloneRange2:      "clonerange2",
	CodeMkColl:           "mkcoll",
	CodeCollHint:         "coll_hint",
	CodeRmColl:           "rmcoll",
	CodeCollAdd:          "coll_add",
	CodeCollRemove:       "coll_remove",
	CodeCollMove:         "coll_move",
	CodeCollMoveRename:   "coll_move_rename",
	CodeTryRename:        "try_rename",
	CodeOmapClear:        "omap_clear",
	CodeOmapSetKeys:      "omap_setkeys",
	CodeOmapRmKeys:       "omap_rmkeys",
	CodeOmapRmKeyRange:   "omap_rmkeyrange",
	CodeOmapSetHeader:    "omap_setheader",
	CodeSplitCollection2: "split_collection2",
	CodeMergeCollection:  "merge_collection",
	CodeCollSetBits:      "coll_setbits",
	CodeSetAllocHint:     "setallochint",
}

func (c Code) String() string {
	if c < codeCount {
		return codeNames[c]
	}
	return "unknown"
}

// Op is a single primitive operation of a transaction. The set of operations is closed, every
// implementation is declared in this package. Collections and objects are referenced by their
// index into the owning transaction's tables.
type Op interface {
	// Code returns the operation's code.
	Code() Code
	isOp()
}

// Nop does nothing.
type Nop struct{}

// Touch creates the object if it does not exist.
type Touch struct {
	Coll, Obj uint32
}

// Write writes Data at Offset, creating the object if needed.
type Write struct {
	Coll, Obj uint32
	Offset    uint64
	Data      []byte
	// Fadvise carries the caller's access pattern hints.
	Fadvise uint32
}

// Zero zeroes Length bytes at Offset.
type Zero struct {
	Coll, Obj      uint32
	Offset, Length uint64
}

// Truncate sets the object's size.
type Truncate struct {
	Coll, Obj uint32
	Size      uint64
}

// Remove removes the object with its attributes and omap.
type Remove struct {
	Coll, Obj uint32
}

// SetAttr sets a single extended attribute.
type SetAttr struct {
	Coll, Obj uint32
	Name      string
	Value     []byte
}

// SetAttrs sets multiple extended attributes.
type SetAttrs struct {
	Coll, Obj uint32
	Attrs     map[string][]byte
}

// RmAttr removes a single extended attribute.
type RmAttr struct {
	Coll, Obj uint32
	Name      string
}

// RmAttrs removes all extended attributes.
type RmAttrs struct {
	Coll, Obj uint32
}

// Clone replaces Dest with a copy of Obj including attributes and omap.
type Clone struct {
	Coll, Obj, Dest uint32
}

// CloneRange copies Length bytes at Offset of Obj to the same offset of Dest.
type CloneRange struct {
	Coll, Obj, Dest uint32
	Offset, Length  uint64
}

// CloneRange2 copies Length bytes at SrcOffset of Obj to DestOffset of Dest.
type CloneRange2 struct {
	Coll, Obj, Dest uint32
	SrcOffset       uint64
	Length          uint64
	DestOffset      uint64
}

// MkColl creates a collection.
type MkColl struct {
	Coll uint32
	Bits uint32
}

// CollHint passes an advisory hint about the expected collection contents.
type CollHint struct {
	Coll uint32
	Type uint32
	Hint []byte
}

// RmColl removes an empty collection.
type RmColl struct {
	Coll uint32
}

// CollAdd links Obj of SrcColl into Coll. It is always followed by a CollRemove of the
// object from SrcColl.
type CollAdd struct {
	Coll, SrcColl, Obj uint32
}

// CollRemove unlinks the object from the collection.
type CollRemove struct {
	Coll, Obj uint32
}

// CollMove moves the object from SrcColl to Coll. It is kept for old journals only.
type CollMove struct {
	Coll, SrcColl, Obj uint32
}

// CollMoveRename moves OldObj of OldColl to NewObj of NewColl.
type CollMoveRename struct {
	OldColl, OldObj uint32
	NewColl, NewObj uint32
}

// TryRename renames OldObj to NewObj within the collection if OldObj exists.
type TryRename struct {
	Coll, OldObj, NewObj uint32
}

// OmapClear removes the omap header and keys.
type OmapClear struct {
	Coll, Obj uint32
}

// OmapSetKeys sets omap keys.
type OmapSetKeys struct {
	Coll, Obj uint32
	Keys      map[string][]byte
}

// OmapRmKeys removes omap keys.
type OmapRmKeys struct {
	Coll, Obj uint32
	Keys      []string
}

// OmapRmKeyRange removes the omap keys in [First, Last).
type OmapRmKeyRange struct {
	Coll, Obj   uint32
	First, Last string
}

// OmapSetHeader sets the omap header.
type OmapSetHeader struct {
	Coll, Obj uint32
	Header    []byte
}

// SplitCollection2 moves the objects of Coll matching Bits and Rem into Dest.
type SplitCollection2 struct {
	Coll, Dest uint32
	Bits, Rem  uint32
}

// MergeCollection merges Coll into Dest, which then uses Bits.
type MergeCollection struct {
	Coll, Dest uint32
	Bits       uint32
}

// CollSetBits records the split bits of a collection.
type CollSetBits struct {
	Coll uint32
	Bits uint32
}

// SetAllocHint hints the expected object and write sizes.
type SetAllocHint struct {
	Coll, Obj          uint32
	ExpectedObjectSize uint64
	ExpectedWriteSize  uint64
	Flags              uint32
}

func (Nop) Code() Code              { return CodeNop }
func (Touch) Code() Code            { return CodeTouch }
func (Write) Code() Code            { return CodeWrite }
func (Zero) Code() Code             { return CodeZero }
func (Truncate) Code() Code         { return CodeTruncate }
func (Remove) Code() Code           { return CodeRemove }
func (SetAttr) Code() Code          { return CodeSetAttr }
func (SetAttrs) Code() Code         { return CodeSetAttrs }
func (RmAttr) Code() Code           { return CodeRmAttr }
func (RmAttrs) Code() Code          { return CodeRmAttrs }
func (Clone) Code() Code            { return CodeClone }
func (CloneRange) Code() Code       { return CodeCloneRange }
func (CloneRange2) Code() Code      { return CodeCloneRange2 }
func (MkColl) Code() Code           { return CodeMkColl }
func (CollHint) Code() Code         { return CodeCollHint }
func (RmColl) Code() Code           { return CodeRmColl }
func (CollAdd) Code() Code          { return CodeCollAdd }
func (CollRemove) Code() Code       { return CodeCollRemove }
func (CollMove) Code() Code         { return CodeCollMove }
func (CollMoveRename) Code() Code   { return CodeCollMoveRename }
func (TryRename) Code() Code        { return CodeTryRename }
func (OmapClear) Code() Code        { return CodeOmapClear }
func (OmapSetKeys) Code() Code      { return CodeOmapSetKeys }
func (OmapRmKeys) Code() Code       { return CodeOmapRmKeys }
func (OmapRmKeyRange) Code() Code   { return CodeOmapRmKeyRange }
func (OmapSetHeader) Code() Code    { return CodeOmapSetHeader }
func (SplitCollection2) Code() Code { return CodeSplitCollection2 }
func (MergeCollection) Code() Code  { return CodeMergeCollection }
func (CollSetBits) Code() Code      { return CodeCollSetBits }
func (SetAllocHint) Code() Code     { return CodeSetAllocHint }

func (Nop) isOp()              {}
func (Touch) isOp()            {}
func (Write) isOp()            {}
func (Zero) isOp()             {}
func (Truncate) isOp()         {}
func (Remove) isOp()           {}
func (SetAttr) isOp()          {}
func (SetAttrs) isOp()         {}
func (RmAttr) isOp()           {}
func (RmAttrs) isOp()          {}
func (Clone) isOp()            {}
func (CloneRange) isOp()       {}
func (CloneRange2) isOp()      {}
func (MkColl) isOp()           {}
func (CollHint) isOp()         {}
func (RmColl) isOp()           {}
func (CollAdd) isOp()          {}
func (CollRemove) isOp()       {}
func (CollMove) isOp()         {}
func (CollMoveRename) isOp()   {}
func (TryRename) isOp()        {}
func (OmapClear) isOp()        {}
func (OmapSetKeys) isOp()      {}
func (OmapRmKeys) isOp()       {}
func (OmapRmKeyRange) isOp()   {}
func (OmapSetHeader) isOp()    {}
func (SplitCollection2) isOp() {}
func (MergeCollection) isOp()  {}
func (CollSetBits) isOp()      {}
func (SetAllocHint) isOp()     {}
