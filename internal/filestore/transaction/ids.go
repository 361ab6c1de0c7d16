package transaction

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CollectionKind distinguishes the kinds of collections.
type CollectionKind uint8

const (
	// CollectionMeta is the single collection holding store-wide metadata objects.
	CollectionMeta CollectionKind = iota
	// CollectionPG is a placement group collection.
	CollectionPG
	// CollectionTemp is the temporary shadow of a placement group collection.
	CollectionTemp
)

const (
	headSuffix = "_head"
	tempSuffix = "_TEMP"
)

// ErrInvalidCollectionID is returned when a collection name cannot be parsed.
var ErrInvalidCollectionID = errors.New("invalid collection id")

// CollectionID identifies a collection. Placement group collections are identified by their pool
// and seed and each of them has a temporary shadow collection.
type CollectionID struct {
	Kind CollectionKind
	Pool int64
	Seed uint32
}

// MetaCollection returns the id of the meta collection.
func MetaCollection() CollectionID {
	return CollectionID{Kind: CollectionMeta}
}

// PGCollection returns the id of the head collection of a placement group.
func PGCollection(pool int64, seed uint32) CollectionID {
	return CollectionID{Kind: CollectionPG, Pool: pool, Seed: seed}
}

// IsMeta reports whether this is the meta collection.
func (c CollectionID) IsMeta() bool { return c.Kind == CollectionMeta }

// IsPG reports whether this is the head collection of a placement group.
func (c CollectionID) IsPG() bool { return c.Kind == CollectionPG }

// IsTemp reports whether this is the temporary shadow of a placement group.
func (c CollectionID) IsTemp() bool { return c.Kind == CollectionTemp }

// Temp returns the temporary shadow of a placement group collection. Other collections are
// returned unchanged.
func (c CollectionID) Temp() CollectionID {
	if c.Kind != CollectionPG {
		return c
	}
	c.Kind = CollectionTemp
	return c
}

// Head returns the head collection of a temporary collection. Other collections are returned
// unchanged.
func (c CollectionID) Head() CollectionID {
	if c.Kind != CollectionTemp {
		return c
	}
	c.Kind = CollectionPG
	return c
}

// String returns the collection's name, which is also the name of its directory.
func (c CollectionID) String() string {
	switch c.Kind {
	case CollectionMeta:
		return "meta"
	case CollectionTemp:
		return fmt.Sprintf("%d.%x%s", c.Pool, c.Seed, tempSuffix)
	default:
		return fmt.Sprintf("%d.%x%s", c.Pool, c.Seed, headSuffix)
	}
}

// ParseCollectionID parses a collection name as produced by CollectionID.String.
func ParseCollectionID(name string) (CollectionID, error) {
	if name == "meta" {
		return MetaCollection(), nil
	}

	kind := CollectionPG
	base, ok := strings.CutSuffix(name, headSuffix)
	if !ok {
		if base, ok = strings.CutSuffix(name, tempSuffix); !ok {
			return CollectionID{}, fmt.Errorf("%w: %q", ErrInvalidCollectionID, name)
		}
		kind = CollectionTemp
	}

	poolStr, seedStr, ok := strings.Cut(base, ".")
	if !ok {
		return CollectionID{}, fmt.Errorf("%w: %q", ErrInvalidCollectionID, name)
	}

	pool, err := strconv.ParseInt(poolStr, 10, 64)
	if err != nil {
		return CollectionID{}, fmt.Errorf("%w: pool of %q: %w", ErrInvalidCollectionID, name, err)
	}

	seed, err := strconv.ParseUint(seedStr, 16, 32)
	if err != nil {
		return CollectionID{}, fmt.Errorf("%w: seed of %q: %w", ErrInvalidCollectionID, name, err)
	}

	return CollectionID{Kind: kind, Pool: pool, Seed: uint32(seed)}, nil
}

const (
	// NoSnap is the snapshot id of head objects.
	NoSnap = math.MaxUint64
	// NoGeneration is the generation of objects that are not erasure coded rollback copies.
	NoGeneration = math.MaxUint64
)

// ObjectID identifies an object within a collection.
type ObjectID struct {
	Name       string
	Key        string
	Namespace  string
	Pool       int64
	Hash       uint32
	Snap       uint64
	Generation uint64
}

// NewObjectID returns the id of the head object with the given name in the pool.
func NewObjectID(pool int64, name string, hash uint32) ObjectID {
	return ObjectID{
		Name:       name,
		Pool:       pool,
		Hash:       hash,
		Snap:       NoSnap,
		Generation: NoGeneration,
	}
}

// TempObjectID returns the id of a temporary object staged in the temporary collection of pool.
func TempObjectID(pool int64, name string, hash uint32) ObjectID {
	return NewObjectID(-2-pool, name, hash)
}

// PGMetaObjectID returns the id of the metadata object of the placement group with the given
// seed.
func PGMetaObjectID(pool int64, seed uint32) ObjectID {
	return NewObjectID(pool, "", seed)
}

// IsTemp reports whether the object lives in a temporary pool.
func (o ObjectID) IsTemp() bool {
	return o.Pool <= -2
}

// IsPGMeta reports whether this is a placement group's metadata object, which is a logical
// object that need not exist as a file for omap operations.
func (o ObjectID) IsPGMeta() bool {
	return o.Name == "" && o.Pool >= 0
}

// Matches reports whether the object's hash places it in the collection split with the given
// number of bits and remainder.
func (o ObjectID) Matches(bits uint32, rem uint32) bool {
	if bits >= 32 {
		return o.Hash == rem
	}
	mask := uint32(1)<<bits - 1
	return o.Hash&mask == rem&mask
}

// String returns a human readable representation of the object.
func (o ObjectID) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d:%08x:%s:%s:%s", o.Pool, o.Hash, o.Namespace, o.Key, o.Name)
	if o.Snap == NoSnap {
		b.WriteString(":head")
	} else {
		fmt.Fprintf(&b, ":%x", o.Snap)
	}
	if o.Generation != NoGeneration {
		fmt.Fprintf(&b, ":%x", o.Generation)
	}
	b.WriteString("#")
	return b.String()
}

// Less orders objects by hash first so listing a collection returns objects in hash order.
func (o ObjectID) Less(other ObjectID) bool {
	if o.Hash != other.Hash {
		return o.Hash < other.Hash
	}
	if o.Pool != other.Pool {
		return o.Pool < other.Pool
	}
	if o.Namespace != other.Namespace {
		return o.Namespace < other.Namespace
	}
	if o.Key != other.Key {
		return o.Key < other.Key
	}
	if o.Name != other.Name {
		return o.Name < other.Name
	}
	if o.Snap != other.Snap {
		return o.Snap < other.Snap
	}
	return o.Generation < other.Generation
}

// NeedsTemp reports whether the object has to be staged in the temporary shadow of the
// collection rather than the collection itself.
func NeedsTemp(cid CollectionID, oid ObjectID) bool {
	return cid.IsPG() && oid.Pool <= -1
}

// ErrInvalidObjectName is returned when a file name does not encode an object id.
var ErrInvalidObjectName = errors.New("invalid object file name")

var nameEscaper = strings.NewReplacer(`\`, `\\`, `/`, `\s`, `_`, `\u`, "\x00", `\0`)

func escapeNameComponent(s string) string {
	s = nameEscaper.Replace(s)
	if strings.HasPrefix(s, ".") {
		s = `\d` + s[1:]
	}
	return s
}

func unescapeNameComponent(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 == len(s) {
			return "", fmt.Errorf("%w: dangling escape in %q", ErrInvalidObjectName, s)
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 's':
			b.WriteByte('/')
		case 'u':
			b.WriteByte('_')
		case '0':
			b.WriteByte(0)
		case 'd':
			b.WriteByte('.')
		default:
			return "", fmt.Errorf("%w: unknown escape %q in %q", ErrInvalidObjectName, s[i], s)
		}
	}
	return b.String(), nil
}

// FileName returns the object's name on disk. The name is unique per object and can be parsed
// back with ParseFileName.
func (o ObjectID) FileName() string {
	snap := "head"
	if o.Snap != NoSnap {
		snap = strconv.FormatUint(o.Snap, 16)
	}
	generation := "none"
	if o.Generation != NoGeneration {
		generation = strconv.FormatUint(o.Generation, 16)
	}

	return strings.Join([]string{
		escapeNameComponent(o.Name),
		escapeNameComponent(o.Key),
		escapeNameComponent(o.Namespace),
		fmt.Sprintf("%08X", o.Hash),
		snap,
		generation,
		strconv.FormatInt(o.Pool, 10),
	}, "_")
}

// ParseFileName parses a file name produced by FileName.
func ParseFileName(name string) (ObjectID, error) {
	parts := strings.Split(name, "_")
	if len(parts) != 7 {
		return ObjectID{}, fmt.Errorf("%w: %q", ErrInvalidObjectName, name)
	}

	var oid ObjectID
	var err error
	for i, dst := range []*string{&oid.Name, &oid.Key, &oid.Namespace} {
		if *dst, err = unescapeNameComponent(parts[i]); err != nil {
			return ObjectID{}, err
		}
	}

	hash, err := strconv.ParseUint(parts[3], 16, 32)
	if err != nil {
		return ObjectID{}, fmt.Errorf("%w: hash of %q: %w", ErrInvalidObjectName, name, err)
	}
	oid.Hash = uint32(hash)

	oid.Snap = NoSnap
	if parts[4] != "head" {
		if oid.Snap, err = strconv.ParseUint(parts[4], 16, 64); err != nil {
			return ObjectID{}, fmt.Errorf("%w: snap of %q: %w", ErrInvalidObjectName, name, err)
		}
	}

	oid.Generation = NoGeneration
	if parts[5] != "none" {
		if oid.Generation, err = strconv.ParseUint(parts[5], 16, 64); err != nil {
			return ObjectID{}, fmt.Errorf("%w: generation of %q: %w", ErrInvalidObjectName, name, err)
		}
	}

	if oid.Pool, err = strconv.ParseInt(parts[6], 10, 64); err != nil {
		return ObjectID{}, fmt.Errorf("%w: pool of %q: %w", ErrInvalidObjectName, name, err)
	}

	return oid, nil
}
