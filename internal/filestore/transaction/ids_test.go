package transaction

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollectionID_String(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		desc     string
		cid      CollectionID
		expected string
	}{
		{desc: "meta", cid: MetaCollection(), expected: "meta"},
		{desc: "pg", cid: PGCollection(1, 0x1f), expected: "1.1f_head"},
		{desc: "temp", cid: PGCollection(3, 0).Temp(), expected: "3.0_TEMP"},
		{desc: "negative pool", cid: PGCollection(-1, 2), expected: "-1.2_head"},
	} {
		tc := tc

		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.expected, tc.cid.String())

			parsed, err := ParseCollectionID(tc.expected)
			require.NoError(t, err)
			require.Equal(t, tc.cid, parsed)
		})
	}
}

func TestParseCollectionID_invalid(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "pg", "1_head", "x.1_head", "1.zz_head", "1.1_tail"} {
		_, err := ParseCollectionID(name)
		require.ErrorIs(t, err, ErrInvalidCollectionID, name)
	}
}

func TestCollectionID_TempHead(t *testing.T) {
	t.Parallel()

	pg := PGCollection(1, 7)
	require.True(t, pg.IsPG())
	require.True(t, pg.Temp().IsTemp())
	require.Equal(t, pg, pg.Temp().Head())
	require.Equal(t, MetaCollection(), MetaCollection().Temp())
	require.Equal(t, pg, pg.Head())
}

func TestNeedsTemp(t *testing.T) {
	t.Parallel()

	pg := PGCollection(1, 0)
	require.True(t, NeedsTemp(pg, TempObjectID(1, "tmp", 0)))
	require.False(t, NeedsTemp(pg, NewObjectID(1, "obj", 0)))
	require.False(t, NeedsTemp(MetaCollection(), NewObjectID(-1, "osdmap", 0)))
	require.False(t, NeedsTemp(pg.Temp(), TempObjectID(1, "tmp", 0)))
}

func TestObjectID(t *testing.T) {
	t.Parallel()

	oid := NewObjectID(1, "obj", 0xabcd)
	require.False(t, oid.IsTemp())
	require.False(t, oid.IsPGMeta())
	require.True(t, PGMetaObjectID(1, 3).IsPGMeta())
	require.True(t, TempObjectID(1, "x", 0).IsTemp())
	require.Equal(t, "#1:0000abcd:::obj:head#", oid.String())

	require.True(t, oid.Matches(4, 0xd))
	require.False(t, oid.Matches(4, 0xc))
	require.True(t, oid.Matches(0, 0))
	require.True(t, oid.Matches(32, 0xabcd))

	require.True(t, NewObjectID(1, "b", 1).Less(NewObjectID(1, "a", 2)))
	require.True(t, NewObjectID(1, "a", 1).Less(NewObjectID(1, "b", 1)))
	require.False(t, oid.Less(oid))
}

func TestObjectID_FileName(t *testing.T) {
	t.Parallel()

	snapshot := NewObjectID(1, "snapped", 7)
	snapshot.Snap = 0x1a
	snapshot.Generation = 3

	for _, tc := range []struct {
		desc     string
		oid      ObjectID
		expected string
	}{
		{desc: "head object", oid: NewObjectID(1, "object", 0xabc), expected: "object___00000ABC_head_none_1"},
		{desc: "separators", oid: ObjectID{Name: "a_b/c", Key: `k\`, Namespace: "ns", Pool: 2, Snap: NoSnap, Generation: NoGeneration}, expected: `a\ub\sc_k\\_ns_00000000_head_none_2`},
		{desc: "leading dot", oid: NewObjectID(0, ".hidden", 1), expected: `\dhidden___00000001_head_none_0`},
		{desc: "snapshot", oid: snapshot, expected: "snapped___00000007_1a_3_1"},
		{desc: "temp", oid: TempObjectID(1, "tmp", 2), expected: "tmp___00000002_head_none_-3"},
		{desc: "pg meta", oid: PGMetaObjectID(4, 9), expected: "___00000009_head_none_4"},
	} {
		tc := tc

		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.expected, tc.oid.FileName())

			parsed, err := ParseFileName(tc.expected)
			require.NoError(t, err)
			require.Equal(t, tc.oid, parsed)
		})
	}
}

func TestParseFileName_invalid(t *testing.T) {
	t.Parallel()

	for _, name := range []string{
		"",
		"object",
		"object___XYZ_head_none_1",
		"object___00000001_zz_none_1",
		"object___00000001_head_none_pool",
		`bad\x___00000001_head_none_1`,
		`dangling\___00000001_head_none_1`,
	} {
		_, err := ParseFileName(name)
		require.ErrorIs(t, err, ErrInvalidObjectName, name)
	}
}

func TestPosition(t *testing.T) {
	t.Parallel()

	ordered := []Position{
		{Seq: 1},
		{Seq: 1, Op: 3},
		{Seq: 1, Trans: 1},
		{Seq: 2},
		{Seq: 2, Trans: 1, Op: 1},
	}

	for i := range ordered {
		for j := range ordered {
			expected := 0
			if i < j {
				expected = -1
			} else if i > j {
				expected = 1
			}
			require.Equal(t, expected, ordered[i].Compare(ordered[j]), "%s vs %s", ordered[i], ordered[j])
		}
	}

	pos := Position{Seq: 42, Trans: 1, Op: 9}
	require.Equal(t, "42.1.9", pos.String())

	decoded, err := UnmarshalPosition(pos.Marshal())
	require.NoError(t, err)
	require.Equal(t, pos, decoded)

	_, err = UnmarshalPosition([]byte{0x08})
	require.ErrorIs(t, err, ErrCorrupt)
}
