package filestore

import (
	"testing"

	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestReplayGuard_encoding(t *testing.T) {
	t.Parallel()

	guard := ReplayGuard{Position: transaction.Position{Seq: 5, Trans: 1, Op: 2}, InProgress: true}

	decoded, err := unmarshalReplayGuard(guard.marshal())
	require.NoError(t, err)
	require.Equal(t, guard, decoded)

	// Fields added later are skipped.
	extended := protowire.AppendTag(guard.marshal(), 15, protowire.BytesType)
	extended = protowire.AppendBytes(extended, []byte("future"))
	decoded, err = unmarshalReplayGuard(extended)
	require.NoError(t, err)
	require.Equal(t, guard, decoded)

	_, err = unmarshalReplayGuard([]byte{0xff})
	require.ErrorIs(t, err, ErrInvalidReplayGuard)
}

func TestCompareGuard(t *testing.T) {
	t.Parallel()

	pos := transaction.Position{Seq: 5, Trans: 0, Op: 2}

	for _, tc := range []struct {
		desc     string
		stored   ReplayGuard
		expected guardResult
	}{
		{
			desc:     "guard in the past",
			stored:   ReplayGuard{Position: transaction.Position{Seq: 5, Trans: 0, Op: 1}},
			expected: guardReplay,
		},
		{
			desc:     "guard in the future",
			stored:   ReplayGuard{Position: transaction.Position{Seq: 6}},
			expected: guardSkip,
		},
		{
			desc:     "completed guard at the position",
			stored:   ReplayGuard{Position: pos},
			expected: guardSkip,
		},
		{
			desc:     "in progress guard at the position",
			stored:   ReplayGuard{Position: pos, InProgress: true},
			expected: guardConditional,
		},
		{
			desc:     "in progress guard in the future",
			stored:   ReplayGuard{Position: transaction.Position{Seq: 5, Trans: 1}, InProgress: true},
			expected: guardSkip,
		},
	} {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, compareGuard(tc.stored, pos))
		})
	}
}

func TestErrorTolerated(t *testing.T) {
	t.Parallel()

	guarded := replayContext{replaying: true}
	live := replayContext{}
	checkpointed := replayContext{replaying: true, canCheckpoint: true}

	for _, tc := range []struct {
		desc      string
		code      transaction.Code
		err       error
		rc        replayContext
		tolerated bool
	}{
		{desc: "missing object on remove", code: transaction.CodeRemove, err: unix.ENOENT, rc: live, tolerated: true},
		{desc: "missing clone source", code: transaction.CodeClone, err: unix.ENOENT, rc: live},
		{desc: "missing clone source while replaying", code: transaction.CodeClone, err: unix.ENOENT, rc: guarded, tolerated: true},
		{desc: "missing omap object", code: transaction.CodeOmapSetKeys, err: unix.ENOENT, rc: checkpointed},
		{desc: "missing attribute", code: transaction.CodeRmAttr, err: unix.ENODATA, rc: live, tolerated: true},
		{desc: "advisory allocation hint", code: transaction.CodeSetAllocHint, err: unix.EINVAL, rc: live, tolerated: true},
		{desc: "existing collection while replaying", code: transaction.CodeMkColl, err: unix.EEXIST, rc: guarded, tolerated: true},
		{desc: "existing collection", code: transaction.CodeMkColl, err: unix.EEXIST, rc: live},
		{desc: "existing object while replaying", code: transaction.CodeTouch, err: unix.EEXIST, rc: guarded},
		{desc: "attribute too large while replaying", code: transaction.CodeSetAttr, err: unix.ERANGE, rc: guarded, tolerated: true},
		{desc: "out of space", code: transaction.CodeWrite, err: unix.ENOSPC, rc: guarded},
		{desc: "split of a missing collection", code: transaction.CodeSplitCollection2, err: unix.ENOENT, rc: live},
		{desc: "split of a missing collection while replaying", code: transaction.CodeSplitCollection2, err: unix.ENOENT, rc: guarded, tolerated: true},
		{desc: "merge of a missing collection", code: transaction.CodeMergeCollection, err: unix.ENOENT, rc: live},
		{desc: "merge of a missing collection after a checkpoint", code: transaction.CodeMergeCollection, err: unix.ENOENT, rc: checkpointed},
	} {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.tolerated, errorTolerated(tc.code, tc.err, tc.rc))
		})
	}
}
