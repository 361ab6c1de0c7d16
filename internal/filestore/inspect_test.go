package filestore

import (
	"testing"

	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"github.com/proxmox/ceph-sub001/internal/testhelper"
	"github.com/stretchr/testify/require"
)

func TestInspect(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		desc        string
		checkpoints bool
	}{
		{desc: "generic backend"},
		{desc: "checkpoint backend", checkpoints: true},
	} {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(t)
			if tc.checkpoints {
				cfg = testConfig(t, withCheckpoints)
			}

			s := setupStore(t, cfg)
			queue(t, s, testPG, createCollectionTx(testPG))
			require.NoError(t, s.Umount(testhelper.Context(t)))

			info, err := Inspect(cfg.BasePath)
			require.NoError(t, err)
			require.Equal(t, s.FSID(), info.FSID)
			require.Equal(t, StoreVersion, info.Version)
			require.Equal(t, defaultSuperblock(), info.Superblock)
			require.Equal(t, uint64(2), info.CommittedSeq)

			if tc.checkpoints {
				require.Equal(t, []uint64{1, 2}, info.Checkpoints)
				require.False(t, info.NoSnap)
			} else {
				require.Empty(t, info.Checkpoints)
				require.True(t, info.NoSnap)
			}
		})
	}

	t.Run("missing store", func(t *testing.T) {
		t.Parallel()

		_, err := Inspect(t.TempDir())
		require.Error(t, err)
	})
}

func TestWalkReplayGuards(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	s := setupStore(t, cfg)

	source, dest := testObject("source"), testObject("dest")

	tx := createCollectionTx(testPG)
	tx.Write(testPG, source, 0, []byte("data"), 0)
	tx.Clone(testPG, source, dest)
	queue(t, s, testPG, tx)
	require.NoError(t, s.Umount(testhelper.Context(t)))

	var records []GuardRecord
	require.NoError(t, WalkReplayGuards(cfg.BasePath, func(record GuardRecord) error {
		records = append(records, record)
		return nil
	}))

	require.ElementsMatch(t, []GuardRecord{
		{
			Kind:       GuardKindCollection,
			Collection: testPG,
			Guard:      ReplayGuard{Position: transaction.Position{Seq: 2, Trans: 0, Op: 0}},
		},
		{
			Kind:       GuardKindCollection,
			Collection: testPG.Temp(),
			Guard:      ReplayGuard{Position: transaction.Position{Seq: 2, Trans: 0, Op: 0}},
		},
		{
			Kind:       GuardKindObject,
			Collection: testPG,
			Object:     dest,
			Guard:      ReplayGuard{Position: transaction.Position{Seq: 2, Trans: 0, Op: 2}},
		},
	}, records)
}
