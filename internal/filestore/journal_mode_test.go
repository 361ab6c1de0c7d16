package filestore

import (
	"testing"

	"github.com/proxmox/ceph-sub001/internal/config"
	"github.com/stretchr/testify/require"
)

func TestSelectJournalMode(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		desc          string
		cfg           config.Journal
		haveJournal   bool
		canCheckpoint bool
		expectedMode  JournalMode
		expectedErr   error
	}{
		{desc: "no journal", cfg: config.Journal{Writeahead: true}, expectedMode: JournalModeNone},
		{desc: "write-ahead", cfg: config.Journal{Writeahead: true}, haveJournal: true, canCheckpoint: true, expectedMode: JournalModeWriteahead},
		{desc: "parallel", cfg: config.Journal{Parallel: true}, haveJournal: true, expectedMode: JournalModeParallel},
		{desc: "trailing", cfg: config.Journal{Trailing: true}, haveJournal: true, expectedMode: JournalModeTrailing},
		{desc: "default with checkpoints", haveJournal: true, canCheckpoint: true, expectedMode: JournalModeParallel},
		{desc: "default without checkpoints", haveJournal: true, expectedMode: JournalModeWriteahead},
		{
			desc:        "conflicting modes",
			cfg:         config.Journal{Writeahead: true, Parallel: true},
			haveJournal: true,
			expectedErr: config.ErrInvalidConfiguration,
		},
	} {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			mode, err := SelectJournalMode(tc.cfg, tc.haveJournal, tc.canCheckpoint)
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expectedMode, mode)
		})
	}

	require.Equal(t, "writeahead", JournalModeWriteahead.String())
	require.Equal(t, "JournalMode(9)", JournalMode(9).String())
}
