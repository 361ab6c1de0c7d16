package filestore

import (
	"fmt"

	"github.com/proxmox/ceph-sub001/internal/config"
)

// JournalMode orders journaling a batch relative to applying it.
type JournalMode int

const (
	// JournalModeNone applies batches without journaling them. Batches become durable with the
	// next commit.
	JournalModeNone JournalMode = iota
	// JournalModeWriteahead journals a batch before applying it.
	JournalModeWriteahead
	// JournalModeParallel journals and applies a batch concurrently. It relies on checkpoints
	// for a consistent recovery point.
	JournalModeParallel
	// JournalModeTrailing applies a batch in the submitting goroutine and journals it
	// afterwards.
	JournalModeTrailing
)

func (m JournalMode) String() string {
	switch m {
	case JournalModeNone:
		return "none"
	case JournalModeWriteahead:
		return "writeahead"
	case JournalModeParallel:
		return "parallel"
	case JournalModeTrailing:
		return "trailing"
	default:
		return fmt.Sprintf("JournalMode(%d)", int(m))
	}
}

// SelectJournalMode picks the journal mode from the configuration. Without a journal batches are
// never journaled. If no mode is configured, parallel mode is used on backends that can take
// checkpoints and write-ahead mode otherwise.
func SelectJournalMode(cfg config.Journal, haveJournal, canCheckpoint bool) (JournalMode, error) {
	enabled := 0
	for _, on := range []bool{cfg.Writeahead, cfg.Parallel, cfg.Trailing} {
		if on {
			enabled++
		}
	}
	if enabled > 1 {
		return JournalModeNone, fmt.Errorf("%w: more than one journal mode enabled", config.ErrInvalidConfiguration)
	}

	switch {
	case !haveJournal:
		return JournalModeNone, nil
	case cfg.Writeahead:
		return JournalModeWriteahead, nil
	case cfg.Parallel:
		return JournalModeParallel, nil
	case cfg.Trailing:
		return JournalModeTrailing, nil
	case canCheckpoint:
		return JournalModeParallel, nil
	default:
		return JournalModeWriteahead, nil
	}
}
