package filestore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/proxmox/ceph-sub001/internal/helper/perm"
	"github.com/proxmox/ceph-sub001/internal/safe"
)

// readOpSeq reads the committed sequence number recorded in current/. A missing file reads as 0.
func readOpSeq(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	seq, err := strconv.ParseUint(string(bytes.TrimSpace(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: committed sequence %q: %w", ErrInvalidStore, data, err)
	}
	return seq, nil
}

// openOpSeq opens the committed sequence file for rewriting at every commit.
func openOpSeq(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, perm.PrivateFile)
}

// writeOpSeq records seq as the committed sequence number. The file is rewritten in place so
// checkpoints taken afterwards capture it.
func (s *FileStore) writeOpSeq(seq uint64) error {
	return writeOpSeqFile(s.opSeq, seq)
}

func writeOpSeqFile(file *os.File, seq uint64) error {
	data := []byte(strconv.FormatUint(seq, 10) + "\n")

	if _, err := file.WriteAt(data, 0); err != nil {
		return err
	}

	if err := file.Truncate(int64(len(data))); err != nil {
		return err
	}

	return file.Sync()
}

// initOpSeq creates the committed sequence file with the initial sequence number.
func initOpSeq(path string, seq uint64) (returnedErr error) {
	file, err := openOpSeq(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil && returnedErr == nil {
			returnedErr = err
		}
	}()

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if err := writeOpSeqFile(file, seq); err != nil {
		return err
	}

	return safe.NewSyncer().SyncParent(path)
}
