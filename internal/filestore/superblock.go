package filestore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/proxmox/ceph-sub001/internal/helper/perm"
	"github.com/proxmox/ceph-sub001/internal/safe"
	"golang.org/x/sys/unix"
)

// StoreVersion is the on-disk format version written by Mkfs.
const StoreVersion = 4

const omapBackendBadger = "badger"

// Features the store may rely on. A store mounted by a binary that does not know one of the
// features recorded in its superblock is refused.
const (
	FeatureInitial       = "initial"
	FeatureSharded       = "sharded_objects"
	FeatureReplayGuards  = "replay_guards"
	FeatureObjectMapSeqs = "omap_positions"
)

var supportedFeatures = []string{FeatureInitial, FeatureSharded, FeatureReplayGuards, FeatureObjectMapSeqs}

// Superblock records the features and the object map backend of a store.
type Superblock struct {
	Compat      []string `toml:"compat"`
	OmapBackend string   `toml:"omap_backend"`
}

func defaultSuperblock() Superblock {
	return Superblock{
		Compat:      slices.Clone(supportedFeatures),
		OmapBackend: omapBackendBadger,
	}
}

func (sb Superblock) validate() error {
	for _, feature := range sb.Compat {
		if !slices.Contains(supportedFeatures, feature) {
			return fmt.Errorf("%w: unsupported feature %q", ErrInvalidStore, feature)
		}
	}

	if sb.OmapBackend != omapBackendBadger {
		return fmt.Errorf("%w: unsupported object map backend %q", ErrInvalidStore, sb.OmapBackend)
	}

	return nil
}

// ReadSuperblock reads the superblock of the store at basePath.
func ReadSuperblock(basePath string) (Superblock, error) {
	data, err := os.ReadFile(filepath.Join(basePath, superblockFile))
	if err != nil {
		return Superblock{}, fmt.Errorf("read superblock: %w", err)
	}

	var sb Superblock
	if err := toml.Unmarshal(data, &sb); err != nil {
		return Superblock{}, fmt.Errorf("%w: decode superblock: %w", ErrInvalidStore, err)
	}
	return sb, nil
}

func writeSuperblock(basePath string, sb Superblock) error {
	data, err := toml.Marshal(sb)
	if err != nil {
		return fmt.Errorf("encode superblock: %w", err)
	}
	return safe.WriteFile(filepath.Join(basePath, superblockFile), data, perm.PrivateFile)
}

// ReadVersion reads the on-disk format version of the store at basePath.
func ReadVersion(basePath string) (int, error) {
	data, err := os.ReadFile(filepath.Join(basePath, versionFile))
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}

	version, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: version %q: %w", ErrInvalidStore, data, err)
	}
	return version, nil
}

func writeVersion(basePath string) error {
	return safe.WriteFile(filepath.Join(basePath, versionFile), []byte(strconv.Itoa(StoreVersion)+"\n"), perm.PrivateFile)
}

// ReadFSID reads the identifier of the store at basePath.
func ReadFSID(basePath string) (uuid.UUID, error) {
	data, err := os.ReadFile(filepath.Join(basePath, fsidFile))
	if err != nil {
		return uuid.Nil, err
	}

	id, err := uuid.ParseBytes(bytes.TrimSpace(data))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: fsid: %w", ErrInvalidStore, err)
	}
	return id, nil
}

// Lock takes the lock a mounted store holds on the store at basePath. It fails with
// ErrStoreLocked while the store is mounted, so offline tools can inspect the store safely.
func Lock(basePath string) (io.Closer, error) {
	if _, err := os.Stat(filepath.Join(basePath, fsidFile)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStore, err)
	}
	return lockFSID(basePath)
}

// lockFSID opens the fsid file and takes an exclusive lock on it so a store is used by a single
// process at a time.
func lockFSID(basePath string) (*os.File, error) {
	file, err := os.OpenFile(filepath.Join(basePath, fsidFile), os.O_RDWR|os.O_CREATE, perm.PrivateFile)
	if err != nil {
		return nil, fmt.Errorf("open fsid: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrStoreLocked
		}
		return nil, fmt.Errorf("lock fsid: %w", err)
	}

	return file, nil
}

// setupFSID records id in the locked fsid file unless it already holds an identifier. An
// existing identifier must match id unless id is nil. It returns the store's identifier.
func setupFSID(file *os.File, id uuid.UUID) (uuid.UUID, error) {
	existing, err := ReadFSID(filepath.Dir(file.Name()))
	switch {
	case err == nil:
		if id != uuid.Nil && existing != id {
			return uuid.Nil, fmt.Errorf("%w: store has fsid %s, expected %s", ErrInvalidStore, existing, id)
		}
		return existing, nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, ErrInvalidStore):
	default:
		return uuid.Nil, err
	}

	if id == uuid.Nil {
		if id, err = uuid.NewRandom(); err != nil {
			return uuid.Nil, fmt.Errorf("generate fsid: %w", err)
		}
	}

	if err := file.Truncate(0); err != nil {
		return uuid.Nil, err
	}

	if _, err := file.WriteAt([]byte(id.String()+"\n"), 0); err != nil {
		return uuid.Nil, err
	}

	if err := file.Sync(); err != nil {
		return uuid.Nil, err
	}

	return id, safe.NewSyncer().SyncParent(file.Name())
}
