package filestore

import (
	"errors"
	"fmt"
	"os"

	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"github.com/proxmox/ceph-sub001/internal/log"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// replayGuardXattr records the position of the last non-idempotent operation applied to an
	// object or collection.
	replayGuardXattr = "user.cephos.seq"
	// globalReplayGuardXattr records the position of the last operation that restructured a
	// collection. It guards every object in the collection.
	globalReplayGuardXattr = "user.cephos.gseq"

	guardPosition   protowire.Number = 1
	guardInProgress protowire.Number = 2
)

// ErrInvalidReplayGuard is returned when a stored replay guard cannot be decoded.
var ErrInvalidReplayGuard = errors.New("invalid replay guard")

// ReplayGuard is the position recorded on an object or collection.
type ReplayGuard struct {
	Position transaction.Position
	// InProgress is set while the guarded operation has started but not completed.
	InProgress bool
}

func (g ReplayGuard) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, guardPosition, protowire.BytesType)
	b = protowire.AppendBytes(b, g.Position.Marshal())
	b = protowire.AppendTag(b, guardInProgress, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(g.InProgress))
	return b
}

func unmarshalReplayGuard(b []byte) (ReplayGuard, error) {
	var g ReplayGuard
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ReplayGuard{}, fmt.Errorf("%w: %w", ErrInvalidReplayGuard, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == guardPosition && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ReplayGuard{}, fmt.Errorf("%w: %w", ErrInvalidReplayGuard, protowire.ParseError(n))
			}
			pos, err := transaction.UnmarshalPosition(v)
			if err != nil {
				return ReplayGuard{}, fmt.Errorf("%w: %w", ErrInvalidReplayGuard, err)
			}
			g.Position = pos
			b = b[n:]
		case num == guardInProgress && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ReplayGuard{}, fmt.Errorf("%w: %w", ErrInvalidReplayGuard, protowire.ParseError(n))
			}
			g.InProgress = protowire.DecodeBool(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ReplayGuard{}, fmt.Errorf("%w: %w", ErrInvalidReplayGuard, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return g, nil
}

// ReadReplayGuard returns the replay guard recorded on the file or directory at path. The
// boolean is false if no guard is recorded.
func ReadReplayGuard(path string) (ReplayGuard, bool, error) {
	return readGuard(path, replayGuardXattr)
}

// ReadGlobalReplayGuard returns the global replay guard recorded on the collection directory at
// path. The boolean is false if no guard is recorded.
func ReadGlobalReplayGuard(path string) (ReplayGuard, bool, error) {
	return readGuard(path, globalReplayGuardXattr)
}

func readGuard(path, name string) (ReplayGuard, bool, error) {
	value, err := getXattr(path, name)
	if err != nil {
		if errors.Is(err, unix.ENODATA) {
			return ReplayGuard{}, false, nil
		}
		return ReplayGuard{}, false, err
	}

	g, err := unmarshalReplayGuard(value)
	if err != nil {
		return ReplayGuard{}, false, err
	}
	return g, true, nil
}

// replayContext tells the interpreter whether it is replaying the journal. Replay guards are only
// consulted while replaying on backends without checkpoints, as a rollback to a checkpoint
// discards any partially applied state.
type replayContext struct {
	replaying     bool
	canCheckpoint bool
}

func (rc replayContext) guarded() bool {
	return rc.replaying && !rc.canCheckpoint
}

// guardResult is the outcome of checking a replay guard.
type guardResult int

const (
	// guardSkip means the operation was already applied.
	guardSkip guardResult = -1
	// guardConditional means the operation started but may not have completed.
	guardConditional guardResult = 0
	// guardReplay means the operation was not applied yet.
	guardReplay guardResult = 1
)

func compareGuard(stored ReplayGuard, pos transaction.Position) guardResult {
	switch stored.Position.Compare(pos) {
	case 1:
		return guardSkip
	case 0:
		if stored.InProgress {
			return guardConditional
		}
		return guardSkip
	default:
		return guardReplay
	}
}

func (s *FileStore) logGuard(result guardResult, stored ReplayGuard, pos transaction.Position, what string) {
	logger := s.logger.WithFields(log.Fields{
		"guard":    what,
		"stored":   stored.Position.String(),
		"position": pos.String(),
	})

	switch result {
	case guardSkip:
		logger.Debug("replay guard is now or in the future, skipping replay")
	case guardConditional:
		logger.Debug("replay guard is in progress, conditional replay")
	default:
		logger.Debug("replay guard is in the past, replaying")
	}
}

// checkGuardFile compares the guard stored on an open file or directory with pos.
func (s *FileStore) checkGuardFile(file *os.File, pos transaction.Position, rc replayContext) guardResult {
	if !rc.guarded() {
		return guardReplay
	}

	value, err := fgetXattr(file, replayGuardXattr)
	if err != nil {
		if !errors.Is(err, unix.ENODATA) {
			s.logger.WithError(err).WithField("path", file.Name()).Warn("reading replay guard failed")
		}
		return guardReplay
	}

	stored, err := unmarshalReplayGuard(value)
	if err != nil {
		s.fatal(fmt.Errorf("decode replay guard of %q: %w", file.Name(), err))
		return guardReplay
	}

	result := compareGuard(stored, pos)
	s.logGuard(result, stored, pos, file.Name())
	return result
}

// checkGlobalGuard compares the global guard of the collection with pos. Operations before the
// last restructuring of the collection must not be replayed.
func (s *FileStore) checkGlobalGuard(cid transaction.CollectionID, pos transaction.Position) guardResult {
	value, err := getXattr(s.index.Path(cid), globalReplayGuardXattr)
	if err != nil {
		return guardReplay
	}

	stored, err := unmarshalReplayGuard(value)
	if err != nil {
		s.fatal(fmt.Errorf("decode global replay guard of %s: %w", cid, err))
		return guardReplay
	}

	if pos.Compare(stored.Position) >= 0 {
		return guardReplay
	}
	return guardSkip
}

// checkObjectGuard checks the global guard of the collection and the guard of the object.
// Objects that do not exist have no guard.
func (s *FileStore) checkObjectGuard(cid transaction.CollectionID, oid transaction.ObjectID, pos transaction.Position, rc replayContext) guardResult {
	if !rc.guarded() {
		return guardReplay
	}

	if s.checkGlobalGuard(cid, pos) == guardSkip {
		return guardSkip
	}

	file, release, err := s.openObject(cid, oid, false, rc)
	if err != nil {
		return guardReplay
	}
	defer release()

	return s.checkGuardFile(file, pos, rc)
}

// checkCollectionGuard checks the guard of the collection's directory. Collections that do not
// exist have no guard.
func (s *FileStore) checkCollectionGuard(cid transaction.CollectionID, pos transaction.Position, rc replayContext) guardResult {
	if !rc.guarded() {
		return guardReplay
	}

	dir, err := os.Open(s.index.Path(cid))
	if err != nil {
		return guardReplay
	}
	defer dir.Close()

	return s.checkGuardFile(dir, pos, rc)
}

// setGuardFile records pos on the open file. The file is synced before so the guarded
// operation's effects are durable before the guard claims them, and after so the guard itself is
// durable. Failures are fatal.
func (s *FileStore) setGuardFile(file *os.File, oid *transaction.ObjectID, pos transaction.Position, inProgress bool, rc replayContext) {
	if rc.canCheckpoint {
		return
	}

	s.injectFailure()

	if err := file.Sync(); err != nil {
		s.fatal(fmt.Errorf("sync before replay guard: %w", err))
		return
	}

	// The omap is synced even if the object has no omap entries, as it might have had some
	// which were removed.
	if !inProgress {
		if err := s.omap.Sync(oid, &pos); err != nil {
			s.fatal(fmt.Errorf("sync omap before replay guard: %w", err))
			return
		}
	}

	s.injectFailure()

	guard := ReplayGuard{Position: pos, InProgress: inProgress}
	if err := fsetXattr(file, replayGuardXattr, guard.marshal()); err != nil {
		s.fatal(fmt.Errorf("set replay guard: %w", err))
		return
	}

	if err := file.Sync(); err != nil {
		s.fatal(fmt.Errorf("sync replay guard: %w", err))
		return
	}

	s.injectFailure()
}

// closeGuardFile records that the operation at pos completed.
func (s *FileStore) closeGuardFile(file *os.File, oid *transaction.ObjectID, pos transaction.Position, rc replayContext) {
	if rc.canCheckpoint {
		return
	}

	s.injectFailure()

	if err := s.omap.Sync(oid, &pos); err != nil {
		s.fatal(fmt.Errorf("sync omap before closing replay guard: %w", err))
		return
	}

	guard := ReplayGuard{Position: pos}
	if err := fsetXattr(file, replayGuardXattr, guard.marshal()); err != nil {
		s.fatal(fmt.Errorf("close replay guard: %w", err))
		return
	}

	if err := file.Sync(); err != nil {
		s.fatal(fmt.Errorf("sync closed replay guard: %w", err))
		return
	}

	s.injectFailure()
}

func (s *FileStore) withCollectionDir(cid transaction.CollectionID, fn func(*os.File)) {
	dir, err := os.Open(s.index.Path(cid))
	if err != nil {
		s.fatal(fmt.Errorf("open collection %s for replay guard: %w", cid, err))
		return
	}
	defer dir.Close()

	fn(dir)
}

func (s *FileStore) setCollectionGuard(cid transaction.CollectionID, pos transaction.Position, inProgress bool, rc replayContext) {
	if rc.canCheckpoint {
		return
	}

	s.withCollectionDir(cid, func(dir *os.File) {
		s.setGuardFile(dir, nil, pos, inProgress, rc)
	})
}

func (s *FileStore) closeCollectionGuard(cid transaction.CollectionID, pos transaction.Position, rc replayContext) {
	if rc.canCheckpoint {
		return
	}

	s.withCollectionDir(cid, func(dir *os.File) {
		s.closeGuardFile(dir, nil, pos, rc)
	})
}

// setGlobalGuard records pos on the collection so no operation on its objects before pos is
// replayed. Everything applied so far is made durable first.
func (s *FileStore) setGlobalGuard(cid transaction.CollectionID, pos transaction.Position, rc replayContext) {
	if rc.canCheckpoint {
		return
	}

	if err := s.omap.Sync(nil, nil); err != nil {
		s.fatal(fmt.Errorf("sync omap before global replay guard: %w", err))
		return
	}

	if err := s.backend.Syncfs(); err != nil {
		s.fatal(fmt.Errorf("sync file system before global replay guard: %w", err))
		return
	}

	s.withCollectionDir(cid, func(dir *os.File) {
		s.injectFailure()

		guard := ReplayGuard{Position: pos}
		if err := fsetXattr(dir, globalReplayGuardXattr, guard.marshal()); err != nil {
			s.fatal(fmt.Errorf("set global replay guard: %w", err))
			return
		}

		if err := dir.Sync(); err != nil {
			s.fatal(fmt.Errorf("sync global replay guard: %w", err))
			return
		}

		s.injectFailure()
	})
}
