// Package perm provides constants for file and directory permissions used by
// the object store.
//
// Note that these permissions are further restricted by the system configured
// umask.
package perm

import (
	"io/fs"
)

const (
	// PrivateDir is the permissions given for a directory that must only be
	// accessed by the object store, such as the journal and omap directories.
	PrivateDir fs.FileMode = 0o700

	// SharedDir is the permission given for collection directories under
	// current/.
	SharedDir fs.FileMode = 0o755

	// PrivateFile is the permission given to metadata files such as the
	// superblock, fsid and store_version.
	PrivateFile fs.FileMode = 0o600

	// SharedFile is the permission given for object files and the commit
	// sequence file.
	SharedFile fs.FileMode = 0o644
)
