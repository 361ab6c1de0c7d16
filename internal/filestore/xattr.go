package filestore

import (
	"errors"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// objectAttrPrefix prefixes the extended attributes storing an object's attributes.
const objectAttrPrefix = "user.ceph."

func getXattr(path, name string) ([]byte, error) {
	return readXattr(func(buf []byte) (int, error) { return unix.Getxattr(path, name, buf) })
}

func fgetXattr(file *os.File, name string) ([]byte, error) {
	return readXattr(func(buf []byte) (int, error) { return unix.Fgetxattr(int(file.Fd()), name, buf) })
}

// readXattr reads a value whose size is queried first. The value may grow between the query and
// the read, in which case the read is retried.
func readXattr(read func([]byte) (int, error)) ([]byte, error) {
	for {
		size, err := read(nil)
		if err != nil {
			return nil, err
		}

		buf := make([]byte, size)
		n, err := read(buf)
		if errors.Is(err, unix.ERANGE) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
}

func fsetXattr(file *os.File, name string, value []byte) error {
	return unix.Fsetxattr(int(file.Fd()), name, value, 0)
}

func fremoveXattr(file *os.File, name string) error {
	return unix.Fremovexattr(int(file.Fd()), name)
}

func flistXattrs(file *os.File) ([]string, error) {
	fd := int(file.Fd())
	for {
		size, err := unix.Flistxattr(fd, nil)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return nil, nil
		}

		buf := make([]byte, size)
		n, err := unix.Flistxattr(fd, buf)
		if errors.Is(err, unix.ERANGE) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var names []string
		for _, name := range strings.Split(string(buf[:n]), "\x00") {
			if name != "" {
				names = append(names, name)
			}
		}
		return names, nil
	}
}

// objectAttrs returns the object attributes stored on the file keyed by attribute name.
func objectAttrs(file *os.File) (map[string][]byte, error) {
	names, err := flistXattrs(file)
	if err != nil {
		return nil, err
	}

	attrs := map[string][]byte{}
	for _, name := range names {
		attr, ok := strings.CutPrefix(name, objectAttrPrefix)
		if !ok {
			continue
		}

		value, err := fgetXattr(file, name)
		if err != nil {
			return nil, err
		}
		attrs[attr] = value
	}
	return attrs, nil
}
