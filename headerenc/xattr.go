package headerenc

import (
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// paxXattrPrefix is the PAX extended-record namespace GNU tar and
// archive/tar both use for a file's extended attributes, including
// POSIX ACLs: on Linux an ACL is itself surfaced as the xattr
// "system.posix_acl_access"/"system.posix_acl_default", so listing
// xattrs picks those up for free alongside ordinary user.* attributes.
const paxXattrPrefix = "SCHILY.xattr."

// collectXattrs reads every extended attribute attached to path and
// returns them keyed the way archive/tar expects to find them in a PAX
// header's extended records. A file with no attributes at all yields a
// nil, nil result.
func collectXattrs(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	size, err := unix.Listxattr(path, nil)
	if err != nil {
		if err == unix.ENOTSUP || err == unix.EOPNOTSUPP {
			return nil, nil
		}
		return nil, xerrors.Errorf("headerenc: list xattrs for %s: %w", path, err)
	}
	if size == 0 {
		return nil, nil
	}
	namebuf := make([]byte, size)
	n, err := unix.Listxattr(path, namebuf)
	if err != nil {
		return nil, xerrors.Errorf("headerenc: list xattrs for %s: %w", path, err)
	}
	names := splitNUL(namebuf[:n])

	var records map[string]string
	for _, name := range names {
		vsize, err := unix.Lgetxattr(path, name, nil)
		if err != nil {
			continue
		}
		if vsize == 0 {
			if records == nil {
				records = map[string]string{}
			}
			records[paxXattrPrefix+name] = ""
			continue
		}
		val := make([]byte, vsize)
		vn, err := unix.Lgetxattr(path, name, val)
		if err != nil {
			continue
		}
		if records == nil {
			records = map[string]string{}
		}
		records[paxXattrPrefix+name] = string(val[:vn])
	}
	return records, nil
}

// splitNUL splits the NUL-separated attribute-name buffer Listxattr
// fills in, per xattr(7).
func splitNUL(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
