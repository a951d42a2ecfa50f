package extract

import (
	"log"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/distr1/ptar/flist"
)

// restoreXattrs reapplies e's extended attributes (and, transitively, any
// POSIX ACL, since an ACL is itself stored as the xattr
// "system.posix_acl_access"/"system.posix_acl_default") onto target. Like
// restoreOwnership, a single attribute failing to set (an unsupported
// file system, a name the destination's kernel rejects) is downgraded
// to a logged warning rather than failing the worker, since Preserve is
// a best-effort enhancement, not a correctness requirement.
func restoreXattrs(target string, e flist.Entry, logger *log.Logger) {
	for name, val := range e.Xattrs {
		if err := unix.Lsetxattr(target, name, []byte(val), 0); err != nil {
			logFunc(logger)(xerrors.Errorf("extract: set xattr %s on %s: %w", name, target, err))
		}
	}
}
