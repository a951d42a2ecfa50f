package extract

import (
	"log"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/xerrors"

	"github.com/distr1/ptar/flist"
)

// ownerCache memoizes name->id lookups, since most entries in a tree
// share the same handful of owners and groups. Each rank owns its own
// cache; like the file-descriptor cache, it is never shared across
// workers.
type ownerCache struct {
	uid map[string]int
	gid map[string]int
}

func newOwnerCache() *ownerCache {
	return &ownerCache{uid: map[string]int{}, gid: map[string]int{}}
}

func (c *ownerCache) lookupUID(name string) (int, error) {
	if name == "" {
		return -1, nil
	}
	if id, ok := c.uid[name]; ok {
		return id, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	id, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, err
	}
	c.uid[name] = id
	return id, nil
}

func (c *ownerCache) lookupGID(name string) (int, error) {
	if name == "" {
		return -1, nil
	}
	if id, ok := c.gid[name]; ok {
		return id, nil
	}
	grp, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	id, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return 0, err
	}
	c.gid[name] = id
	return id, nil
}

// restoreOwnership applies e's Owner/Group to target via os.Lchown when
// Preserve mode is set. Ownership restoration is opt-in and best-effort:
// an unprivileged process or a name with no local account is a routine,
// expected failure mode here, not a reason to fail the whole extraction,
// so it is downgraded to a logged warning.
func restoreOwnership(cache *ownerCache, target string, e flist.Entry, logger *log.Logger) {
	if e.Owner == "" && e.Group == "" {
		return
	}
	uid, err := cache.lookupUID(e.Owner)
	if err != nil {
		logFunc(logger)(xerrors.Errorf("extract: lookup owner %q for %s: %w", e.Owner, e.RelPath, err))
		return
	}
	gid, err := cache.lookupGID(e.Group)
	if err != nil {
		logFunc(logger)(xerrors.Errorf("extract: lookup group %q for %s: %w", e.Group, e.RelPath, err))
		return
	}
	if err := os.Lchown(target, uid, gid); err != nil {
		logFunc(logger)(xerrors.Errorf("extract: chown %s: %w", target, err))
	}
}
