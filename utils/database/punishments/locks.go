package punishments

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// memberLocks serializes mutations per (community, member). Entries are
// reference counted and dropped once nobody holds or waits on them.
type memberLocks struct {
	entries *xsync.MapOf[string, *lockEntry]
}

func newMemberLocks() *memberLocks {
	return &memberLocks{entries: xsync.NewMapOf[string, *lockEntry]()}
}

func memberKey(communityID, memberID string) string {
	return communityID + "\x00" + memberID
}

// lock waits until the key is free or ctx is done and returns the matching unlock.
func (l *memberLocks) lock(ctx context.Context, key string) (func(), error) {
	entry, _ := l.entries.Compute(key, func(old *lockEntry, loaded bool) (*lockEntry, bool) {
		if !loaded {
			old = &lockEntry{sem: make(chan struct{}, 1)}
		}
		old.refs++
		return old, false
	})

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key)
		return nil, ctx.Err()
	}

	return func() {
		<-entry.sem
		l.release(key)
	}, nil
}

func (l *memberLocks) release(key string) {
	l.entries.Compute(key, func(old *lockEntry, loaded bool) (*lockEntry, bool) {
		if !loaded {
			return old, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}

func (l *memberLocks) size() int {
	return l.entries.Size()
}
