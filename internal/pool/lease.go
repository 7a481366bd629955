package pool

import (
	"context"
	"sync"
	"time"

	"github.com/willibrandon/dbnav/internal/db"
	"github.com/willibrandon/dbnav/internal/profile"
)

// Lease is exclusive ownership of one pooled session.
type Lease struct {
	pp       *profilePool
	sess     *db.Session
	leasedAt time.Time
	once     sync.Once
}

// Session returns the leased session. It must not be used after Release.
func (l *Lease) Session() *db.Session { return l.sess }

// Profile returns the profile the session belongs to.
func (l *Lease) Profile() *profile.Profile { return l.sess.Profile() }

// Held returns how long the lease has been held.
func (l *Lease) Held() time.Duration { return time.Since(l.leasedAt) }

// Release hands the session back. A statement still running on it is
// cancelled first; a session that ended Broken is discarded. Release is
// idempotent.
func (l *Lease) Release() {
	l.once.Do(func() {
		if st := l.sess.Current(); st != nil {
			_ = st.Cancel(context.Background())
		}
		if !l.pp.send(releaseMsg{sess: l.sess}) {
			_ = l.sess.Close()
		}
	})
}
