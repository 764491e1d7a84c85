package reconcile

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-calendar/domain"
)

// OpenFunc opens the live query for one owner.
type OpenFunc func(ctx context.Context, ownerID string) (Feed, error)

// Registry owns at most one live session per logged-in owner. Acquire is
// login and the returned release is logout; the session and its feed are
// torn down once the last holder has released it and the idle delay passed.
type Registry struct {
	open      OpenFunc
	reconcile Reconciler
	idle      time.Duration
	logger    *log.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	refs    int
	timer   *time.Timer
	opened  chan struct{}
	err     error
	session *Session
	feed    Feed
	cancel  context.CancelFunc
	done    chan struct{}
}

func (e *entry) stopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *entry) teardown() {
	e.cancel()
	e.feed.Cancel()
}

// NewRegistry creates a registry. idle is how long an unreferenced session
// is kept so a quick reconnect reuses it.
func NewRegistry(open OpenFunc, reconcile Reconciler, idle time.Duration, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Registry{
		open:      open,
		reconcile: reconcile,
		idle:      idle,
		logger:    logger,
		entries:   make(map[string]*entry),
	}
}

// Acquire returns the live session of ownerID, opening its feed if needed,
// once the first snapshot has arrived. release must be called exactly when
// the caller stops using the session; extra calls are ignored.
func (r *Registry) Acquire(ctx context.Context, ownerID string) (*Session, func(), error) {
	if ownerID == "" {
		return nil, nil, domain.ErrNoOwner
	}

	r.mu.Lock()
	e, ok := r.entries[ownerID]
	if ok && e.session != nil && e.stopped() {
		// The previous feed broke; logging in again starts a fresh one.
		delete(r.entries, ownerID)
		if e.timer != nil {
			e.timer.Stop()
		}
		e.teardown()
		ok = false
	}
	if ok {
		e.refs++
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		r.mu.Unlock()
	} else {
		e = &entry{refs: 1, opened: make(chan struct{}), done: make(chan struct{})}
		r.entries[ownerID] = e
		r.mu.Unlock()
		r.start(ctx, ownerID, e)
	}

	release := r.releaser(ownerID, e)
	select {
	case <-e.opened:
	case <-ctx.Done():
		release()
		return nil, nil, ctx.Err()
	}
	if e.err != nil {
		release()
		return nil, nil, e.err
	}
	select {
	case <-e.session.Ready():
	case <-e.done:
		// Feed ended before delivering anything; hand out the empty session
		// with its recorded error.
	case <-ctx.Done():
		release()
		return nil, nil, ctx.Err()
	}
	return e.session, release, nil
}

func (r *Registry) start(ctx context.Context, ownerID string, e *entry) {
	feed, err := r.open(ctx, ownerID)
	if err != nil {
		r.logger.WithError(err).WithField("owner", ownerID).Error("failed to open task subscription")
		r.mu.Lock()
		if r.entries[ownerID] == e {
			delete(r.entries, ownerID)
		}
		e.err = err
		close(e.done)
		r.mu.Unlock()
		close(e.opened)
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	session := NewSession(ownerID, r.reconcile, r.logger)
	r.mu.Lock()
	e.session = session
	e.feed = feed
	e.cancel = cancel
	go func() {
		defer close(e.done)
		session.Run(runCtx, feed)
	}()
	switch {
	case r.entries[ownerID] != e:
		// Closed while opening.
		e.teardown()
	case e.refs == 0:
		r.scheduleLocked(ownerID, e)
	}
	r.mu.Unlock()
	r.logger.WithField("owner", ownerID).Debug("task subscription opened")
	close(e.opened)
}

func (r *Registry) releaser(ownerID string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			e.refs--
			if e.refs > 0 || e.session == nil {
				return
			}
			r.scheduleLocked(ownerID, e)
		})
	}
}

// scheduleLocked tears an unreferenced entry down after the idle delay.
func (r *Registry) scheduleLocked(ownerID string, e *entry) {
	if r.idle <= 0 {
		r.removeLocked(ownerID, e)
		return
	}
	e.timer = time.AfterFunc(r.idle, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if e.refs == 0 {
			r.removeLocked(ownerID, e)
		}
	})
}

func (r *Registry) removeLocked(ownerID string, e *entry) {
	if r.entries[ownerID] == e {
		delete(r.entries, ownerID)
	}
	e.teardown()
	r.logger.WithField("owner", ownerID).Debug("task subscription closed")
}

// Active returns the number of owners with an open session.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close tears down every session regardless of holders.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ownerID, e := range r.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.session != nil {
			e.teardown()
		}
		delete(r.entries, ownerID)
	}
}
