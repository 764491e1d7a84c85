package reconcile

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"prism-calendar/domain"
	"prism-calendar/ordering"
)

// ErrUnchanged returned from an Update func leaves the list as it was and
// signals no watcher. Update then reports success.
var ErrUnchanged = errors.New("reconcile: list unchanged")

// Session is the single in-memory task list of one owner. Snapshots from the
// store and local optimistic mutations both land here; readers always get
// copies.
type Session struct {
	ownerID   string
	reconcile Reconciler
	logger    *log.Entry

	mu       sync.Mutex
	tasks    []domain.Task
	selected string
	lastErr  error
	watchers map[chan struct{}]struct{}
	// orders handed out to adds that have not been acknowledged yet
	inflight map[domain.Day]int
	reserved map[domain.Day]int

	ready     chan struct{}
	readyOnce sync.Once
}

// NewSession creates an empty session. A nil reconciler means Wholesale.
func NewSession(ownerID string, reconcile Reconciler, logger *log.Logger) *Session {
	if reconcile == nil {
		reconcile = Wholesale
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Session{
		ownerID:   ownerID,
		reconcile: reconcile,
		logger:    logger.WithField("owner", ownerID),
		watchers:  make(map[chan struct{}]struct{}),
		inflight:  make(map[domain.Day]int),
		reserved:  make(map[domain.Day]int),
		ready:     make(chan struct{}),
	}
}

// OwnerID returns the owner whose tasks this session holds.
func (s *Session) OwnerID() string { return s.ownerID }

// Ready is closed once the first snapshot has been applied.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Tasks returns the current list in canonical order.
func (s *Session) Tasks() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() []domain.Task {
	out := make([]domain.Task, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t.Clone()
	}
	domain.SortCanonical(out)
	return out
}

// Task returns the task with the given id.
func (s *Session) Task(id string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := domain.IndexOf(s.tasks, id); i >= 0 {
		return s.tasks[i].Clone(), true
	}
	return domain.Task{}, false
}

// Bucket returns the ordered tasks of one day.
func (s *Session) Bucket(day domain.Day) []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Bucket(s.tasks, day)
}

// ApplySnapshot reconciles an inbound snapshot into the local list.
func (s *Session) ApplySnapshot(snapshot []domain.Task) {
	s.mu.Lock()
	s.tasks = s.reconcile(s.tasks, snapshot)
	s.lastErr = nil
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.notify()
}

// Update runs fn on a copy of the list and installs its result. When fn
// fails the list is left untouched.
func (s *Session) Update(fn func(tasks []domain.Task) ([]domain.Task, error)) error {
	s.mu.Lock()
	next, err := fn(s.snapshotLocked())
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, ErrUnchanged) {
			return nil
		}
		return err
	}
	s.tasks = next
	s.mu.Unlock()
	s.notify()
	return nil
}

// Mutate applies fn to the task with the given id.
func (s *Session) Mutate(id string, fn func(t *domain.Task)) error {
	return s.Update(func(tasks []domain.Task) ([]domain.Task, error) {
		i := domain.IndexOf(tasks, id)
		if i < 0 {
			return nil, domain.ErrTaskNotFound
		}
		fn(&tasks[i])
		return tasks, nil
	})
}

// Put inserts t or replaces the task with the same id.
func (s *Session) Put(t domain.Task) {
	_ = s.Update(func(tasks []domain.Task) ([]domain.Task, error) {
		if i := domain.IndexOf(tasks, t.ID); i >= 0 {
			tasks[i] = t.Clone()
			return tasks, nil
		}
		return append(tasks, t.Clone()), nil
	})
}

// Remove drops the task with the given id. It reports whether it was there.
func (s *Session) Remove(id string) bool {
	err := s.Update(func(tasks []domain.Task) ([]domain.Task, error) {
		i := domain.IndexOf(tasks, id)
		if i < 0 {
			return nil, domain.ErrTaskNotFound
		}
		return append(tasks[:i:i], tasks[i+1:]...), nil
	})
	return err == nil
}

// ReserveOrder returns the order for a task about to be added to day. Orders
// handed out to adds still waiting for the store are skipped, so two quick
// adds to the same day never share an order. The caller must call release
// once the add has finished, after putting the created task.
func (s *Session) ReserveOrder(day domain.Day) (order int, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order = s.nextOrderLocked(day)
	s.reserved[day] = order
	s.inflight[day]++

	var once sync.Once
	return order, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.inflight[day]--
			if s.inflight[day] <= 0 {
				delete(s.inflight, day)
				delete(s.reserved, day)
			}
		})
	}
}

func (s *Session) nextOrderLocked(day domain.Day) int {
	order := ordering.AppendToBucket(domain.Bucket(s.tasks, day))
	if s.inflight[day] > 0 && s.reserved[day] >= order {
		order = s.reserved[day] + 1
	}
	return order
}

// Settle installs a task created with a reserved order. A move into the day
// can hand that same order to another task while the create is in flight;
// the new task then goes behind the day's tasks and pending reservations.
// Settle returns the task as installed and whether its order changed.
func (s *Session) Settle(t domain.Task) (domain.Task, bool) {
	s.mu.Lock()
	moved := false
	for _, other := range s.tasks {
		if other.ID != t.ID && other.Day == t.Day && other.Order == t.Order {
			moved = true
			break
		}
	}
	if moved {
		t.Order = s.nextOrderLocked(t.Day)
		if s.inflight[t.Day] > 0 {
			s.reserved[t.Day] = t.Order
		}
	}
	if i := domain.IndexOf(s.tasks, t.ID); i >= 0 {
		s.tasks[i] = t.Clone()
	} else {
		s.tasks = append(s.tasks, t.Clone())
	}
	s.mu.Unlock()
	s.notify()
	return t, moved
}

// Select points the detail view at a task. There is one selection per
// owner: every client of the owner shows the same detail view.
func (s *Session) Select(id string) error {
	s.mu.Lock()
	if domain.IndexOf(s.tasks, id) < 0 {
		s.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	s.selected = id
	s.mu.Unlock()
	s.notify()
	return nil
}

// Selected returns the task shown in the detail view, if any. A selected
// task missing from the current list reports false.
func (s *Session) Selected() (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == "" {
		return domain.Task{}, false
	}
	if i := domain.IndexOf(s.tasks, s.selected); i >= 0 {
		return s.tasks[i].Clone(), true
	}
	return domain.Task{}, false
}

// ClearSelection closes the detail view.
func (s *Session) ClearSelection() {
	s.mu.Lock()
	changed := s.selected != ""
	s.selected = ""
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Fail records a broken or erroring live query. The task list stays as it
// was.
func (s *Session) Fail(err error) {
	s.logger.WithError(err).Error("subscription error, keeping last known tasks")
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.notify()
}

// LastError returns the subscription error reported since the last snapshot.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Watch returns a channel signalled after every change. Signals coalesce; a
// watcher reads the current state on wake-up. stop releases the channel.
func (s *Session) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run applies snapshots and errors from feed until ctx is done or the feed
// stops delivering snapshots. It does not reopen a stopped feed.
func (s *Session) Run(ctx context.Context, feed Feed) {
	errs := feed.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-feed.Snapshots():
			if !ok {
				select {
				case err, ok := <-errs:
					if ok && err != nil {
						s.Fail(err)
					}
				default:
				}
				return
			}
			s.ApplySnapshot(snapshot)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.Fail(err)
		}
	}
}
