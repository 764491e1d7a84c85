package storage

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"prism-calendar/domain"
)

// ErrFeedClosed is reported when the change feed behind a subscription ends
// without the subscription being cancelled.
var ErrFeedClosed = errors.New("change feed closed")

// Subscription is a live query over one owner's tasks. It delivers the full
// ordered list on open and after every change. Snapshots not yet received
// are replaced by newer ones.
type Subscription struct {
	ownerID   string
	snapshots chan []domain.Task
	errs      chan error
	done      chan struct{}
	cancel    context.CancelFunc
	listener  Listener
	once      sync.Once
}

// Subscribe opens a live query for ownerID. The subscription outlives ctx
// and runs until Cancel is called.
func (s *Storage) Subscribe(ctx context.Context, ownerID string) (*Subscription, error) {
	if ownerID == "" {
		return nil, domain.ErrNoOwner
	}
	listener, err := s.notifier.Listen(ctx, ownerID)
	if err != nil {
		return nil, &domain.SubscriptionError{OwnerID: ownerID, Err: err}
	}
	initial, err := s.FetchTasks(ctx, ownerID)
	if err != nil {
		_ = listener.Close()
		return nil, &domain.SubscriptionError{OwnerID: ownerID, Err: err}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &Subscription{
		ownerID:   ownerID,
		snapshots: make(chan []domain.Task, 1),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
		cancel:    cancel,
		listener:  listener,
	}
	sub.snapshots <- initial
	go sub.run(runCtx, s, s.logger.WithField("owner", ownerID))
	return sub, nil
}

func (sub *Subscription) run(ctx context.Context, s *Storage, logger *log.Entry) {
	defer close(sub.done)
	defer close(sub.errs)
	defer close(sub.snapshots)

	events := sub.listener.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				logger.Error("change feed closed")
				sub.fail(&domain.SubscriptionError{OwnerID: sub.ownerID, Err: ErrFeedClosed})
				return
			}
			tasks, err := s.FetchTasks(ctx, sub.ownerID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.WithError(err).Error("failed to refresh subscription")
				sub.fail(&domain.SubscriptionError{OwnerID: sub.ownerID, Err: err})
				continue
			}
			sub.deliver(tasks)
		}
	}
}

// deliver replaces any snapshot the consumer has not taken yet. run is the
// only sender, so the send after draining never blocks.
func (sub *Subscription) deliver(tasks []domain.Task) {
	select {
	case <-sub.snapshots:
	default:
	}
	sub.snapshots <- tasks
}

func (sub *Subscription) fail(err error) {
	select {
	case <-sub.errs:
	default:
	}
	sub.errs <- err
}

// OwnerID returns the owner this subscription is scoped to.
func (sub *Subscription) OwnerID() string { return sub.ownerID }

// Snapshots delivers full task lists. It is closed after Cancel or a broken
// feed.
func (sub *Subscription) Snapshots() <-chan []domain.Task { return sub.snapshots }

// Errors delivers *domain.SubscriptionError values. A fetch failure keeps
// the subscription open; a closed feed ends it.
func (sub *Subscription) Errors() <-chan error { return sub.errs }

// Done is closed once the subscription has stopped.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

// Cancel stops the subscription and releases its listener. It is safe to
// call more than once.
func (sub *Subscription) Cancel() {
	sub.once.Do(func() {
		sub.cancel()
		_ = sub.listener.Close()
	})
}
