package storage

import (
	"context"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisNotifier publishes change events on a Redis pub/sub channel per owner
// so every instance serving that owner refreshes its subscriptions.
type RedisNotifier struct {
	client *redis.Client
	prefix string
	logger *log.Logger
}

// NewRedisNotifier creates a notifier using channels named prefix+ownerID.
func NewRedisNotifier(client *redis.Client, prefix string, logger *log.Logger) *RedisNotifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisNotifier{client: client, prefix: prefix, logger: logger}
}

func (n *RedisNotifier) channel(ownerID string) string {
	return n.prefix + ownerID
}

func (n *RedisNotifier) Publish(ctx context.Context, ev ChangeEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel(ev.OwnerID), data).Err()
}

// Listen subscribes to the owner's channel. It returns once Redis has
// confirmed the subscription, so no event published afterwards is missed.
func (n *RedisNotifier) Listen(ctx context.Context, ownerID string) (Listener, error) {
	ps := n.client.Subscribe(ctx, n.channel(ownerID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	l := &redisListener{
		ps:   ps,
		out:  make(chan ChangeEvent, 16),
		done: make(chan struct{}),
	}
	go l.run(n.logger)
	return l, nil
}

type redisListener struct {
	ps   *redis.PubSub
	out  chan ChangeEvent
	done chan struct{}
	once sync.Once
}

func (l *redisListener) run(logger *log.Logger) {
	defer close(l.out)
	for msg := range l.ps.Channel() {
		var ev ChangeEvent
		if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
			logger.WithError(err).WithField("channel", msg.Channel).Error("unable to parse change event")
			continue
		}
		select {
		case l.out <- ev:
		case <-l.done:
			return
		}
	}
}

func (l *redisListener) Events() <-chan ChangeEvent { return l.out }

func (l *redisListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.ps.Close()
	})
	return err
}

// LocalNotifier fans change events out inside one process.
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[string]map[*localListener]struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[*localListener]struct{})}
}

// Publish never blocks. A listener that has not drained its previous event
// misses this one, which is enough to signal a refresh.
func (n *LocalNotifier) Publish(_ context.Context, ev ChangeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for l := range n.subs[ev.OwnerID] {
		select {
		case l.ch <- ev:
		default:
		}
	}
	return nil
}

func (n *LocalNotifier) Listen(_ context.Context, ownerID string) (Listener, error) {
	l := &localListener{owner: ownerID, ch: make(chan ChangeEvent, 1), parent: n}
	n.mu.Lock()
	if n.subs[ownerID] == nil {
		n.subs[ownerID] = make(map[*localListener]struct{})
	}
	n.subs[ownerID][l] = struct{}{}
	n.mu.Unlock()
	return l, nil
}

func (n *LocalNotifier) remove(l *localListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs, ok := n.subs[l.owner]
	if !ok {
		return
	}
	if _, ok := subs[l]; !ok {
		return
	}
	delete(subs, l)
	if len(subs) == 0 {
		delete(n.subs, l.owner)
	}
	close(l.ch)
}

type localListener struct {
	owner  string
	ch     chan ChangeEvent
	parent *LocalNotifier
}

func (l *localListener) Events() <-chan ChangeEvent { return l.ch }

func (l *localListener) Close() error {
	l.parent.remove(l)
	return nil
}
