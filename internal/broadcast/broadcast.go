// Package broadcast fans job snapshots out to live subscribers.
//
// Delivery is best effort and latest-state-wins: each subscriber keeps at
// most one undelivered snapshot per job, and a slow subscriber only ever
// sees the newest state once it catches up. Broadcast never blocks on a
// subscriber.
package broadcast

import (
	"context"
	"sync"
	"time"

	"comicgen/internal/domain"
	"comicgen/internal/infra"
)

// DefaultSendTimeout bounds a single delivery to one subscriber.
const DefaultSendTimeout = 5 * time.Second

// Conn is the transport side of a subscriber.
type Conn interface {
	Send(ctx context.Context, job *domain.Job) error
	Close() error
}

// Filter selects which job snapshots a subscriber receives: community jobs
// plus jobs owned by OwnerID, narrowed to one job when JobID is set.
type Filter struct {
	JobID   string
	OwnerID string
}

// Match reports whether job passes the filter.
func (f Filter) Match(job *domain.Job) bool {
	if f.JobID != "" && job.ID != f.JobID {
		return false
	}
	return job.VisibleTo(f.OwnerID)
}

// Broadcaster tracks subscribers and delivers snapshots to them.
type Broadcaster struct {
	logger      infra.Logger
	sendTimeout time.Duration

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// New creates a broadcaster. A non-positive sendTimeout uses
// DefaultSendTimeout.
func New(logger infra.Logger, sendTimeout time.Duration) *Broadcaster {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Broadcaster{
		logger:      infra.Component(logger, "broadcast"),
		sendTimeout: sendTimeout,
		subs:        make(map[uint64]*Subscription),
	}
}

// Subscription is a registered subscriber.
type Subscription struct {
	id     uint64
	conn   Conn
	filter Filter

	mu     sync.Mutex
	latest map[string]*domain.Job
	order  []string
	seen   map[string]time.Time

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// ID identifies the subscription for Unsubscribe.
func (s *Subscription) ID() uint64 { return s.id }

// Done is closed once the subscription is removed for any reason.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Offer queues a snapshot for this subscriber only, provided it passes the
// filter.
func (s *Subscription) Offer(job *domain.Job) {
	if job == nil || !s.filter.Match(job) {
		return
	}
	s.offer(job.Clone())
}

// offer drops snapshots older than the newest one already queued or sent
// for the same job.
func (s *Subscription) offer(job *domain.Job) {
	s.mu.Lock()
	if prev, ok := s.seen[job.ID]; ok && job.UpdatedAt.Before(prev) {
		s.mu.Unlock()
		return
	}
	s.seen[job.ID] = job.UpdatedAt
	if _, queued := s.latest[job.ID]; !queued {
		s.order = append(s.order, job.ID)
	}
	s.latest[job.ID] = job
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() *domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil
	}
	id := s.order[0]
	s.order = s.order[1:]
	job := s.latest[id]
	delete(s.latest, id)
	return job
}

// Subscribe registers conn with filter and starts its delivery loop. After
// Close it returns a subscription that is already done.
func (b *Broadcaster) Subscribe(conn Conn, filter Filter) *Subscription {
	sub := &Subscription{
		conn:   conn,
		filter: filter,
		latest: make(map[string]*domain.Job),
		seen:   make(map[string]time.Time),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.done) })
		_ = conn.Close()
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.pump(sub)
	b.logger.Debug().Uint64("subscriber", sub.id).Str("job_id", filter.JobID).Msg("subscriber added")
	return sub
}

// Unsubscribe removes a subscriber and closes its connection. Unknown ids
// are ignored.
func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		b.finish(sub)
	}
}

// Broadcast queues a snapshot of job for every matching subscriber.
func (b *Broadcaster) Broadcast(job *domain.Job) {
	if job == nil {
		return
	}
	snapshot := job.Clone()
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Match(snapshot) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range targets {
		sub.offer(snapshot)
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops every subscriber and waits for their delivery loops to exit.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		b.finish(sub)
	}
	b.wg.Wait()
}

func (b *Broadcaster) finish(sub *Subscription) {
	sub.once.Do(func() {
		close(sub.done)
		if err := sub.conn.Close(); err != nil {
			b.logger.Debug().Err(err).Uint64("subscriber", sub.id).Msg("close subscriber")
		}
	})
}

func (b *Broadcaster) pump(sub *Subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}
		for job := sub.pop(); job != nil; job = sub.pop() {
			select {
			case <-sub.done:
				return
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), b.sendTimeout)
			err := sub.conn.Send(ctx, job)
			cancel()
			if err != nil {
				b.logger.Info().Err(err).Uint64("subscriber", sub.id).Msg("dropping subscriber after failed send")
				b.Unsubscribe(sub.id)
				return
			}
		}
	}
}
