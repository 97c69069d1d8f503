package backend

import (
	"context"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/cable/internal/metrics"
)

// InMemoryBackend keeps membership in process memory.
type InMemoryBackend struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	topics map[string]*subscribers
	feeds  map[string]map[*feed[Event]]struct{}
	closed bool

	// Stats
	published int64
	failures  int64
	feedDrops int64
}

// subscribers is an insertion-ordered set of members.
type subscribers struct {
	order   []MemberKey
	members map[MemberKey]Member
}

// Option configures an InMemoryBackend.
type Option func(*InMemoryBackend)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *InMemoryBackend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records publish and feed metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *InMemoryBackend) {
		b.metrics = m
	}
}

// NewInMemory creates an empty backend.
func NewInMemory(cfg Config, opts ...Option) *InMemoryBackend {
	b := &InMemoryBackend{
		cfg:    cfg,
		logger: slog.Default(),
		topics: make(map[string]*subscribers),
		feeds:  make(map[string]map[*feed[Event]]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ Backend = (*InMemoryBackend)(nil)

// Add registers m under its topic.
func (b *InMemoryBackend) Add(ctx context.Context, m Member) error {
	key := m.Key()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	subs, ok := b.topics[key.Topic]
	if !ok {
		subs = &subscribers{members: make(map[MemberKey]Member)}
		b.topics[key.Topic] = subs
	}
	if _, exists := subs.members[key]; exists {
		return nil
	}
	subs.members[key] = m
	subs.order = append(subs.order, key)

	b.logger.Debug("member added", "topic", key.Topic, "conn_id", key.ConnID, "members", len(subs.order))
	return nil
}

// Has reports whether key is currently registered.
func (b *InMemoryBackend) Has(_ context.Context, key MemberKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[key.Topic]
	if !ok {
		return false
	}
	_, exists := subs.members[key]
	return exists
}

// Remove deregisters m. Unknown topics and members are ignored.
func (b *InMemoryBackend) Remove(ctx context.Context, m Member) error {
	key := m.Key()

	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[key.Topic]
	if !ok {
		return nil
	}
	if _, exists := subs.members[key]; !exists {
		return nil
	}

	delete(subs.members, key)
	for i, k := range subs.order {
		if k == key {
			subs.order = append(subs.order[:i], subs.order[i+1:]...)
			break
		}
	}
	if len(subs.order) == 0 {
		delete(b.topics, key.Topic)
	}

	b.logger.Debug("member removed", "topic", key.Topic, "conn_id", key.ConnID)
	return nil
}

// Publish fans ev out to the members of topic. Delivery happens outside the
// lock, one member at a time in insertion order.
func (b *InMemoryBackend) Publish(ctx context.Context, topic string, ev Event) (PublishResult, error) {
	start := time.Now()
	if ev.Topic == "" {
		ev.Topic = topic
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return PublishResult{}, ErrClosed
	}
	targets := b.snapshotLocked(topic)
	feeds := make([]*feed[Event], 0, len(b.feeds[topic]))
	for f := range b.feeds[topic] {
		feeds = append(feeds, f)
	}
	b.mu.Unlock()

	var result PublishResult
	for _, m := range targets {
		key := m.Key()
		if !ev.Origin.IsZero() && key == ev.Origin {
			result.Skipped++
			continue
		}
		if err := m.Deliver(ctx, ev); err != nil {
			b.logger.Warn("delivery failed",
				"topic", topic,
				"conn_id", key.ConnID,
				"event", ev.Name,
				"error", err,
			)
			result.Failures = append(result.Failures, &DeliveryError{Member: key, Err: err})
			continue
		}
		result.Delivered++
	}

	var drops int64
	for _, f := range feeds {
		if _, dropped := f.push(ev); dropped {
			drops++
			b.metrics.FeedDropped()
		}
	}

	b.mu.Lock()
	b.published++
	b.failures += int64(len(result.Failures))
	b.feedDrops += drops
	b.mu.Unlock()

	b.metrics.Published(result.Delivered, len(result.Failures), time.Since(start))
	return result, nil
}

// Subscribe registers a feed for topic immediately; events published after
// this call returns are buffered until the sequence is consumed.
func (b *InMemoryBackend) Subscribe(ctx context.Context, topic string) (iter.Seq[Event], error) {
	f := newFeed[Event](b.cfg.FeedBufferSize, b.cfg.FeedMaxSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.feeds[topic] == nil {
		b.feeds[topic] = make(map[*feed[Event]]struct{})
	}
	b.feeds[topic][f] = struct{}{}
	b.mu.Unlock()

	context.AfterFunc(ctx, func() {
		b.mu.Lock()
		delete(b.feeds[topic], f)
		if len(b.feeds[topic]) == 0 {
			delete(b.feeds, topic)
		}
		b.mu.Unlock()
		f.close()
	})

	return func(yield func(Event) bool) {
		for {
			ev, ok := f.next(ctx)
			if !ok {
				return
			}
			if !yield(ev) {
				return
			}
		}
	}, nil
}

// Members returns the keys subscribed to topic in insertion order.
func (b *InMemoryBackend) Members(topic string) []MemberKey {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]MemberKey, len(subs.order))
	copy(out, subs.order)
	return out
}

// Topics returns the topics with at least one member, sorted.
func (b *InMemoryBackend) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Stats returns current counts.
func (b *InMemoryBackend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Topics:    len(b.topics),
		Published: b.published,
		Failures:  b.failures,
		FeedDrops: b.feedDrops,
	}
	for _, subs := range b.topics {
		s.Members += len(subs.order)
	}
	for _, fs := range b.feeds {
		s.Feeds += len(fs)
	}
	return s
}

// Close ends every open feed and rejects further calls.
func (b *InMemoryBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var feeds []*feed[Event]
	for _, fs := range b.feeds {
		for f := range fs {
			feeds = append(feeds, f)
		}
	}
	b.feeds = make(map[string]map[*feed[Event]]struct{})
	b.mu.Unlock()

	for _, f := range feeds {
		f.close()
	}
	return nil
}

// snapshotLocked copies the ordered members of topic. Must be called with lock held.
func (b *InMemoryBackend) snapshotLocked(topic string) []Member {
	subs, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]Member, 0, len(subs.order))
	for _, k := range subs.order {
		out = append(out, subs.members[k])
	}
	return out
}
