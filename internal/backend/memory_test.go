package backend

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMember records deliveries into a shared log.
type fakeMember struct {
	key MemberKey
	err error
	log *deliveryLog

	mu   sync.Mutex
	seen []Event
}

type deliveryLog struct {
	mu    sync.Mutex
	order []MemberKey
}

func (l *deliveryLog) add(k MemberKey) {
	l.mu.Lock()
	l.order = append(l.order, k)
	l.mu.Unlock()
}

func newMember(topic string, log *deliveryLog) *fakeMember {
	return &fakeMember{key: MemberKey{ConnID: uuid.New(), Topic: topic}, log: log}
}

func (m *fakeMember) Key() MemberKey { return m.key }

func (m *fakeMember) Deliver(_ context.Context, ev Event) error {
	if m.log != nil {
		m.log.add(m.key)
	}
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	m.seen = append(m.seen, ev)
	m.mu.Unlock()
	return nil
}

func testEvent(topic string, origin MemberKey) Event {
	return NewEvent(topic, "message", json.RawMessage(`"hi"`), origin)
}

func TestInMemory_PublishInsertionOrder(t *testing.T) {
	ctx := context.Background()
	b := NewInMemory(DefaultConfig())
	log := &deliveryLog{}

	members := []*fakeMember{
		newMember("room:1", log),
		newMember("room:1", log),
		newMember("room:1", log),
	}
	for _, m := range members {
		require.NoError(t, b.Add(ctx, m))
	}

	res, err := b.Publish(ctx, "room:1", testEvent("room:1", MemberKey{}))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Delivered)
	assert.NoError(t, res.Err())

	want := []MemberKey{members[0].key, members[1].key, members[2].key}
	assert.Equal(t, want, log.order)
}

func TestInMemory_PublishIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	b := NewInMemory(DefaultConfig())
	log := &deliveryLog{}

	first := newMember("room:1", log)
	broken := newMember("room:1", log)
	broken.err = errors.New("write: broken pipe")
	last := newMember("room:1", log)

	for _, m := range []*fakeMember{first, broken, last} {
		require.NoError(t, b.Add(ctx, m))
	}

	res, err := b.Publish(ctx, "room:1", testEvent("room:1", MemberKey{}))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Delivered)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, broken.key, res.Failures[0].Member)
	assert.ErrorIs(t, res.Err(), broken.err)
	assert.Len(t, first.seen, 1)
	assert.Len(t, last.seen, 1)
	assert.Equal(t, int64(1), b.Stats().Failures)
}

func TestInMemory_PublishExcludesOrigin(t *testing.T) {
	ctx := context.Background()
	b := NewInMemory(DefaultConfig())

	sender := newMember("room:1", nil)
	other := newMember("room:1", nil)
	require.NoError(t, b.Add(ctx, sender))
	require.NoError(t, b.Add(ctx, other))

	res, err := b.Publish(ctx, "room:1", testEvent("room:1", sender.key))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, sender.seen)
	assert.Len(t, other.seen, 1)
}

func TestInMemory_PublishUnknownTopic(t *testing.T) {
	b := NewInMemory(DefaultConfig())

	res, err := b.Publish(context.Background(), "nobody", testEvent("nobody", MemberKey{}))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Delivered)
	assert.Empty(t, res.Failures)
}

func TestInMemory_AddIdempotent(t *testing.T) {
	ctx := context.Background()
	b := NewInMemory(DefaultConfig())

	a := newMember("room:1", nil)
	c := newMember("room:1", nil)
	require.NoError(t, b.Add(ctx, a))
	require.NoError(t, b.Add(ctx, c))

	// Same key through a different instance keeps the original position
	again := &fakeMember{key: a.key}
	require.NoError(t, b.Add(ctx, again))

	assert.Equal(t, []MemberKey{a.key, c.key}, b.Members("room:1"))
	assert.Equal(t, 2, b.Stats().Members)
}

func TestInMemory_Has(t *testing.T) {
	ctx := context.Background()
	b := NewInMemory(DefaultConfig())

	m := newMember("room:1", nil)
	assert.False(t, b.Has(ctx, m.key))

	require.NoError(t, b.Add(ctx, m))
	assert.True(t, b.Has(ctx, m.key))
	// Same connection on another topic is a different membership
	assert.False(t, b.Has(ctx, MemberKey{ConnID: m.key.ConnID, Topic: "room:2"}))

	require.NoError(t, b.Remove(ctx, m))
	assert.False(t, b.Has(ctx, m.key))
}

func TestInMemory_RemoveNonMember(t *testing.T) {
	ctx := context.Background()
	b := NewInMemory(DefaultConfig())

	member := newMember("room:1", nil)
	elsewhere := newMember("room:2", nil)
	require.NoError(t, b.Add(ctx, member))
	require.NoError(t, b.Add(ctx, elsewhere))

	// Absent topic, absent member in a present topic
	require.NoError(t, b.Remove(ctx, newMember("room:9", nil)))
	require.NoError(t, b.Remove(ctx, newMember("room:1", nil)))

	assert.Equal(t, []MemberKey{member.key}, b.Members("room:1"))
	assert.Equal(t, []MemberKey{elsewhere.key}, b.Members("room:2"))
}

func TestInMemory_RemoveStopsDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewInMemory(DefaultConfig())

	m := newMember("room:1", nil)
	require.NoError(t, b.Add(ctx, m))
	require.NoError(t, b.Remove(ctx, &fakeMember{key: m.key}))

	res, err := b.Publish(ctx, "room:1", testEvent("room:1", MemberKey{}))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Delivered)
	assert.Empty(t, m.seen)
	assert.Empty(t, b.Topics())
}

func TestInMemory_Topics(t *testing.T) {
	ctx := context.Background()
	b := NewInMemory(DefaultConfig())

	require.NoError(t, b.Add(ctx, newMember("room:2", nil)))
	require.NoError(t, b.Add(ctx, newMember("lobby", nil)))
	require.NoError(t, b.Add(ctx, newMember("room:1", nil)))

	assert.Equal(t, []string{"lobby", "room:1", "room:2"}, b.Topics())
	assert.Equal(t, 3, b.Stats().Topics)
}

func TestInMemory_Subscribe(t *testing.T) {
	b := NewInMemory(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seq, err := b.Subscribe(ctx, "room:1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Stats().Feeds)

	// Published before the sequence is consumed; still buffered
	for _, name := range []string{"a", "b", "c"} {
		_, err := b.Publish(ctx, "room:1", NewEvent("room:1", name, nil, MemberKey{}))
		require.NoError(t, err)
	}
	_, err = b.Publish(ctx, "room:2", NewEvent("room:2", "other", nil, MemberKey{}))
	require.NoError(t, err)

	var names []string
	for ev := range seq {
		names = append(names, ev.Name)
		if len(names) == 3 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestInMemory_SubscribeEndsOnCancel(t *testing.T) {
	b := NewInMemory(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	seq, err := b.Subscribe(ctx, "room:1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for range seq {
		}
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sequence did not end after cancel")
	}

	assert.Eventually(t, func() bool { return b.Stats().Feeds == 0 }, time.Second, 5*time.Millisecond)
}

func TestInMemory_Close(t *testing.T) {
	ctx := context.Background()
	b := NewInMemory(DefaultConfig())

	seq, err := b.Subscribe(ctx, "room:1")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	n := 0
	for range seq {
		n++
	}
	assert.Equal(t, 0, n, "closed feed yielded events")

	assert.ErrorIs(t, b.Add(ctx, newMember("room:1", nil)), ErrClosed)
	_, err = b.Publish(ctx, "room:1", testEvent("room:1", MemberKey{}))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.Subscribe(ctx, "room:1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestInMemory_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	b := NewInMemory(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := newMember("room:1", nil)
			for j := 0; j < 50; j++ {
				_ = b.Add(ctx, m)
				_, _ = b.Publish(ctx, "room:1", testEvent("room:1", m.key))
				_ = b.Remove(ctx, m)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, b.Stats().Members)
	assert.Equal(t, int64(1000), b.Stats().Published)
}

func TestMemberKey(t *testing.T) {
	assert.True(t, MemberKey{}.IsZero())

	id := uuid.New()
	k := MemberKey{ConnID: id, Topic: "room:1"}
	assert.False(t, k.IsZero())
	assert.Equal(t, id.String()+"/room:1", k.String())
}
