package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrClosed = errors.New("backend closed")
)

// MemberKey identifies one subscription: a connection subscribed to a topic.
type MemberKey struct {
	ConnID uuid.UUID
	Topic  string
}

// IsZero reports whether k is the zero key.
func (k MemberKey) IsZero() bool {
	return k.ConnID == uuid.Nil && k.Topic == ""
}

func (k MemberKey) String() string {
	return k.ConnID.String() + "/" + k.Topic
}

// Member is a subscriber the backend can deliver events to.
type Member interface {
	Key() MemberKey
	Deliver(ctx context.Context, ev Event) error
}

// Event is one published message.
type Event struct {
	ID          uuid.UUID
	Topic       string
	Name        string
	Data        json.RawMessage
	Origin      MemberKey // Excluded from fan-out when non-zero
	PublishedAt time.Time
}

// NewEvent builds an event with a fresh ID and timestamp.
func NewEvent(topic, name string, data json.RawMessage, origin MemberKey) Event {
	return Event{
		ID:          uuid.New(),
		Topic:       topic,
		Name:        name,
		Data:        data,
		Origin:      origin,
		PublishedAt: time.Now(),
	}
}

// Backend is the membership and fan-out abstraction.
type Backend interface {
	// Add registers m under its topic. Adding an existing key is a no-op
	// and keeps the original position.
	Add(ctx context.Context, m Member) error

	// Has reports whether key is currently registered.
	Has(ctx context.Context, key MemberKey) bool

	// Remove deregisters m. Removing a non-member is a no-op.
	Remove(ctx context.Context, m Member) error

	// Publish delivers ev to every current subscriber of topic except
	// ev.Origin, in insertion order. A failed delivery does not stop the
	// remaining ones; failures are reported in the result.
	Publish(ctx context.Context, topic string, ev Event) (PublishResult, error)

	// Subscribe returns a pull feed of events published to topic from now
	// on. The sequence ends when ctx is done.
	Subscribe(ctx context.Context, topic string) (iter.Seq[Event], error)
}

// PublishResult summarizes one fan-out.
type PublishResult struct {
	Delivered int
	Skipped   int // Excluded origin
	Failures  []*DeliveryError
}

// Err joins all delivery failures, or returns nil.
func (r PublishResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// DeliveryError reports a failed delivery to one subscriber.
type DeliveryError struct {
	Member MemberKey
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Member, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Stats describes backend contents.
type Stats struct {
	Topics    int
	Members   int
	Feeds     int
	Published int64
	Failures  int64
	FeedDrops int64
}

// Config configures an InMemoryBackend.
type Config struct {
	FeedBufferSize int // Initial capacity of each subscribe feed
	FeedMaxSize    int // Feed capacity limit; oldest events are dropped beyond it
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		FeedBufferSize: 256,
		FeedMaxSize:    65536,
	}
}
