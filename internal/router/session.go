package router

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/time/rate"

	"github.com/rickgao/cable/internal/channel"
	"github.com/rickgao/cable/internal/connection"
)

// session is the state of one Serve call.
type session struct {
	router  *Router
	conn    *connection.Connection
	logger  *slog.Logger
	limiter *rate.Limiter

	// Channels joined and not yet left, by topic, and topics in join order
	joined      map[string]*channel.Channel
	order       []string
	leftOnClose int
}

// run is the receive loop. Each envelope is fully dispatched before the
// next frame is read.
func (s *session) run(ctx context.Context) error {
	for text, err := range s.conn.IterText(ctx) {
		if err != nil {
			if ctx.Err() == nil {
				s.router.count(&s.router.protocolErrors)
				s.router.metrics.ProtocolError()
			}
			return err
		}

		if err := s.handle(ctx, text); err != nil {
			return err
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit: %w", err)
			}
		}
	}
	return nil
}

func (s *session) handle(ctx context.Context, text string) error {
	r := s.router
	r.count(&r.received)

	env, err := channel.ParseEnvelope([]byte(text), s.conn)
	if err != nil {
		r.count(&r.protocolErrors)
		r.metrics.ProtocolError()
		s.logger.Warn("malformed envelope", "error", err)
		return err
	}
	r.metrics.EnvelopeReceived(env.Kind().String())

	route, ok := r.Match(env.Topic)
	if !ok {
		r.count(&r.dropped)
		r.metrics.EnvelopeDropped()
		s.logger.Debug("no route for topic", "topic", env.Topic, "event", env.Name)
		return nil
	}

	ch := channel.New(env.Topic, s.conn, r.backend, route.Factory(),
		channel.WithLogger(s.logger),
		channel.WithMetrics(r.metrics),
	)
	if err := ch.Dispatch(ctx, env); err != nil {
		return fmt.Errorf("dispatch %s %s: %w", env.Topic, env.Name, err)
	}
	r.count(&r.routed)

	switch ch.State() {
	case channel.StateJoined:
		s.track(ch)
	case channel.StateLeft:
		s.untrack(env.Topic)
	}
	return nil
}

func (s *session) track(ch *channel.Channel) {
	if _, ok := s.joined[ch.Topic()]; !ok {
		s.order = append(s.order, ch.Topic())
	}
	s.joined[ch.Topic()] = ch
}

func (s *session) untrack(topic string) {
	if _, ok := s.joined[topic]; !ok {
		return
	}
	delete(s.joined, topic)
	s.order = slices.DeleteFunc(s.order, func(t string) bool { return t == topic })
}

// teardown leaves every channel still joined and closes the connection if
// the application side is still open.
func (s *session) teardown(ctx context.Context, code int) {
	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
	defer cancel()

	// Join order, so Left hooks run deterministically
	for _, topic := range slices.Clone(s.order) {
		ch := s.joined[topic]
		if err := ch.Leave(leaveCtx); err != nil {
			s.logger.Warn("implicit leave failed", "topic", topic, "error", err)
		}
		s.leftOnClose++
		s.router.count(&s.router.implicitLeaves)
		s.untrack(topic)
	}

	if s.conn.ApplicationState() != connection.StateDisconnected {
		if err := s.conn.Close(leaveCtx, code, ""); err != nil {
			s.logger.Debug("close failed", "error", err)
		}
	}
}
