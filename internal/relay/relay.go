// Package relay mirrors cache change events between processes over Redis
// pub/sub.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mpepping/rxcache/internal/event"
	"github.com/mpepping/rxcache/internal/state"
)

// ChangeEvent is the event type carried over the wire
type ChangeEvent = event.ChangeEvent[string, string]

// Message is the JSON payload published for every change
type Message struct {
	Origin uuid.UUID   `json:"origin"`
	Cache  string      `json:"cache"`
	Event  ChangeEvent `json:"event"`
}

// Relay publishes and receives change events for named caches. Messages a
// relay published itself are ignored by its own listeners.
type Relay struct {
	client  *redis.Client
	prefix  string
	origin  uuid.UUID
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a relay using channels named "<prefix>:<cache>"
func New(client *redis.Client, prefix string, logger *zap.Logger) *Relay {
	return &Relay{
		client:  client,
		prefix:  prefix,
		origin:  uuid.New(),
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Origin identifies this relay in published messages
func (r *Relay) Origin() uuid.UUID {
	return r.origin
}

// Channel returns the pub/sub channel for cache
func (r *Relay) Channel(cache string) string {
	return fmt.Sprintf("%s:%s", r.prefix, cache)
}

// Publisher forwards the events of one broadcaster to Redis
type Publisher struct {
	relay *Relay
	cache string

	published atomic.Uint64
	failed    atomic.Uint64
}

// Publish subscribes a new Publisher to b
func (r *Relay) Publish(b *state.Broadcaster) *Publisher {
	p := &Publisher{relay: r, cache: b.Name()}
	b.Subscribe(p)
	return p
}

// OnNext publishes evt. Failures are logged and counted, never propagated
// back into the broadcaster.
func (p *Publisher) OnNext(evt ChangeEvent) {
	payload, err := json.Marshal(Message{
		Origin: p.relay.origin,
		Cache:  p.cache,
		Event:  evt,
	})
	if err != nil {
		p.failed.Add(1)
		p.relay.logger.Error("failed to encode change event", zap.String("cache", p.cache), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.relay.timeout)
	defer cancel()

	if err := p.relay.client.Publish(ctx, p.relay.Channel(p.cache), payload).Err(); err != nil {
		p.failed.Add(1)
		p.relay.logger.Warn("failed to publish change event",
			zap.String("cache", p.cache),
			zap.Stringer("kind", evt.Kind),
			zap.Error(err),
		)
		return
	}
	p.published.Add(1)
}

func (p *Publisher) OnCompleted() {
	p.relay.logger.Debug("relay publisher completed", zap.String("cache", p.cache))
}

func (p *Publisher) OnError(err error) {
	p.relay.logger.Warn("relay publisher terminated", zap.String("cache", p.cache), zap.Error(err))
}

// Published returns the number of events published successfully
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Failed returns the number of events that could not be published
func (p *Publisher) Failed() uint64 {
	return p.failed.Load()
}

// Listen feeds the events other relays publish for cache into listener until
// ctx ends
func (r *Relay) Listen(ctx context.Context, cache string, listener event.Listener[string, string]) error {
	pubsub := r.client.Subscribe(ctx, r.Channel(cache))
	defer pubsub.Close() //nolint:errcheck

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.Channel(cache), err)
	}

	r.logger.Info("relay listening", zap.String("cache", cache), zap.String("channel", r.Channel(cache)))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				r.logger.Warn("dropping malformed relay message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if m.Origin == r.origin {
				continue
			}

			listener.OnChange(m.Event)
		}
	}
}

// Mirror returns a listener that applies remote events to cache. Values the
// cache already holds are skipped so that two mirrored caches settle instead
// of echoing each other.
func Mirror(cache *state.NamedCache) event.Listener[string, string] {
	return event.ListenerFunc[string, string](func(evt ChangeEvent) {
		switch evt.Kind {
		case event.Inserted, event.Updated:
			if v, ok := cache.Get(evt.Key); ok && v == evt.NewValue {
				return
			}
			_ = cache.Put(evt.Key, evt.NewValue)
		case event.Deleted:
			cache.Remove(evt.Key)
		}
	})
}
