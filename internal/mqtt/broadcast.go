package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/models"
)

var kindBySegment = map[string]models.BroadcastKind{
	"raised":   models.KindRaised,
	"resolved": models.KindResolved,
	"location": models.KindLocationMoved,
}

func segmentFor(kind models.BroadcastKind) (string, bool) {
	for seg, k := range kindBySegment {
		if k == kind {
			return seg, true
		}
	}
	return "", false
}

// Broadcast is the panic broadcast channel carried over MQTT topics
// <prefix>/panic/{raised,resolved,location}.
type Broadcast struct {
	client *Client
	prefix string
	buffer int
	log    *logger.Logger

	mu  sync.Mutex
	sub *subscription
}

type subscription struct {
	mu     sync.Mutex
	once   sync.Once
	ch     chan models.BroadcastMessage
	done   chan struct{}
	closed bool
}

func (s *subscription) deliver(msg models.BroadcastMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	case <-s.done:
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func NewBroadcast(client *Client, prefix string, buffer int, log *logger.Logger) *Broadcast {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcast{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		buffer: buffer,
		log:    log.Named("broadcast"),
	}
}

func (b *Broadcast) pattern() string {
	return b.prefix + "/panic/+"
}

func (b *Broadcast) topic(kind models.BroadcastKind) (string, error) {
	seg, ok := segmentFor(kind)
	if !ok {
		return "", fmt.Errorf("unknown broadcast kind %q", kind)
	}
	return b.prefix + "/panic/" + seg, nil
}

// Subscribe opens the push stream. The returned channel is closed when ctx is
// done or Unsubscribe is called. Only one subscription is live at a time; a
// new one replaces the previous.
func (b *Broadcast) Subscribe(ctx context.Context) (<-chan models.BroadcastMessage, error) {
	sub := b.attach()

	if err := b.client.Subscribe(b.pattern(), b.handle); err != nil {
		b.detach(sub)
		return nil, fmt.Errorf("subscribe broadcast: %w", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			b.detach(sub)
		case <-sub.done:
		}
	}()
	return sub.ch, nil
}

// Unsubscribe tears down the live subscription.
func (b *Broadcast) Unsubscribe() error {
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	b.detach(sub)
	if err := b.client.Unsubscribe(b.pattern()); err != nil && b.client.IsConnected() {
		return err
	}
	return nil
}

// Publish sends one message of the given kind.
func (b *Broadcast) Publish(ctx context.Context, kind models.BroadcastKind, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	topic, err := b.topic(kind)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return b.client.Publish(ctx, topic, raw, false)
}

func (b *Broadcast) attach() *subscription {
	sub := &subscription{
		ch:   make(chan models.BroadcastMessage, b.buffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	prev := b.sub
	b.sub = sub
	b.mu.Unlock()
	if prev != nil {
		prev.close()
	}
	return sub
}

func (b *Broadcast) detach(sub *subscription) {
	b.mu.Lock()
	if b.sub == sub {
		b.sub = nil
	}
	b.mu.Unlock()
	sub.close()
}

func (b *Broadcast) handle(topic string, payload []byte) error {
	parts := splitTopic(topic)
	if len(parts) == 0 {
		return fmt.Errorf("empty broadcast topic")
	}
	kind, ok := kindBySegment[parts[len(parts)-1]]
	if !ok {
		return fmt.Errorf("unexpected broadcast topic %s", topic)
	}

	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()
	if sub == nil {
		b.log.Debug("Dropping %s, no live subscription", kind)
		return nil
	}

	sub.deliver(models.DecodeBroadcast(kind, payload))
	return nil
}
