// Package fanout pushes pipeline events to live subscribers. Delivery is
// best-effort at-most-once; durable state stays in the job and finding
// records, so a dropped frame is never replayed.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/veil/log"
	"github.com/pithecene-io/veil/types"
)

// DefaultHeartbeatInterval is the broadcast heartbeat period. A
// subscription silent for more than two intervals is closed.
const DefaultHeartbeatInterval = 30 * time.Second

// Sink receives event frames for one subscriber.
type Sink interface {
	// Write delivers one frame. An error removes the subscription.
	Write(ev types.Event) error
	// Close releases the sink after the hub drops the subscription.
	Close() error
}

type subscription struct {
	id     string
	userID string
	sink   Sink

	// mu serializes writes so delivery stays FIFO per subscription.
	mu     sync.Mutex
	lastOK time.Time
}

func (s *subscription) write(ev types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.Write(ev)
}

// Hub is the subscription registry. The lock covers add/remove/iterate
// only; publishing copies the subscription set under the lock and writes
// outside it.
type Hub struct {
	logger   *log.Logger
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewHub creates a fan-out hub. A zero interval selects the default.
func NewHub(logger *log.Logger, interval time.Duration) *Hub {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Hub{
		logger:   logger,
		interval: interval,
		now:      time.Now,
		subs:     make(map[string]*subscription),
	}
}

// Subscribe registers a sink for a user's events and returns the
// subscription id.
func (h *Hub) Subscribe(userID string, sink Sink) string {
	sub := &subscription{
		id:     uuid.New().String(),
		userID: userID,
		sink:   sink,
		lastOK: h.now(),
	}
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()

	h.logger.Debug("subscribed", map[string]any{"subscription_id": sub.id, "user_id": userID})
	return sub.id
}

// Unsubscribe removes and closes a subscription. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		_ = sub.sink.Close()
	}
}

// PublishToUser delivers an event to every subscription of one user.
func (h *Hub) PublishToUser(userID string, ev types.Event) {
	h.deliver(h.snapshot(func(s *subscription) bool { return s.userID == userID }), ev)
}

// Broadcast delivers an event to every subscription.
func (h *Hub) Broadcast(ev types.Event) {
	h.deliver(h.snapshot(nil), ev)
}

// Run drives the heartbeat loop until ctx is cancelled: idle subscriptions
// are closed, then a heartbeat frame is broadcast.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.closeIdle()
			h.Broadcast(types.NewHeartbeatEvent(h.now()))
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) snapshot(keep func(*subscription) bool) []*subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		if keep == nil || keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func (h *Hub) deliver(subs []*subscription, ev types.Event) {
	for _, sub := range subs {
		if err := sub.write(ev); err != nil {
			h.logger.Warn("sink write failed, dropping subscription", map[string]any{
				"subscription_id": sub.id,
				"user_id":         sub.userID,
				"error":           err.Error(),
			})
			h.Unsubscribe(sub.id)
			continue
		}
		sub.mu.Lock()
		sub.lastOK = h.now()
		sub.mu.Unlock()
	}
}

// closeIdle drops subscriptions without a successful write for more than
// two heartbeat intervals.
func (h *Hub) closeIdle() {
	cutoff := h.now().Add(-2 * h.interval)
	for _, sub := range h.snapshot(nil) {
		sub.mu.Lock()
		idle := sub.lastOK.Before(cutoff)
		sub.mu.Unlock()
		if idle {
			h.logger.Info("closing idle subscription", map[string]any{
				"subscription_id": sub.id,
				"user_id":         sub.userID,
			})
			h.Unsubscribe(sub.id)
		}
	}
}
