// Package realtime fans journal row changes out to connected clients. Events
// travel through Redis pub/sub when configured, so every API instance sees
// mutations made on any other instance; without Redis the hub degrades to
// in-process fan-out.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

type Op string

const (
	OpInsert Op = "INSERT"
	OpDelete Op = "DELETE"
)

// Event is a row-level change on the journal: Item carries the new row image
// for inserts and the old row image for deletes.
type Event struct {
	Op   Op              `json:"op"`
	Date string          `json:"date"`
	Item json.RawMessage `json:"item"`
}

const defaultChannel = "daybook.journal.events"

type Hub struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	rdb     *redis.Client
	channel string
}

// NewHub creates a hub. rdb may be nil for single-instance deployments.
func NewHub(rdb *redis.Client) *Hub {
	return &Hub{
		subs:    make(map[int]chan Event),
		rdb:     rdb,
		channel: defaultChannel,
	}
}

// Run relays Redis pub/sub messages into the local subscriber set until the
// context is cancelled. No-op without Redis.
func (h *Hub) Run(ctx context.Context) {
	if h.rdb == nil {
		return
	}
	sub := h.rdb.Subscribe(ctx, h.channel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("realtime: drop malformed event: %v", err)
				continue
			}
			h.broadcast(event)
		}
	}
}

// Publish sends an event to every subscriber. With Redis the event makes a
// round trip through the channel, so the publishing instance receives its own
// events along with everyone else's.
func (h *Hub) Publish(ctx context.Context, event Event) error {
	if h.rdb == nil {
		h.broadcast(event)
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := h.rdb.Publish(ctx, h.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe registers a listener. The returned cancel func must be called
// when the listener goes away; events are dropped rather than queued when a
// subscriber's buffer is full.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, 32)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (h *Hub) broadcast(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
			// Slow consumer; it will resync on its next month reload.
		}
	}
}

// SubscriberCount reports active local listeners.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
