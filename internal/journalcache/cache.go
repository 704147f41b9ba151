// Package journalcache is the client-side working set between full reloads:
// a per-session map from calendar date to the journal items shown for that
// day. It is patched from two independent sources — optimistic local edits
// and realtime events describing other clients' mutations — and the merge
// rules here keep those from duplicating, losing, or reordering items.
package journalcache

import (
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"daybook/api/internal/realtime"
	"daybook/api/internal/util"
)

// Item is the cache's view of a journal item. Type discriminates the entry
// and poll variants; fields not needed for merging are carried opaquely by
// the renderer, not here.
type Item struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	AuthorID    string    `json:"authorId"`
	AuthorName  string    `json:"authorName"`
	Date        string    `json:"date"`
	Text        string    `json:"text,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
	Question    string    `json:"question,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

const placeholderPrefix = "local_"

// NewPlaceholderID mints a client-side id for a not-yet-persisted item. The
// non-canonical prefix is what marks the item as unsaved.
func NewPlaceholderID() string {
	return util.NewID("local")
}

// IsPlaceholder reports whether an id is client-generated.
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix)
}

// snapshot holds the last-persisted values of an item's mutable fields, so a
// save can diff against them and skip no-op writes.
type snapshot struct {
	text        string
	attachments []string
}

// Subscription is a live realtime stream, typically a websocket wrapper.
type Subscription interface {
	Events() <-chan realtime.Event
	Close() error
}

type Cache struct {
	mu        sync.Mutex
	viewerID  string
	days      map[string][]Item
	originals map[string]snapshot
	sub       Subscription
	onChange  func()
}

// New creates a cache for one authenticated session. onChange fires after
// every remote mutation that altered the cache; it may be nil.
func New(viewerID string, onChange func()) *Cache {
	return &Cache{
		viewerID:  viewerID,
		days:      make(map[string][]Item),
		originals: make(map[string]snapshot),
		onChange:  onChange,
	}
}

// ReplaceMonth swaps in a freshly loaded month: every bucket belonging to the
// month (format "2006-01") is dropped, then the given buckets installed.
func (c *Cache) ReplaceMonth(month string, days map[string][]Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for date := range c.days {
		if strings.HasPrefix(date, month+"-") {
			delete(c.days, date)
		}
	}
	for date, items := range days {
		bucket := make([]Item, len(items))
		copy(bucket, items)
		c.days[date] = bucket
		for _, item := range items {
			c.originals[item.ID] = snapshot{text: item.Text, attachments: append([]string(nil), item.Attachments...)}
		}
	}
}

// Day returns the items for a date sorted ascending by creation time.
// Insertion order is irrelevant; ordering is settled here, at render time.
func (c *Cache) Day(date string) []Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.days[date]
	if !ok {
		return nil
	}
	items := make([]Item, len(bucket))
	copy(items, bucket)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

// AddLocal inserts an optimistic, not-yet-persisted item authored by the
// viewer. A placeholder id is assigned if the item has none.
func (c *Cache) AddLocal(item Item) Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item.ID == "" {
		item.ID = NewPlaceholderID()
	}
	if item.AuthorID == "" {
		item.AuthorID = c.viewerID
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	c.days[item.Date] = append(c.days[item.Date], item)
	return item
}

// Mutate edits an item's mutable fields in place. Returns false when the item
// is not loaded.
func (c *Cache) Mutate(date, id string, fn func(*Item)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := c.days[date]
	for i := range bucket {
		if bucket[i].ID == id {
			fn(&bucket[i])
			return true
		}
	}
	return false
}

// ConfirmSaved reconciles a placeholder to the server-assigned identity after
// a successful persist: the id is replaced in place and the original
// snapshots of the mutable fields are refreshed so later saves diff against
// the persisted state.
func (c *Cache) ConfirmSaved(date, placeholderID string, saved Item) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := c.days[date]
	for i := range bucket {
		if bucket[i].ID == placeholderID {
			bucket[i].ID = saved.ID
			bucket[i].CreatedAt = saved.CreatedAt
			delete(c.originals, placeholderID)
			c.originals[saved.ID] = snapshot{text: saved.Text, attachments: append([]string(nil), saved.Attachments...)}
			return true
		}
	}
	return false
}

// Dirty reports whether an item's mutable fields differ from their
// last-persisted snapshot. Unsaved items are always dirty.
func (c *Cache) Dirty(date, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if IsPlaceholder(id) {
		return true
	}
	original, ok := c.originals[id]
	if !ok {
		return true
	}
	for _, item := range c.days[date] {
		if item.ID != id {
			continue
		}
		if item.Text != original.text {
			return true
		}
		if len(item.Attachments) != len(original.attachments) {
			return true
		}
		for i := range item.Attachments {
			if item.Attachments[i] != original.attachments[i] {
				return true
			}
		}
		return false
	}
	return false
}

// ApplyInsert merges a realtime INSERT. The viewer's own inserts were already
// applied optimistically under a placeholder id, so they are ignored here;
// anything else is appended to its date bucket.
func (c *Cache) ApplyInsert(item Item) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item.AuthorID == c.viewerID {
		return false
	}
	c.days[item.Date] = append(c.days[item.Date], item)
	c.originals[item.ID] = snapshot{text: item.Text, attachments: append([]string(nil), item.Attachments...)}
	return true
}

// ApplyDelete merges a realtime DELETE by filtering the date's bucket.
// A delete for a date that is not loaded is a no-op.
func (c *Cache) ApplyDelete(date, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.days[date]
	if !ok {
		return false
	}
	filtered := bucket[:0]
	removed := false
	for _, item := range bucket {
		if item.ID == id {
			removed = true
			continue
		}
		filtered = append(filtered, item)
	}
	if removed {
		c.days[date] = filtered
		delete(c.originals, id)
	}
	return removed
}

// Attach binds the session's realtime subscription and starts consuming it.
// A session holds at most one subscription: attaching while one is active is
// a no-op and reports false.
func (c *Cache) Attach(sub Subscription) bool {
	c.mu.Lock()
	if c.sub != nil {
		c.mu.Unlock()
		return false
	}
	c.sub = sub
	c.mu.Unlock()

	go c.consume(sub)
	return true
}

// SignOut tears the subscription down and empties the working set.
func (c *Cache) SignOut() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.days = make(map[string][]Item)
	c.originals = make(map[string]snapshot)
	c.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
}

func (c *Cache) consume(sub Subscription) {
	for event := range sub.Events() {
		changed := false
		switch event.Op {
		case realtime.OpInsert:
			var item Item
			if err := json.Unmarshal(event.Item, &item); err != nil {
				log.Printf("journalcache: drop malformed insert: %v", err)
				continue
			}
			changed = c.ApplyInsert(item)
		case realtime.OpDelete:
			var item Item
			if err := json.Unmarshal(event.Item, &item); err != nil {
				log.Printf("journalcache: drop malformed delete: %v", err)
				continue
			}
			date := item.Date
			if date == "" {
				date = event.Date
			}
			changed = c.ApplyDelete(date, item.ID)
		}
		if changed && c.onChange != nil {
			c.onChange()
		}
	}
}
