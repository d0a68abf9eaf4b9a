package router

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/zulandar/roundhouse/internal/store"
)

// CursorStore persists cursor values by key.
type CursorStore interface {
	GetCursor(key string) (string, error)
	SetCursor(key, value string) error
}

// Cursors holds the two delivery cursors. lastSeen is global; delivered is
// per group jid. Both only move forward, and delivered never passes
// lastSeen. Every change is persisted before the method returns.
type Cursors struct {
	store CursorStore

	mu        sync.Mutex
	lastSeen  string
	delivered map[string]string
}

// LoadCursors reads both cursors from st. A corrupt delivered blob is
// logged and treated as empty, which re-offers the backlog on recovery.
func LoadCursors(st CursorStore) (*Cursors, error) {
	if st == nil {
		return nil, fmt.Errorf("router: cursor store is required")
	}
	seen, err := st.GetCursor(store.KeyLastSeen)
	if err != nil {
		return nil, fmt.Errorf("router: load last seen: %w", err)
	}
	blob, err := st.GetCursor(store.KeyLastDelivered)
	if err != nil {
		return nil, fmt.Errorf("router: load last delivered: %w", err)
	}
	delivered := make(map[string]string)
	if blob != "" {
		if err := json.Unmarshal([]byte(blob), &delivered); err != nil {
			log.Printf("router: corrupt last delivered cursor, resetting: %v", err)
			delivered = make(map[string]string)
		}
	}
	c := &Cursors{store: st, lastSeen: seen, delivered: delivered}
	// Heal rows written before the clamp existed.
	for jid, ts := range delivered {
		if ts > seen {
			delivered[jid] = seen
		}
	}
	return c, nil
}

// LastSeen returns the global cursor.
func (c *Cursors) LastSeen() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Delivered returns the per-group cursor, "" if nothing was ever delivered.
func (c *Cursors) Delivered(jid string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered[jid]
}

// AdvanceSeen moves lastSeen forward to ts and persists it. Older values
// are ignored.
func (c *Cursors) AdvanceSeen(ts string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts <= c.lastSeen {
		return nil
	}
	if err := c.store.SetCursor(store.KeyLastSeen, ts); err != nil {
		return fmt.Errorf("router: persist last seen: %w", err)
	}
	c.lastSeen = ts
	return nil
}

// AdvanceDelivered moves a group's cursor forward to ts, capped at
// lastSeen, and persists the whole map.
func (c *Cursors) AdvanceDelivered(jid, ts string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.lastSeen {
		ts = c.lastSeen
	}
	if ts <= c.delivered[jid] {
		return nil
	}
	next := make(map[string]string, len(c.delivered)+1)
	for k, v := range c.delivered {
		next[k] = v
	}
	next[jid] = ts
	blob, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("router: encode last delivered: %w", err)
	}
	if err := c.store.SetCursor(store.KeyLastDelivered, string(blob)); err != nil {
		return fmt.Errorf("router: persist last delivered: %w", err)
	}
	c.delivered = next
	return nil
}

// Snapshot returns a copy of every cursor for status reporting.
func (c *Cursors) Snapshot() (lastSeen string, delivered map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.delivered))
	for k, v := range c.delivered {
		out[k] = v
	}
	return c.lastSeen, out
}
