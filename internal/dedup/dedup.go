// Package dedup decides whether a recognized face is a new attendance event or a
// repeat sighting inside the cooldown window.
//
// State is keyed by display name only, so two enrolled people who share a name
// also share a cooldown. State lives for the lifetime of the process; a restart
// forgets every last-seen time.
package dedup

import (
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// DefaultCooldown is the minimum gap between two accepted events for one name.
const DefaultCooldown = 5 * time.Second

// Clock tracks the last accepted sighting per name.
type Clock struct {
	mu       sync.Mutex
	cooldown time.Duration
	lastSeen map[string]time.Time
}

// New creates a Clock. A non-positive cooldown falls back to DefaultCooldown.
func New(cooldown time.Duration) *Clock {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Clock{cooldown: cooldown, lastSeen: make(map[string]time.Time)}
}

// Cooldown returns the configured window.
func (c *Clock) Cooldown() time.Duration { return c.cooldown }

// ShouldRecord accepts a sighting if the name was never seen or more than the
// cooldown has elapsed since its last accepted sighting. Exactly the cooldown is
// still a repeat. Accepting updates the last-seen time; rejecting does not.
func (c *Clock) ShouldRecord(id types.Identity, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.lastSeen[id.Name]; ok && now.Sub(last) <= c.cooldown {
		return false
	}
	c.lastSeen[id.Name] = now
	return true
}

// LastSeen reports the last accepted time for a name.
func (c *Clock) LastSeen(name string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lastSeen[name]
	return t, ok
}
