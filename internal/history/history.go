// Package history keeps the in-memory list of recent calls, newest first.
// Entries are added optimistically as the dialer reports statuses and the
// whole list is replaced whenever the backend's copy is fetched.
package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/dialmate/internal/backend"
)

// UnknownName is shown for numbers with no contact.
const UnknownName = "Unknown"

// Entry is one call record.
type Entry struct {
	Number          string    `json:"number"`
	Name            string    `json:"name,omitempty"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds int       `json:"duration_seconds"`
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries []Entry
	limit   int
}

// New creates an empty cache. A positive limit caps how many optimistic
// entries are kept; older ones fall off the end.
func New(limit int) *Cache {
	return &Cache{limit: limit}
}

// Prepend adds e as the newest entry.
func (c *Cache) Prepend(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append([]Entry{e}, c.entries...)
	if c.limit > 0 && len(c.entries) > c.limit {
		c.entries = c.entries[:c.limit]
	}
}

// Replace swaps the whole list for the server's copy.
func (c *Cache) Replace(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append([]Entry(nil), entries...)
}

// Entries returns a copy of the list, newest first.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Entry(nil), c.entries...)
}

// Latest returns the newest entry.
func (c *Cache) Latest() (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return Entry{}, false
	}
	return c.entries[0], true
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// FromServer maps backend history records to entries, keeping their order.
func FromServer(records []backend.HistoryRecord) []Entry {
	out := make([]Entry, 0, len(records))
	for _, r := range records {
		name := r.ContactName
		if name == "" {
			name = UnknownName
		}
		out = append(out, Entry{
			Number:          r.PhoneNumber,
			Name:            name,
			Status:          r.Status,
			StartedAt:       r.StartedAt,
			DurationSeconds: r.Duration,
		})
	}
	return out
}

// DisplayStatus returns the label shown for a stored status.
func DisplayStatus(status string) string {
	switch status {
	case "ended":
		return "completed"
	case "in_call":
		return "in call"
	case "no-answer":
		return "no answer"
	}
	return status
}

// FormatDuration renders seconds as m:ss.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
