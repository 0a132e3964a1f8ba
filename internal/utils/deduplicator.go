package utils

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Deduplicator remembers message IDs for a fixed window.
type Deduplicator struct {
	seen *cache.Cache
}

// NewDeduplicator keeps IDs for window (five minutes when window <= 0).
func NewDeduplicator(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Deduplicator{seen: cache.New(window, 2*window)}
}

// IsDuplicate checks if a message ID has been processed within the window.
// Returns true if the message is a duplicate and should be ignored.
// Empty IDs are never duplicates.
func (d *Deduplicator) IsDuplicate(msgID string) bool {
	if msgID == "" {
		return false
	}
	// Add fails when the key is present and unexpired.
	return d.seen.Add(msgID, struct{}{}, cache.DefaultExpiration) != nil
}

// Forget releases msgID so a retry with the same ID is processed again.
func (d *Deduplicator) Forget(msgID string) {
	d.seen.Delete(msgID)
}

// Len is the number of remembered IDs, expired ones included until cleanup.
func (d *Deduplicator) Len() int {
	return d.seen.ItemCount()
}
