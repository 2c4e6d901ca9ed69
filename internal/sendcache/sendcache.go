// Package sendcache keeps recently sent message content in memory so a
// peer's decryption-error report can be answered with a verbatim resend.
// The cache is a bounded ring: the oldest entry is evicted first, and
// nothing survives a restart.
package sendcache

import (
	"sync"
	"time"

	"github.com/gwillem/chatwire/internal/wire"
)

// DefaultSize is the default ring capacity.
const DefaultSize = 256

// Entry is one sent message: the serialized content before encryption,
// plus enough context to rebuild the original envelope on resend.
type Entry struct {
	Recipient string // destination ACI, empty for group sends
	GroupID   string // hex group identifier, empty for 1:1 sends
	Timestamp uint64 // client timestamp of the original message, unix millis
	Content   []byte // serialized content, pre-padding
	Hint      wire.ContentHint
	SentAt    time.Time
}

// Cache is a fixed-size ring of sent entries, safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	filled  bool
}

// New returns a cache holding at most size entries. A non-positive size
// falls back to DefaultSize.
func New(size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	return &Cache{entries: make([]Entry, size)}
}

// Put records a sent message, evicting the oldest entry when full.
func (c *Cache) Put(e Entry) {
	if e.SentAt.IsZero() {
		e.SentAt = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.next] = e
	c.next++
	if c.next == len(c.entries) {
		c.next = 0
		c.filled = true
	}
}

// Get looks up the entry for a retry request: the requester's ACI and the
// timestamp of the message they could not decrypt. Group entries match any
// requester; the caller is responsible for checking group membership.
func (c *Cache) Get(requester string, timestamp uint64) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.next
	if c.filled {
		n = len(c.entries)
	}
	// Scan newest first so a timestamp reused across conversations
	// resolves to the most recent send.
	for i := 1; i <= n; i++ {
		e := c.entries[(c.next-i+len(c.entries))%len(c.entries)]
		if e.Timestamp != timestamp {
			continue
		}
		if e.Recipient == requester || e.GroupID != "" {
			return e, true
		}
	}
	return Entry{}, false
}

// Len reports how many entries are currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filled {
		return len(c.entries)
	}
	return c.next
}
