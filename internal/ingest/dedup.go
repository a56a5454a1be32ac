package ingest

import (
	"fmt"
	"sync"
	"time"
)

const (
	dedupWindow   = 10 * time.Minute
	dedupSweepLen = 10000
)

// packetDeduper drops mesh packets that arrive more than once, which happens
// when several nodes uplink the same packet to the broker.
type packetDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func newPacketDeduper() *packetDeduper {
	return &packetDeduper{seen: make(map[string]time.Time), now: time.Now}
}

// Seen reports whether the packet (from, id) was already handled inside the
// window, and records it otherwise. A zero id is never deduplicated.
func (d *packetDeduper) Seen(from, id uint32) bool {
	if id == 0 {
		return false
	}
	key := fmt.Sprintf("%d:%d", from, id)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[key]; ok && now.Sub(at) < dedupWindow {
		return true
	}
	d.seen[key] = now

	if len(d.seen) > dedupSweepLen {
		for k, at := range d.seen {
			if now.Sub(at) > dedupWindow {
				delete(d.seen, k)
			}
		}
	}
	return false
}
