// Package snapshot implements the Snapshot Bus (Reporter): it holds the
// latest Generator output and notifies subscribers, collapsing unchanged
// polling cycles via structural-equality comparison.
package snapshot

import (
	"sync"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"

	"github.com/vllmfleet/vllmfleet/internal/xds/generator"
)

// Update is a single version of the Generator's output as delivered to
// subscribers.
type Update struct {
	Version string
	Snap    *generator.Snapshot
}

// Bus holds the latest published Generator output and fans it out to
// subscribers. The zero value is not usable; use New.
type Bus struct {
	mu   sync.Mutex
	cur  Update
	subs map[chan Update]struct{}
}

// New returns an empty Bus. Subscribers that connect before the first
// Publish block until it happens (no snapshot has a version yet).
func New() *Bus {
	return &Bus{subs: make(map[chan Update]struct{})}
}

// Publish compares snap against the currently held snapshot by structural
// (protobuf) equality. If equal, this is a no-op: no new version is minted
// and no subscriber is notified. Otherwise a fresh UUID version replaces
// the current value atomically and every subscriber is sent the new value.
func (b *Bus) Publish(snap *generator.Snapshot) {
	b.mu.Lock()
	if snapshotsEqual(b.cur.Snap, snap) {
		b.mu.Unlock()
		return
	}

	v := Update{Version: uuid.NewString(), Snap: snap}
	b.cur = v

	var chans []chan Update
	for ch := range b.subs {
		chans = append(chans, ch)
	}
	b.mu.Unlock()

	for _, ch := range chans {
		// Coalescing: a slow subscriber drops an in-flight unread value in
		// favor of the latest one rather than blocking the publisher or
		// queuing unboundedly. xDS sotw is idempotent, so skipping an
		// intermediate snapshot is safe.
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// snapshotsEqual reports whether two Generator outputs are structurally
// identical. A nil snapshot equals only another nil snapshot, so the first
// Publish of a non-nil snapshot always mints a version.
func snapshotsEqual(a, b *generator.Snapshot) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if len(a.Clusters) != len(b.Clusters) {
		return false
	}
	for i := range a.Clusters {
		if !proto.Equal(a.Clusters[i], b.Clusters[i]) {
			return false
		}
	}
	return proto.Equal(a.RouteConfig, b.RouteConfig)
}

// Subscription is a live handle onto the Bus: it yields the current value
// immediately (if one has been published), then every subsequent Publish.
type Subscription struct {
	bus *Bus
	ch  chan Update
}

// Current returns the latest published Update without subscribing. Snap is
// nil if nothing has been published yet.
func (b *Bus) Current() Update {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

// Subscribe registers a new Subscription and, if a snapshot has already
// been published, primes it with the current value so Next returns
// immediately on first call.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan Update, 1)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	if b.cur.Version != "" {
		ch <- b.cur
	}
	b.mu.Unlock()

	return &Subscription{bus: b, ch: ch}
}

// Close unregisters the subscription. After Close, Next returns a value
// that was already buffered, if any, and otherwise blocks forever; callers
// should select on a cancellation context alongside Next.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.ch)
	s.bus.mu.Unlock()
}

// Next blocks until the next published value (or the one current at
// Subscribe time, if not yet delivered).
func (s *Subscription) Next() Update {
	return <-s.ch
}

// Chan exposes the underlying channel for select-based consumption
// alongside a context's Done channel, used by the ADS server's per-stream
// push loop.
func (s *Subscription) Chan() <-chan Update {
	return s.ch
}
