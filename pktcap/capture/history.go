package capture

import (
	"fmt"
	"sync"

	"github.com/go-appsec/netcap-toolbox/pktcap/store"
)

// DefaultHistorySize is the number of packets retained before the oldest is evicted.
const DefaultHistorySize = 1000

// History is a bounded FIFO of captured packets. Entries are encoded into a
// store.Storage keyed by insertion sequence; after every Append the number of
// retained entries is at most the configured limit.
type History struct {
	mu      sync.Mutex
	storage store.Storage
	limit   int
	first   uint64 // oldest retained sequence
	next    uint64 // sequence for the next append
}

// NewHistory returns a History over storage (in-memory when nil) that retains
// at most limit packets (DefaultHistorySize when limit is not positive).
func NewHistory(storage store.Storage, limit int) *History {
	if storage == nil {
		storage = store.NewMemStorage()
	}
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	return &History{storage: storage, limit: limit}
}

// Append records a packet, evicting the oldest entries past the limit.
func (h *History) Append(p CapturedPacket) error {
	blob, err := store.Encode(&p)
	if err != nil {
		return fmt.Errorf("encoding packet: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.storage.Put(h.next, blob); err != nil {
		return fmt.Errorf("storing packet: %w", err)
	}
	h.next++
	for h.next-h.first > uint64(h.limit) {
		if err := h.storage.Delete(h.first); err != nil {
			return fmt.Errorf("evicting packet %d: %w", h.first, err)
		}
		h.first++
	}
	return nil
}

// Len returns the number of retained packets.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return int(h.next - h.first)
}

// Limit returns the maximum number of retained packets.
func (h *History) Limit() int {
	return h.limit
}

// Recent returns up to n of the newest packets, oldest first.
// A non-positive n returns everything retained.
func (h *History) Recent(n int) ([]CapturedPacket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	seqs := h.storage.Keys()
	if n > 0 && len(seqs) > n {
		seqs = seqs[len(seqs)-n:]
	}

	result := make([]CapturedPacket, 0, len(seqs))
	for _, seq := range seqs {
		blob, ok, err := h.storage.Get(seq)
		if err != nil {
			return nil, fmt.Errorf("loading packet %d: %w", seq, err)
		} else if !ok {
			continue
		}
		var p CapturedPacket
		if err := store.Decode(blob, &p); err != nil {
			return nil, fmt.Errorf("decoding packet %d: %w", seq, err)
		}
		result = append(result, p)
	}
	return result, nil
}

// Clear drops every retained packet.
func (h *History) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.first = h.next
	return h.storage.Reset()
}

// Close releases the backing storage.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.storage.Close()
}
