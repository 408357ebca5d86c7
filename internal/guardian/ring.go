// Package guardian implements the Guardian Pipeline (G): three scanners
// (security, performance, correctness) that run after every tool execution,
// each owning a bounded ring buffer of findings and broadcasting critical
// findings to subscribed listeners.
//
// The ring buffer and listener-fan-out shape are grounded on the teacher's
// security audit reporting (internal/security/audit.go's AuditReport/
// AuditFinding accumulation) generalized from a one-shot report to a
// continuously-appended bounded buffer; the regex-family scanning style is
// grounded on internal/tools/security/shell_parser.go's longest-pattern-first
// AnalyzeCommand and internal/security/audit_config.go's vendor-key regex
// table.
package guardian

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/canopyrt/canopy/pkg/models"
)

const defaultRingSize = 500

// Ring is a bounded, FIFO-eviction buffer of findings owned exclusively by
// one guardian. Mutation only ever happens from the guardian that owns it;
// readers receive snapshots.
type Ring struct {
	mu       sync.RWMutex
	capacity int
	items    []models.Finding
	head     int // index of the oldest item
	size     int
	seq      uint64 // monotonic disambiguator for same-millisecond ids
}

// NewRing creates a ring with the given capacity (defaulting to 500).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultRingSize
	}
	return &Ring{capacity: capacity, items: make([]models.Finding, capacity)}
}

// Push appends a finding, evicting the oldest entry if the ring is full.
func (r *Ring) Push(f models.Finding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.head + r.size) % r.capacity
	if r.size == r.capacity {
		idx = r.head
		r.head = (r.head + 1) % r.capacity
	} else {
		r.size++
	}
	r.items[idx] = f
}

// Snapshot returns all findings currently held, oldest first.
func (r *Ring) Snapshot() []models.Finding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Finding, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%r.capacity]
	}
	return out
}

// Len reports the current number of findings held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// nextSeq returns a monotonically increasing disambiguator, used to keep
// finding ids unique when two findings land in the same source millisecond
// (spec.md §8 scenario 5).
func (r *Ring) nextSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

// findingID computes the FNV-1a finding id per §4.4: hash over
// guardianId:title:location:timestamp, with a monotonic disambiguator
// appended so two findings produced in the same millisecond never collide.
func findingID(guardianID, title, location string, ts time.Time, disambiguator uint64) string {
	h := fnv.New64a()
	h.Write([]byte(guardianID))
	h.Write([]byte(":"))
	h.Write([]byte(title))
	h.Write([]byte(":"))
	h.Write([]byte(location))
	h.Write([]byte(":"))
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	sum := h.Sum64()
	// Fold the disambiguator into the hash rather than appending it as a
	// visible suffix, so ids remain fixed-shape hex strings.
	h2 := fnv.New64a()
	h2.Write(uint64Bytes(sum))
	h2.Write(uint64Bytes(disambiguator))
	return hex64(h2.Sum64())
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func hex64(v uint64) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(b)
}

// sortFindingsNewestFirst orders findings by timestamp descending, with a
// stable tie-break by id (§5 ordering guarantees).
func sortFindingsNewestFirst(findings []models.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Timestamp.Equal(findings[j].Timestamp) {
			return findings[i].ID < findings[j].ID
		}
		return findings[i].Timestamp.After(findings[j].Timestamp)
	})
}
