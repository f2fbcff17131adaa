package routingTable

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"kadnode/logger"
	"kadnode/util"

	"github.com/golang/groupcache/lru"
)

// freshnessCacheSize bounds the contact-freshness index at the total
// possible node count a full table could hold (GUIDBits*K), the same way
// the teacher caps its peer-contact cache rather than letting it grow
// unbounded.
const freshnessCacheSize = util.GUIDBits * util.K

// ErrNotFound is returned by Delete when the id isn't present in any bucket.
var ErrNotFound = errors.New("routingTable: node not found")

// ErrBucketFull is returned by Insert when the destination bucket has no
// room; the caller is expected to have already consulted CanInsert.
var ErrBucketFull = errors.New("routingTable: bucket full")

// ErrSelf is returned when an operation is attempted against self_id.
var ErrSelf = errors.New("routingTable: node id equals self id")

// RoutingTable is the 160-bucket array described in §4.2: an array of
// buckets, indexed by the position of the highest-order differing bit
// between self_id and the peer id.
//
// It is owned exclusively by the RPC context and must only be mutated from
// the single IO-loop goroutine; it carries no internal locking.
type RoutingTable struct {
	Self    util.NodeID
	buckets [util.GUIDBits]*Bucket
	log     logger.Logger

	refreshCursor int

	// seen is a contact-freshness index, separate from the buckets'
	// own LRU ordering: it records wall-clock last-seen times, queryable
	// without walking a bucket through LastSeen, for logging/diagnostics.
	// NextRefreshTarget does not consult it.
	seen *lru.Cache
}

func New(self util.NodeID, log logger.Logger) *RoutingTable {
	if log == nil {
		log = logger.NullLogger{}
	}
	return &RoutingTable{Self: self, log: log, seen: lru.New(freshnessCacheSize)}
}

// LastSeen reports when id was last touched by Update or Insert, if it's
// still tracked in the freshness index.
func (r *RoutingTable) LastSeen(id util.NodeID) (time.Time, bool) {
	v, ok := r.seen.Get(id)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

func (r *RoutingTable) markSeen(id util.NodeID) {
	r.seen.Add(id, time.Now())
}

func (r *RoutingTable) bucketFor(id util.NodeID) (*Bucket, int, error) {
	idx := util.BucketIndex(r.Self, id)
	if idx < 0 {
		return nil, -1, ErrSelf
	}
	b := r.buckets[idx]
	if b == nil {
		b = newBucket()
		r.buckets[idx] = b
	}
	return b, idx, nil
}

// BucketIndex exposes bucket_index(peer_id) for callers (e.g. the RPC
// context, when selecting closest nodes for find_node responses).
func (r *RoutingTable) BucketIndex(id util.NodeID) (int, error) {
	idx := util.BucketIndex(r.Self, id)
	if idx < 0 {
		return -1, ErrSelf
	}
	return idx, nil
}

// Update moves an already-present node to the tail of its bucket and
// refreshes its contact info. updated is true iff the node was present.
// When updated is false, the caller must follow up with CanInsert/Insert.
func (r *RoutingTable) Update(info util.NodeInfo) (updated bool, err error) {
	b, _, err := r.bucketFor(info.ID)
	if err != nil {
		return false, err
	}
	updated = b.touch(info)
	if updated {
		r.markSeen(info.ID)
	}
	return updated, nil
}

// CanInsert reports whether the destination bucket has room. If it does
// not, it returns the current head (least-recently-seen node), which the
// caller is expected to ping before deciding whether to evict it.
func (r *RoutingTable) CanInsert(id util.NodeID) (stale *util.NodeInfo, err error) {
	b, _, err := r.bucketFor(id)
	if err != nil {
		return nil, err
	}
	if !b.Full() {
		return nil, nil
	}
	head, ok := b.Head()
	if !ok {
		return nil, nil
	}
	return &head, nil
}

// Insert appends info to the tail of its destination bucket. Returns
// ErrBucketFull if there is no room (the caller should have checked
// CanInsert first).
func (r *RoutingTable) Insert(info util.NodeInfo) error {
	b, _, err := r.bucketFor(info.ID)
	if err != nil {
		return err
	}
	if b.indexOf(info.ID) >= 0 {
		return fmt.Errorf("routingTable: insert: %s already present", info.ID)
	}
	if b.Full() {
		return ErrBucketFull
	}
	b.append(info)
	r.markSeen(info.ID)
	r.log.Debugf("routingTable: inserted %s at %s", info.ID, info.Addr())
	return nil
}

// Delete removes id from the table. Returns ErrNotFound if it wasn't
// present.
func (r *RoutingTable) Delete(id util.NodeID) error {
	b, _, err := r.bucketFor(id)
	if err != nil {
		return err
	}
	if !b.remove(id) {
		return ErrNotFound
	}
	r.seen.Remove(id)
	return nil
}

// Closest returns up to n NodeInfos closest (by XOR distance) to target,
// nearest first, used to answer find_node queries. It walks every bucket
// outward from target's own bucket index, gathering all nodes, then sorts
// them by XOR distance to target and keeps the first n.
func (r *RoutingTable) Closest(target util.NodeID, n int) []util.NodeInfo {
	start, err := r.BucketIndex(target)
	if err != nil {
		start = 0
	}
	out := make([]util.NodeInfo, 0, n)
	for offset := 0; offset < util.GUIDBits; offset++ {
		indices := []int{start + offset}
		if offset != 0 {
			indices = append(indices, start-offset)
		}
		for _, idx := range indices {
			if idx < 0 || idx >= util.GUIDBits {
				continue
			}
			b := r.buckets[idx]
			if b == nil {
				continue
			}
			out = append(out, b.Snapshot()...)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := util.Distance(out[i].ID, target), util.Distance(out[j].ID, target)
		return bytes.Compare(di[:], dj[:]) < 0
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// NextRefreshTarget rotates through the bucket array, one bucket per call,
// and returns the head (least-recently-seen node) of the first non-empty
// bucket it finds starting from the cursor. Re-pinging that node is how
// the periodic refresh timer keeps contact info from going stale without
// waiting for unrelated traffic to touch every bucket.
func (r *RoutingTable) NextRefreshTarget() (util.NodeInfo, bool) {
	for i := 0; i < util.GUIDBits; i++ {
		idx := (r.refreshCursor + i) % util.GUIDBits
		if b := r.buckets[idx]; b != nil {
			if head, ok := b.Head(); ok {
				r.refreshCursor = (idx + 1) % util.GUIDBits
				return head, true
			}
		}
	}
	return util.NodeInfo{}, false
}

// NumNodes returns the total count of nodes across all buckets.
func (r *RoutingTable) NumNodes() int {
	total := 0
	for _, b := range r.buckets {
		if b != nil {
			total += b.Len()
		}
	}
	return total
}
