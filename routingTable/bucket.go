// Package routingTable implements the Kademlia k-bucket routing table: a
// 160-element array of fixed-capacity buckets, indexed by XOR-distance
// prefix. Grounded on the original kad_dht design (buckets[KAD_GUID_SPACE],
// a node list sorted by construction: appended at the tail, or moved to
// the tail on update) rather than the teacher's binary-trie
// implementation, which the design notes call out as a needless
// generic-container dependency for an 8-entry-per-bucket structure.
package routingTable

import "kadnode/util"

// Bucket is a bounded ordered sequence of NodeInfos, least-recently-seen at
// index 0, most-recently-seen at the end. It never contains duplicates.
type Bucket struct {
	nodes []util.NodeInfo
}

func newBucket() *Bucket {
	return &Bucket{nodes: make([]util.NodeInfo, 0, util.K)}
}

func (b *Bucket) Len() int { return len(b.nodes) }

func (b *Bucket) Full() bool { return len(b.nodes) >= util.K }

// indexOf returns the position of id in the bucket, or -1.
func (b *Bucket) indexOf(id util.NodeID) int {
	for i, n := range b.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// Head returns the least-recently-seen node, the eviction candidate when
// the bucket is full. The second return is false if the bucket is empty.
func (b *Bucket) Head() (util.NodeInfo, bool) {
	if len(b.nodes) == 0 {
		return util.NodeInfo{}, false
	}
	return b.nodes[0], true
}

// touch moves an existing node to the tail and refreshes its contact info.
// Returns false if the node was not present.
func (b *Bucket) touch(info util.NodeInfo) bool {
	i := b.indexOf(info.ID)
	if i < 0 {
		return false
	}
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	b.nodes = append(b.nodes, info)
	return true
}

// append adds info at the tail. Caller must have already checked Full().
func (b *Bucket) append(info util.NodeInfo) {
	b.nodes = append(b.nodes, info)
}

// remove deletes id from the bucket. Returns false if not present.
func (b *Bucket) remove(id util.NodeID) bool {
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	return true
}

// Snapshot returns a copy of the bucket's contents, oldest first.
func (b *Bucket) Snapshot() []util.NodeInfo {
	out := make([]util.NodeInfo, len(b.nodes))
	copy(out, b.nodes)
	return out
}
