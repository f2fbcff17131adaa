// Package peer implements the peer registry described in §4.5: an
// ordered, doubly-linked collection of connected TCP peers, keyed by a
// per-connection identifier analogous to a file descriptor. Lookups are
// intentionally linear, not map-based: the design caps the registry at
// max_peers (small, configurable), so a scan is cheap and the collection
// stays an owning, non-intrusive container (container/list) rather than
// the original's pointer-intrusive list nodes.
package peer

import (
	"container/list"
	"errors"
	"net"

	"kadnode/stream"
)

// ErrRegistryFull is returned by Register once the registry holds
// max_peers connections.
var ErrRegistryFull = errors.New("peer: registry at capacity")

// Peer is a single accepted TCP connection: its connection, its address,
// and its own resumable framing parser.
type Peer struct {
	FD     int
	Conn   net.Conn
	Addr   string
	Parser *stream.Parser
}

// Registry is the ordered peer collection. It is owned exclusively by the
// IO loop and carries no locking.
type Registry struct {
	peers    *list.List
	maxPeers int
	nextFD   int
}

func NewRegistry(maxPeers int) *Registry {
	return &Registry{peers: list.New(), maxPeers: maxPeers}
}

func (r *Registry) Len() int { return r.peers.Len() }

func (r *Registry) Full() bool { return r.peers.Len() >= r.maxPeers }

// Register admits a newly accepted connection, or returns ErrRegistryFull
// if max_peers would be exceeded. In that case Register neither writes to
// nor closes conn; the caller is expected to write a rejection banner and
// close it.
func (r *Registry) Register(conn net.Conn, maxFrameLen uint32, knownTypes map[string]bool) (*Peer, error) {
	if r.Full() {
		return nil, ErrRegistryFull
	}
	r.nextFD++
	p := &Peer{
		FD:     r.nextFD,
		Conn:   conn,
		Addr:   conn.RemoteAddr().String(),
		Parser: stream.NewParser(maxFrameLen, knownTypes),
	}
	r.peers.PushBack(p)
	return p, nil
}

// Unregister removes the peer with the given fd. Duplicate descriptors
// are impossible by construction (each Register call mints a fresh one),
// so at most one entry is ever removed.
func (r *Registry) Unregister(fd int) bool {
	for e := r.peers.Front(); e != nil; e = e.Next() {
		if e.Value.(*Peer).FD == fd {
			r.peers.Remove(e)
			return true
		}
	}
	return false
}

// Find looks up a peer by fd.
func (r *Registry) Find(fd int) (*Peer, bool) {
	for e := r.peers.Front(); e != nil; e = e.Next() {
		if p := e.Value.(*Peer); p.FD == fd {
			return p, true
		}
	}
	return nil, false
}

// All returns every registered peer, in registration order. The IO loop
// does not call it: it keeps no fd table to rebuild.
func (r *Registry) All() []*Peer {
	out := make([]*Peer, 0, r.peers.Len())
	for e := r.peers.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Peer))
	}
	return out
}

// CloseAll closes every connection and empties the registry, used on
// shutdown.
func (r *Registry) CloseAll() {
	for e := r.peers.Front(); e != nil; e = e.Next() {
		e.Value.(*Peer).Conn.Close()
	}
	r.peers.Init()
}
