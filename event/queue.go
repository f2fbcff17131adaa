// Package event implements the event queue described in §3/§4.5: the
// producer side for scheduled work. Firing a timer enqueues an Event here;
// the IO loop drains the queue at a well-defined point in its iteration
// (after all ready fds have been serviced and due timers have fired).
package event

import "kadnode/util"

// Kind tags what action an Event carries: pinging a given node (bootstrap
// seeds), checking whether a previously sent eviction ping ever got a
// response, or a periodic refresh tick (the loop then picks the node to
// ping itself).
type Kind int

const (
	KindPingNode Kind = iota
	KindEvictionCheck
	KindRefreshTick
)

// Event is a tagged record carrying the arguments for one scheduled
// action. TxID and Newcomer are only meaningful for KindEvictionCheck: Target
// is the stale bucket head that was pinged, TxID is the ping's transaction
// id (used to tell whether a response ever arrived), and Newcomer is the
// contact waiting to take Target's place if it didn't.
type Event struct {
	Kind     Kind
	Target   util.NodeInfo
	TxID     string
	Newcomer util.NodeInfo
}

// Queue is a simple FIFO; it is owned exclusively by the IO loop.
type Queue struct {
	items []Event
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(e Event) {
	q.items = append(q.items, e)
}

// Drain removes and returns every queued event, in FIFO order.
func (q *Queue) Drain() []Event {
	items := q.items
	q.items = nil
	return items
}

func (q *Queue) Len() int { return len(q.items) }
