package ioloop

import (
	"net"
	"testing"

	"kadnode/event"
	"kadnode/logger"
	"kadnode/peer"
	"kadnode/routingTable"
	"kadnode/rpc"
	"kadnode/timer"
	"kadnode/util"
	"kadnode/wire"
)

func buildPingQuery(t *testing.T, txID string, from util.NodeID) []byte {
	t.Helper()
	buf, err := wire.Encode(&wire.Message{TxID: txID, NodeID: from, Type: wire.TypeQuery, Method: wire.MethodPing})
	if err != nil {
		t.Fatalf("Encode query: %v", err)
	}
	return buf
}

func buildPingResponse(t *testing.T, txID string, from util.NodeID) []byte {
	t.Helper()
	buf, err := wire.Encode(&wire.Message{TxID: txID, NodeID: from, Type: wire.TypeResponse})
	if err != nil {
		t.Fatalf("Encode response: %v", err)
	}
	return buf
}

func idN(n byte) util.NodeID {
	var id util.NodeID
	id[len(id)-1] = 0x80 | n
	return id
}

func nodeN(n byte) util.NodeInfo {
	return util.NodeInfo{ID: idN(n), Host: "127.0.0.1", Service: "1"}
}

// newTestLoop wires a Loop against real loopback sockets (so writeUDP has
// somewhere to send to) but never calls Run: these tests drive the
// dispatch methods directly.
func newTestLoop(t *testing.T) (*Loop, *rpc.Context) {
	t.Helper()
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { udpConn.Close() })

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	rt := routingTable.New(util.NodeID{}, logger.NullLogger{})
	rpcCtx := rpc.New(util.NodeID{}, rt, logger.NullLogger{}, 0)
	l := New(udpConn, listener, peer.NewRegistry(4), timer.NewWheel(), event.NewQueue(), rpcCtx, 1<<16, logger.NullLogger{})
	return l, rpcCtx
}

// TestHandleUDPSchedulesEvictionCheck mirrors scenario S4's loop-level
// half: a full bucket plus a message from a new node surfaces a stale
// candidate, and the loop must ping it and arm an eviction-check timer
// rather than mutating the bucket immediately.
func TestHandleUDPSchedulesEvictionCheck(t *testing.T) {
	l, rpcCtx := newTestLoop(t)
	for n := byte(1); n <= 8; n++ {
		if err := rpcCtx.RT.Insert(nodeN(n)); err != nil {
			t.Fatalf("Insert(%d): %v", n, err)
		}
	}

	query := buildPingQuery(t, "\x00\x09", idN(9))
	l.handleUDP(udpPacket{data: query, host: "127.0.0.1", service: "2"})

	if len(l.pendingEvictions) != 0 {
		t.Fatalf("expected pendingEvictions to be drained once the ping was sent, got %d entries", len(l.pendingEvictions))
	}
	if l.wheel.Len() != 1 {
		t.Fatalf("expected one eviction-check timer armed, got %d", l.wheel.Len())
	}
	if rpcCtx.RT.NumNodes() != 8 {
		t.Fatalf("bucket must stay untouched pending the eviction outcome, has %d nodes", rpcCtx.RT.NumNodes())
	}
}

// TestCheckEvictionReplacesStaleNodeWhenPingTimesOut exercises the other
// half of S4: once the eviction-check timer fires and the ping was never
// answered, the stale head is replaced by the newcomer.
func TestCheckEvictionReplacesStaleNodeWhenPingTimesOut(t *testing.T) {
	l, rpcCtx := newTestLoop(t)
	stale := nodeN(1)
	if err := rpcCtx.RT.Insert(stale); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_, txID, err := rpcCtx.QueryPing(stale)
	if err != nil {
		t.Fatalf("QueryPing: %v", err)
	}

	newcomer := nodeN(9)
	l.checkEviction(event.Event{TxID: txID, Target: stale, Newcomer: newcomer})

	if rpcCtx.RT.NumNodes() != 1 {
		t.Fatalf("expected exactly one node after eviction, got %d", rpcCtx.RT.NumNodes())
	}
	closest := rpcCtx.RT.Closest(newcomer.ID, 1)
	if len(closest) != 1 || closest[0].ID != newcomer.ID {
		t.Fatalf("expected newcomer to have taken stale's place, got %+v", closest)
	}
}

// TestCheckEvictionLeavesNodeAloneWhenPingWasAnswered covers the opposite
// outcome: the stale node answered before the eviction-check timer fired,
// so nothing should be evicted.
func TestCheckEvictionLeavesNodeAloneWhenPingWasAnswered(t *testing.T) {
	l, rpcCtx := newTestLoop(t)
	stale := nodeN(1)
	if err := rpcCtx.RT.Insert(stale); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_, txID, err := rpcCtx.QueryPing(stale)
	if err != nil {
		t.Fatalf("QueryPing: %v", err)
	}

	response := buildPingResponse(t, txID, stale.ID)
	if _, _, _, err := rpcCtx.Handle(response, stale.Host, stale.Service); err != nil {
		t.Fatalf("Handle response: %v", err)
	}

	newcomer := nodeN(9)
	l.checkEviction(event.Event{TxID: txID, Target: stale, Newcomer: newcomer})

	closest := rpcCtx.RT.Closest(stale.ID, 1)
	if len(closest) != 1 || closest[0].ID != stale.ID {
		t.Fatalf("expected stale node to remain, got %+v", closest)
	}
}

// TestRefreshTickSendsOnePingPerTick checks that each refresh tick pings a
// bucket head and registers one outstanding query. n1 and n2 share bucket
// 7, so both ticks ping the same head; the bucket rotation itself is
// covered by routingTable's TestNextRefreshTargetCyclesThroughBucketsAndWrapsAround.
func TestRefreshTickSendsOnePingPerTick(t *testing.T) {
	l, rpcCtx := newTestLoop(t)
	n1, n2 := nodeN(1), nodeN(2)
	if err := rpcCtx.RT.Insert(n1); err != nil {
		t.Fatalf("Insert n1: %v", err)
	}
	if err := rpcCtx.RT.Insert(n2); err != nil {
		t.Fatalf("Insert n2: %v", err)
	}

	before := rpcCtx.OutstandingCount()
	l.refreshTick()
	l.refreshTick()
	if got := rpcCtx.OutstandingCount(); got != before+2 {
		t.Fatalf("expected 2 new outstanding pings from 2 ticks, got %d new", got-before)
	}
}
