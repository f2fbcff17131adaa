package rpc

import (
	"testing"

	"kadnode/logger"
	"kadnode/routingTable"
	"kadnode/util"
	"kadnode/wire"
)

// idN builds a node id sharing bucket 7 (top bit of the last byte set,
// varying low bits) so a run of idN(1)..idN(8) fills a single bucket to
// its K=8 capacity for the eviction-focused tests below.
func idN(n byte) util.NodeID {
	var id util.NodeID
	id[len(id)-1] = 0x80 | n
	return id
}

func newTestContext() *Context {
	rt := routingTable.New(util.NodeID{}, logger.NullLogger{})
	return New(util.NodeID{}, rt, logger.NullLogger{}, 0)
}

// TestPingRoundTrip mirrors scenario S1 literally: sender id 0x00…01,
// which must land in bucket 0 (distance 1 = 2^0).
func TestPingRoundTrip(t *testing.T) {
	c := newTestContext()
	var senderID util.NodeID
	senderID[len(senderID)-1] = 1

	query := &wire.Message{
		TxID:   "\xaa\xbb",
		NodeID: senderID,
		Type:   wire.TypeQuery,
		Method: wire.MethodPing,
	}
	buf, err := wire.Encode(query)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	reply, evict, _, err := c.Handle(buf, "10.0.0.2", "6881")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if evict != nil {
		t.Fatalf("unexpected eviction candidate: %+v", evict)
	}
	if reply == nil {
		t.Fatal("expected a reply")
	}
	got, err := wire.Decode(reply)
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if got.TxID != query.TxID || got.Type != wire.TypeResponse || got.NodeID != c.Self {
		t.Fatalf("unexpected reply: %+v", got)
	}

	if idx, err := c.RT.BucketIndex(senderID); err != nil || idx != 0 {
		t.Fatalf("expected sender in bucket 0, got idx=%d err=%v", idx, err)
	}
	closest := c.RT.Closest(senderID, 8)
	if len(closest) != 1 || closest[0].ID != senderID || closest[0].Host != "10.0.0.2" || closest[0].Service != "6881" {
		t.Fatalf("routing table not updated as expected: %+v", closest)
	}
}

// TestMalformedBencode mirrors scenario S2.
func TestMalformedBencode(t *testing.T) {
	c := newTestContext()
	reply, evict, _, err := c.Handle([]byte("notbencode"), "10.0.0.3", "9")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if evict != nil {
		t.Fatalf("unexpected eviction candidate: %+v", evict)
	}
	if reply == nil {
		t.Fatal("expected an error reply")
	}
	got, err := wire.Decode(reply)
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if got.Type != wire.TypeError || got.ErrCode != wire.ErrCodeProtocol {
		t.Fatalf("unexpected reply: %+v", got)
	}
	if c.RT.NumNodes() != 0 {
		t.Fatalf("routing table should be unchanged, has %d nodes", c.RT.NumNodes())
	}
}

// TestProtocolErrorEchoesTxIDPastBencodeStage mirrors §4.3 step 1: a
// datagram that's valid bencode but fails a later validation check (here,
// an unknown method) must still echo the incoming tx_id in the
// synthesised error reply, not fall back to a random one.
func TestProtocolErrorEchoesTxIDPastBencodeStage(t *testing.T) {
	c := newTestContext()
	buf := []byte("d1:t2:\xaa\xbb1:y1:q1:q7:unknown1:ad2:id20:01234567890123456789ee")
	reply, evict, _, err := c.Handle(buf, "10.0.0.4", "4")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if evict != nil {
		t.Fatalf("unexpected eviction candidate: %+v", evict)
	}
	if reply == nil {
		t.Fatal("expected an error reply")
	}
	got, err := wire.Decode(reply)
	if err != nil {
		t.Fatalf("Decode reply: %v", err)
	}
	if got.Type != wire.TypeError || got.ErrCode != wire.ErrCodeProtocol {
		t.Fatalf("unexpected reply: %+v", got)
	}
	if got.TxID != "\xaa\xbb" {
		t.Fatalf("expected echoed tx_id \\xaa\\xbb, got %q", got.TxID)
	}
}

func TestQueryPingThenMatchingResponseClearsOutstanding(t *testing.T) {
	c := newTestContext()
	dest := util.NodeInfo{ID: idN(2), Host: "10.0.0.2", Service: "6881"}
	_, txID, err := c.QueryPing(dest)
	if err != nil {
		t.Fatalf("QueryPing: %v", err)
	}
	if c.OutstandingCount() != 1 {
		t.Fatalf("expected 1 outstanding query, got %d", c.OutstandingCount())
	}

	resp := &wire.Message{TxID: txID, NodeID: dest.ID, Type: wire.TypeResponse}
	buf, err := wire.Encode(resp)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	reply, evict, _, err := c.Handle(buf, dest.Host, dest.Service)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply != nil || evict != nil {
		t.Fatalf("response must produce no_reply, got reply=%v evict=%v", reply, evict)
	}
	if c.OutstandingCount() != 0 {
		t.Fatalf("expected outstanding query to be cleared, got %d", c.OutstandingCount())
	}
}

func TestUnknownTxIDResponseIsDropped(t *testing.T) {
	c := newTestContext()
	resp := &wire.Message{TxID: "\x00\x01", NodeID: idN(9), Type: wire.TypeResponse}
	buf, err := wire.Encode(resp)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	reply, evict, _, err := c.Handle(buf, "10.0.0.9", "1")
	if err != nil || reply != nil || evict != nil {
		t.Fatalf("expected no_reply, got reply=%v evict=%v err=%v", reply, evict, err)
	}
}

func TestFullBucketSurfacesEvictionCandidate(t *testing.T) {
	c := newTestContext()
	for n := byte(1); n <= 8; n++ {
		info := util.NodeInfo{ID: idN(n), Host: "10.0.0.1", Service: "6881"}
		if err := c.RT.Insert(info); err != nil {
			t.Fatalf("Insert(%d): %v", n, err)
		}
	}
	query := &wire.Message{TxID: "\x00\x01", NodeID: idN(9), Type: wire.TypeQuery, Method: wire.MethodPing}
	buf, err := wire.Encode(query)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	reply, evict, _, err := c.Handle(buf, "10.0.0.9", "6881")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply == nil {
		t.Fatal("expected a ping reply regardless of eviction outcome")
	}
	if evict == nil || evict.ID != idN(1) {
		t.Fatalf("expected eviction candidate n1, got %+v", evict)
	}
	if c.RT.NumNodes() != 8 {
		t.Fatalf("bucket must be unmutated pending eviction outcome, has %d nodes", c.RT.NumNodes())
	}
}
