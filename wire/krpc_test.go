package wire

import (
	"testing"

	"kadnode/util"
)

func mustID(t *testing.T, b byte) util.NodeID {
	t.Helper()
	var id util.NodeID
	id[len(id)-1] = b
	return id
}

func TestEncodeDecodePingQueryRoundTrip(t *testing.T) {
	msg := &Message{
		TxID:   "\xaa\xbb",
		NodeID: mustID(t, 0x01),
		Type:   TypeQuery,
		Method: MethodPing,
	}
	buf, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.TxID != msg.TxID || got.Type != TypeQuery || got.Method != MethodPing || got.NodeID != msg.NodeID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, msg)
	}
}

func TestEncodeDecodeFindNodeResponseRoundTrip(t *testing.T) {
	nodes := []util.NodeInfo{
		{ID: mustID(t, 0x02), Host: "10.0.0.2", Service: "6881"},
		{ID: mustID(t, 0x03), Host: "10.0.0.3", Service: "6882"},
	}
	msg := &Message{
		TxID:   "\x00\x01",
		NodeID: mustID(t, 0x00),
		Type:   TypeResponse,
		Nodes:  nodes,
	}
	buf, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Nodes) != len(nodes) {
		t.Fatalf("got %d nodes, want %d", len(got.Nodes), len(nodes))
	}
	for i, n := range got.Nodes {
		if n != nodes[i] {
			t.Errorf("node %d: got %+v, want %+v", i, n, nodes[i])
		}
	}
}

func TestDecodeRejectsMalformedBencode(t *testing.T) {
	if _, err := Decode([]byte("notbencode")); err == nil {
		t.Fatal("expected a ParseError for malformed bencode")
	} else if _, ok := err.(*ParseError); !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
}

func TestDecodeRejectsMissingMandatoryField(t *testing.T) {
	// A well-formed bencode dict missing "t" entirely.
	if _, err := Decode([]byte("d1:yi1ee")); err == nil {
		t.Fatal("expected a ParseError for missing t")
	}
}

func TestDecodeRejectsUnknownMethod(t *testing.T) {
	buf := []byte("d1:t2:\xaa\xbb1:y1:q1:q7:unknown1:ad2:id20:01234567890123456789ee")
	_, err := Decode(buf)
	if err == nil {
		t.Fatal("expected a ParseError for an unknown method")
	}
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	// The datagram is well-formed bencode with a readable t field; the
	// caller synthesising an error reply needs this to echo the tx_id
	// rather than fall back to a fresh random one (§4.3 step 1).
	if pe.TxID != "\xaa\xbb" {
		t.Fatalf("expected ParseError.TxID to carry the readable tx_id, got %q", pe.TxID)
	}
}

func TestDecodeParseErrorHasNoTxIDWhenTMissing(t *testing.T) {
	_, err := Decode([]byte("d1:yi1ee"))
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.TxID != "" {
		t.Fatalf("expected no tx_id when t itself is missing, got %q", pe.TxID)
	}
}

func TestEncodeErrorMessage(t *testing.T) {
	msg := &Message{TxID: ZeroTxID, Type: TypeError, ErrCode: ErrCodeProtocol, ErrMsg: "malformed request"}
	buf, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != TypeError || got.ErrCode != ErrCodeProtocol || got.ErrMsg != msg.ErrMsg {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}
