// Package wire implements the KRPC/bencode codec described in the protocol
// design: encode/decode of Message values to/from a single UDP datagram.
// Grounded on the krpc.c/rpc.c message dictionary (t, y, q, id, target,
// nodes, e) and on the teacher's use of github.com/jackpal/bencode-go for
// marshalling.
package wire

import (
	"bytes"
	"fmt"

	"kadnode/util"

	bencode "github.com/jackpal/bencode-go"
)

// MaxUDPPacketSize is the datagram size budget; replies larger than this
// are an internal error and must never be sent (spec boundary behaviour).
const MaxUDPPacketSize = 1400

// ParseError wraps any failure to decode a datagram into a Message:
// malformed bencode, a missing mandatory field, or a field whose type
// disagrees with what the declared message type requires. TxID carries
// the incoming datagram's own tx_id when the parser got far enough to
// read it before the failure, so callers synthesising a KRPC error reply
// can echo it per §4.3 step 1 rather than falling back to a fresh random
// one for every validation failure past the bencode/envelope stage.
type ParseError struct {
	Reason string
	TxID   string
}

func (e *ParseError) Error() string { return "wire: parse error: " + e.Reason }

// MsgType is the KRPC message kind, carried on the wire as "y".
type MsgType int

const (
	TypeNone MsgType = iota
	TypeQuery
	TypeResponse
	TypeError
)

// Method is the KRPC method, carried on the wire as "q" for queries.
type Method int

const (
	MethodNone Method = iota
	MethodPing
	MethodFindNode
)

func (m Method) wireName() string {
	switch m {
	case MethodPing:
		return "ping"
	case MethodFindNode:
		return "find_node"
	default:
		return ""
	}
}

func methodFromWire(s string) Method {
	switch s {
	case "ping":
		return MethodPing
	case "find_node":
		return MethodFindNode
	default:
		return MethodNone
	}
}

// ErrCodeProtocol is used for every locally synthesised error reply; the
// spec names no other error codes.
const ErrCodeProtocol = 203

// Message is the flattened record the rest of the node operates on,
// independent of the bencode wire shape.
type Message struct {
	TxID     string // 2 raw bytes, mandatory. 0x0000 is the reserved sentinel.
	NodeID   util.NodeID
	Type     MsgType
	ErrCode  int
	ErrMsg   string
	Method   Method
	Target   util.NodeID
	Nodes    []util.NodeInfo
}

// ZeroTxID is the reserved "no tx id observed" sentinel.
var ZeroTxID = string([]byte{0, 0})

// envelope mirrors the bit-exact wire dictionary. Field tags are bare
// strings, matching the convention github.com/jackpal/bencode-go expects
// (the same convention the teacher's krpc.go message types use).
type envelope struct {
	T string                 "t"
	Y string                 "y"
	Q string                 "q"
	A map[string]interface{} "a"
	R map[string]interface{} "r"
	E []interface{}          "e"
}

// Encode turns msg into its bencoded wire form. Per spec this never fails
// for a well-formed Message; callers are responsible for checking the
// result against MaxUDPPacketSize before sending (an oversized reply is an
// internal error, not a codec error).
func Encode(msg *Message) ([]byte, error) {
	env := envelope{T: msg.TxID}
	switch msg.Type {
	case TypeQuery:
		env.Y = "q"
		env.Q = msg.Method.wireName()
		a := map[string]interface{}{"id": string(msg.NodeID.Bytes())}
		if msg.Method == MethodFindNode {
			a["target"] = string(msg.Target.Bytes())
		}
		env.A = a
	case TypeResponse:
		env.Y = "r"
		r := map[string]interface{}{"id": string(msg.NodeID.Bytes())}
		if len(msg.Nodes) > 0 {
			r["nodes"] = flattenNodes(msg.Nodes)
		}
		env.R = r
	case TypeError:
		env.Y = "e"
		env.E = []interface{}{int64(msg.ErrCode), msg.ErrMsg}
	default:
		return nil, fmt.Errorf("wire: cannot encode message of type %d", msg.Type)
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, env); err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// flattenNodes produces the flat ["id1","host1","service1",...] wire list
// this system uses instead of the BitTorrent compact contact form.
func flattenNodes(nodes []util.NodeInfo) []interface{} {
	flat := make([]interface{}, 0, len(nodes)*3)
	for _, n := range nodes {
		flat = append(flat, string(n.ID.Bytes()), n.Host, n.Service)
	}
	return flat
}

func unflattenNodes(raw interface{}) ([]util.NodeInfo, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, &ParseError{Reason: "nodes field is not a list"}
	}
	if len(list)%3 != 0 {
		return nil, &ParseError{Reason: "nodes list length is not a multiple of 3"}
	}
	nodes := make([]util.NodeInfo, 0, len(list)/3)
	for i := 0; i < len(list); i += 3 {
		idStr, ok1 := list[i].(string)
		host, ok2 := list[i+1].(string)
		service, ok3 := list[i+2].(string)
		if !ok1 || !ok2 || !ok3 {
			return nil, &ParseError{Reason: "nodes triple has non-string element"}
		}
		id, err := util.NodeIDFromString(idStr)
		if err != nil {
			return nil, &ParseError{Reason: "nodes triple has malformed id: " + err.Error()}
		}
		nodes = append(nodes, util.NodeInfo{ID: id, Host: host, Service: service})
	}
	return nodes, nil
}

// Decode parses a single UDP datagram into a Message, or returns a
// *ParseError describing why it could not.
func Decode(buf []byte) (msg *Message, err error) {
	defer func() {
		// bencode.Unmarshal can panic on certain malformed inputs; treat
		// that the same as any other parse failure.
		if x := recover(); x != nil {
			msg, err = nil, &ParseError{Reason: fmt.Sprintf("panic decoding datagram: %v", x)}
		}
	}()

	var env envelope
	if e := bencode.Unmarshal(bytes.NewReader(buf), &env); e != nil {
		return nil, &ParseError{Reason: "malformed bencode: " + e.Error()}
	}
	if len(env.T) == 0 {
		return nil, &ParseError{Reason: "missing mandatory field t"}
	}

	m := &Message{TxID: env.T}
	switch env.Y {
	case "q":
		m.Type = TypeQuery
		m.Method = methodFromWire(env.Q)
		if m.Method == MethodNone {
			return nil, &ParseError{Reason: "unknown or missing method " + env.Q, TxID: env.T}
		}
		idRaw, ok := env.A["id"].(string)
		if !ok {
			return nil, &ParseError{Reason: "query missing mandatory field a.id", TxID: env.T}
		}
		id, e := util.NodeIDFromString(idRaw)
		if e != nil {
			return nil, &ParseError{Reason: "malformed a.id: " + e.Error(), TxID: env.T}
		}
		m.NodeID = id
		if m.Method == MethodFindNode {
			targetRaw, ok := env.A["target"].(string)
			if !ok {
				return nil, &ParseError{Reason: "find_node query missing a.target", TxID: env.T}
			}
			target, e := util.NodeIDFromString(targetRaw)
			if e != nil {
				return nil, &ParseError{Reason: "malformed a.target: " + e.Error(), TxID: env.T}
			}
			m.Target = target
		}
	case "r":
		m.Type = TypeResponse
		idRaw, ok := env.R["id"].(string)
		if !ok {
			return nil, &ParseError{Reason: "response missing mandatory field r.id", TxID: env.T}
		}
		id, e := util.NodeIDFromString(idRaw)
		if e != nil {
			return nil, &ParseError{Reason: "malformed r.id: " + e.Error(), TxID: env.T}
		}
		m.NodeID = id
		if rawNodes, ok := env.R["nodes"]; ok {
			nodes, e := unflattenNodes(rawNodes)
			if e != nil {
				if pe, ok := e.(*ParseError); ok {
					pe.TxID = env.T
				}
				return nil, e
			}
			m.Nodes = nodes
		}
	case "e":
		m.Type = TypeError
		if len(env.E) != 2 {
			return nil, &ParseError{Reason: "error message must carry [code, message]", TxID: env.T}
		}
		code, ok := env.E[0].(int64)
		if !ok {
			return nil, &ParseError{Reason: "error code is not an integer", TxID: env.T}
		}
		msgStr, ok := env.E[1].(string)
		if !ok {
			return nil, &ParseError{Reason: "error message is not a string", TxID: env.T}
		}
		m.ErrCode = int(code)
		m.ErrMsg = msgStr
	default:
		m.Type = TypeNone
		return nil, &ParseError{Reason: "unknown or missing message type " + env.Y, TxID: env.T}
	}
	return m, nil
}
