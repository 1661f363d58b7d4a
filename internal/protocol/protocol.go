// Package protocol defines the JSON frames exchanged between the relay and
// its participants.
//
// Every frame is a single self-contained JSON object whose "type" field
// selects one of the message kinds below. Frames with a type this package
// does not know decode to *Unknown so newer peers can talk to older ones.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks a frame that could not be decoded. Callers drop the
// frame and keep the connection.
var ErrMalformed = errors.New("malformed frame")

// Role is the part a connection plays in a room.
type Role string

const (
	RoleHost   Role = "host"
	RoleViewer Role = "viewer"
)

// ParseRole accepts "host" and "viewer".
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleHost, RoleViewer:
		return Role(s), true
	}
	return "", false
}

const (
	TypeHello        = "hello"
	TypeJoin         = "join"
	TypePing         = "ping"
	TypeOps          = "ops"
	TypePresence     = "presence"
	TypeMapSet       = "map:set"
	TypeMapEnsure    = "map:ensure"
	TypeMapGet       = "map:get"
	TypeMapSync      = "map:sync"
	TypeMapAck       = "map:ack"
	TypeMapEmpty     = "map:empty"
	TypeProbe        = "probe"
	TypeProbeAck     = "probe:ack"
	TypeProbeSummary = "probe:summary"
)

// Message is one decoded frame. The set of implementations is closed.
type Message interface {
	Type() string
	message()
}

type Hello struct {
	Role Role `json:"role"`
}

type Join struct {
	Role Role   `json:"role"`
	Room string `json:"room"`
}

type Ping struct{}

// Ops carries a batch of operations. Snapshot frames carry the full
// current state of a room rather than a delta.
type Ops struct {
	Seq      uint64      `json:"seq,omitempty"`
	Ops      []Operation `json:"ops"`
	Snapshot bool        `json:"snapshot,omitempty"`
}

type Presence struct {
	Room    string `json:"room"`
	Hosts   int    `json:"hosts"`
	Viewers int    `json:"viewers"`
}

type MapSet struct {
	Map []MappingEntry `json:"map"`
	Key string         `json:"key,omitempty"`
}

// MapEnsure is a MapSet that never replaces a stored map with an empty one.
type MapEnsure struct {
	Map []MappingEntry `json:"map"`
	Key string         `json:"key,omitempty"`
}

type MapGet struct{}

type MapSync struct {
	Map []MappingEntry `json:"map"`
	Key string         `json:"key"`
}

type MapAck struct {
	Key     string `json:"key"`
	Viewers int    `json:"viewers"`
}

type MapEmpty struct{}

type Probe struct {
	ID string `json:"id"`
}

type ProbeAck struct {
	ID string `json:"id"`
}

type ProbeSummary struct {
	ID           string `json:"id"`
	Count        int    `json:"count"`
	TotalViewers int    `json:"totalViewers"`
}

// Unknown is a frame with a type this package does not handle. Raw holds
// the frame exactly as received.
type Unknown struct {
	Kind string
	Raw  json.RawMessage
}

func (*Hello) Type() string        { return TypeHello }
func (*Join) Type() string         { return TypeJoin }
func (*Ping) Type() string         { return TypePing }
func (*Ops) Type() string          { return TypeOps }
func (*Presence) Type() string     { return TypePresence }
func (*MapSet) Type() string       { return TypeMapSet }
func (*MapEnsure) Type() string    { return TypeMapEnsure }
func (*MapGet) Type() string       { return TypeMapGet }
func (*MapSync) Type() string      { return TypeMapSync }
func (*MapAck) Type() string       { return TypeMapAck }
func (*MapEmpty) Type() string     { return TypeMapEmpty }
func (*Probe) Type() string        { return TypeProbe }
func (*ProbeAck) Type() string     { return TypeProbeAck }
func (*ProbeSummary) Type() string { return TypeProbeSummary }
func (u *Unknown) Type() string    { return u.Kind }

func (*Hello) message()        {}
func (*Join) message()         {}
func (*Ping) message()         {}
func (*Ops) message()          {}
func (*Presence) message()     {}
func (*MapSet) message()       {}
func (*MapEnsure) message()    {}
func (*MapGet) message()       {}
func (*MapSync) message()      {}
func (*MapAck) message()       {}
func (*MapEmpty) message()     {}
func (*Probe) message()        {}
func (*ProbeAck) message()     {}
func (*ProbeSummary) message() {}
func (*Unknown) message()      {}

// MarshalJSON keeps "ops" an array even when the batch is empty, so an
// empty snapshot reads as [] and not null.
func (o Ops) MarshalJSON() ([]byte, error) {
	type plain Ops
	if o.Ops == nil {
		o.Ops = []Operation{}
	}
	return json.Marshal(plain(o))
}

// MarshalJSON keeps "map" an array for the same reason as Ops.
func (m MapSync) MarshalJSON() ([]byte, error) {
	type plain MapSync
	if m.Map == nil {
		m.Map = []MappingEntry{}
	}
	return json.Marshal(plain(m))
}

type envelope struct {
	Type string `json:"type"`
}

// Decode parses one frame. Errors wrap ErrMalformed.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	var msg Message
	switch env.Type {
	case TypeHello:
		msg = &Hello{}
	case TypeJoin:
		msg = &Join{}
	case TypePing:
		msg = &Ping{}
	case TypeOps:
		msg = &Ops{}
	case TypePresence:
		msg = &Presence{}
	case TypeMapSet:
		msg = &MapSet{}
	case TypeMapEnsure:
		msg = &MapEnsure{}
	case TypeMapGet:
		msg = &MapGet{}
	case TypeMapSync:
		msg = &MapSync{}
	case TypeMapAck:
		msg = &MapAck{}
	case TypeMapEmpty:
		msg = &MapEmpty{}
	case TypeProbe:
		msg = &Probe{}
	case TypeProbeAck:
		msg = &ProbeAck{}
	case TypeProbeSummary:
		msg = &ProbeSummary{}
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return &Unknown{Kind: env.Type, Raw: raw}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

// Encode renders msg as a single frame with its type tag first.
func Encode(msg Message) ([]byte, error) {
	if u, ok := msg.(*Unknown); ok {
		return u.Raw, nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Type(), err)
	}
	tag, _ := json.Marshal(msg.Type())

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for messages built by this process, which always
// encode.
func MustEncode(msg Message) []byte {
	data, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return data
}

// ParseOps accepts an ops frame or a bare array of operations.
func ParseOps(payload []byte) ([]Operation, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var ops []Operation
		if err := json.Unmarshal(trimmed, &ops); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return ops, nil
	}

	msg, err := Decode(trimmed)
	if err != nil {
		return nil, err
	}
	frame, ok := msg.(*Ops)
	if !ok {
		return nil, fmt.Errorf("%w: expected ops, got %s", ErrMalformed, msg.Type())
	}
	return frame.Ops, nil
}
