// Package bus implements the message dispatcher and the synthetic
// core endpoint (C6/C8): a topology-aware router for the five
// envelope kinds, regex-based subscription matching, and RPC
// correlation across process boundaries. See spec.md §4.6/§4.8.
package bus

import "encoding/json"

// Kind discriminates the five envelope shapes. Unlike a conventional
// tagged union, the wire "typ" field only spells out the kind
// literally for register/unregister/rpc_call/rpc_reply; an event
// envelope's "typ" instead carries the application event type (e.g.
// "state:change"), so Kind is derived structurally from which
// optional fields are present, not read off Typ.
type Kind string

const (
	KindRegister   Kind = "register"
	KindUnregister Kind = "unregister"
	KindEvent      Kind = "event"
	KindRPCCall    Kind = "rpc_call"
	KindRPCReply   Kind = "rpc_reply"
)

// RPCError is the wire shape of a failed RPC reply.
type RPCError struct {
	Msg string `json:"msg"`
	Nme string `json:"nme"`
}

// Envelope is the message envelope from spec.md §3. Optional fields
// are pointers so presence, not zero-value, drives routing — Mid
// included, since spec.md §3 only fixes it as "a sender-scoped
// monotonic id" with no floor, so a sender whose counter legitimately
// starts at 0 must not have that first message treated as missing one.
type Envelope struct {
	Typ string `json:"typ"`
	Src string `json:"src"`
	Mid *int64 `json:"mid"`

	Evt json.RawMessage `json:"evt,omitempty"`

	Dst *string         `json:"dst,omitempty"`
	Prc *string         `json:"prc,omitempty"`
	Arg json.RawMessage `json:"arg,omitempty"`

	Oid *int64          `json:"oid,omitempty"`
	Err *RPCError       `json:"err,omitempty"`
	Res json.RawMessage `json:"res,omitempty"`

	SrcPattern *string `json:"src_pattern,omitempty"`
	TypPattern *string `json:"typ_pattern,omitempty"`

	Rid *int64 `json:"rid,omitempty"`
}

// Kind derives the envelope's structural kind.
func (e Envelope) Kind() Kind {
	switch {
	case e.SrcPattern != nil && e.TypPattern != nil:
		return KindRegister
	case e.Rid != nil:
		return KindUnregister
	case e.Dst != nil && e.Oid != nil:
		return KindRPCReply
	case e.Dst != nil:
		return KindRPCCall
	default:
		return KindEvent
	}
}

// Valid reports whether the envelope carries the three header fields
// every message must have, per the dispatcher's validation gate. Mid
// is checked for wire presence (non-nil), not against its numeric
// value, since 0 is a legal mid.
func (e Envelope) Valid() bool {
	return e.Typ != "" && e.Mid != nil && e.Src != ""
}

func strPtr(s string) *string { return &s }
func int64Ptr(i int64) *int64 { return &i }
