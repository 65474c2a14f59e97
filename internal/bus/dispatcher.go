package bus

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/silexa/hostbus/internal/applog"
	"github.com/silexa/hostbus/internal/hosterr"
)

// Registration is one subscription installed by a "register"
// message.
type Registration struct {
	ID       int64
	SourceRe *regexp.Regexp
	TypeRe   *regexp.Regexp
}

// ModuleTable is the supervisor-owned view the dispatcher routes
// against: which modules are running, their registrations, and how
// to deliver a message to one of them. Names must iterate in a
// stable order — delivery order across subscribers depends on it.
type ModuleTable interface {
	Names() []string
	IsRunning(name string) bool
	Registrations(name string) []Registration
	AppendRegistration(name string, reg Registration)
	RemoveRegistrationsByID(name string, rid int64)
	SendTo(name string, msg Envelope) error
}

// Dispatcher is the central routing function, running its own event
// loop on a dedicated goroutine so that all dispatcher state
// mutation is single-threaded with no locking required inside it.
// Deferred re-dispatch (the "next scheduler tick" rule for
// core-originated RPC replies) is just another send on inbox — since
// Run is the sole reader, a send from within message processing is
// never handled before the current message finishes.
type Dispatcher struct {
	modules ModuleTable
	core    *Core
	inbox   chan Envelope
	logger  applog.Logger
}

func NewDispatcher(modules ModuleTable, logger applog.Logger) *Dispatcher {
	if logger == nil {
		logger = applog.Nop{}
	}
	d := &Dispatcher{modules: modules, inbox: make(chan Envelope, 1024), logger: logger}
	d.core = newCore(d.Enqueue)
	return d
}

// Core returns the supervisor's synthetic core endpoint.
func (d *Dispatcher) Core() *Core {
	return d.core
}

// Enqueue submits a message for processing. Safe to call from any
// goroutine: a child's reader goroutine, a procedure handler's
// continuation, or Core.Call/Core.Emit.
func (d *Dispatcher) Enqueue(msg Envelope) {
	d.inbox <- msg
}

// Run processes messages until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.inbox:
			d.process(msg)
		}
	}
}

func (d *Dispatcher) process(msg Envelope) {
	if !msg.Valid() {
		d.drop(msg, "missing required header field")
		return
	}
	if msg.Src != "core" && !d.modules.IsRunning(msg.Src) {
		d.drop(msg, "unknown source")
		return
	}
	switch msg.Kind() {
	case KindRegister:
		d.handleRegister(msg)
	case KindUnregister:
		d.handleUnregister(msg)
	case KindEvent:
		d.handleEvent(msg)
	case KindRPCCall:
		d.handleRPCCall(msg)
	case KindRPCReply:
		d.handleRPCReply(msg)
	}
}

func (d *Dispatcher) drop(msg Envelope, reason string) {
	d.logger.Log(map[string]any{
		"event":  "dispatch_drop",
		"level":  "warn",
		"reason": reason,
		"src":    msg.Src,
		"typ":    msg.Typ,
	})
}

func (d *Dispatcher) handleRegister(msg Envelope) {
	sourceRe, err := regexp.Compile(*msg.SrcPattern)
	if err != nil {
		d.drop(msg, "malformed src_pattern")
		return
	}
	typeRe, err := regexp.Compile(*msg.TypPattern)
	if err != nil {
		d.drop(msg, "malformed typ_pattern")
		return
	}
	d.modules.AppendRegistration(msg.Src, Registration{ID: *msg.Mid, SourceRe: sourceRe, TypeRe: typeRe})
}

func (d *Dispatcher) handleUnregister(msg Envelope) {
	d.modules.RemoveRegistrationsByID(msg.Src, *msg.Rid)
}

func (d *Dispatcher) handleEvent(msg Envelope) {
	for _, name := range d.modules.Names() {
		if name == msg.Src {
			continue
		}
		for _, reg := range d.modules.Registrations(name) {
			if reg.SourceRe.MatchString(msg.Src) && reg.TypeRe.MatchString(msg.Typ) {
				if err := d.modules.SendTo(name, msg); err != nil {
					d.drop(msg, "event delivery failed: "+err.Error())
				}
			}
		}
	}
}

func (d *Dispatcher) handleRPCCall(msg Envelope) {
	if *msg.Dst != "core" {
		if err := d.modules.SendTo(*msg.Dst, msg); err != nil {
			d.drop(msg, "rpc_call forward failed: "+err.Error())
		}
		return
	}

	reply := Envelope{
		Typ: "rpc_reply",
		Src: "core",
		Mid: int64Ptr(d.core.nextMessageID()),
		Dst: strPtr(msg.Src),
		Oid: int64Ptr(*msg.Mid),
	}

	handler, ok := d.core.lookup(*msg.Prc)
	if !ok {
		reply.Err = &RPCError{Msg: "procedure not found", Nme: string(hosterr.ProcedureMissing)}
		d.Enqueue(reply)
		return
	}

	handler(msg.Arg, func(res json.RawMessage, rpcErr *RPCError) {
		r := reply
		r.Res = res
		r.Err = rpcErr
		d.Enqueue(r)
	})
}

func (d *Dispatcher) handleRPCReply(msg Envelope) {
	if *msg.Dst != "core" {
		if err := d.modules.SendTo(*msg.Dst, msg); err != nil {
			d.drop(msg, "rpc_reply forward failed: "+err.Error())
		}
		return
	}
	d.core.resolvePending(*msg.Oid, msg.Err, msg.Res)
}
