package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// ProcedureHandler serves one RPC addressed to "core". It must call
// reply exactly once, synchronously or later from another goroutine.
type ProcedureHandler func(arg json.RawMessage, reply func(res json.RawMessage, err *RPCError))

// Continuation is the one-shot callback a core-originated rpc_call
// resolves with.
type Continuation func(err *RPCError, res json.RawMessage)

// Core is the synthetic "core" bus participant: expose/call/emit.
// Each supervisor owns its own Core — it is never global state, so a
// process can host multiple concurrent sessions.
type Core struct {
	mu         sync.Mutex
	procedures map[string]ProcedureHandler
	pending    map[int64]Continuation
	counter    int64

	enqueue func(Envelope)
}

func newCore(enqueue func(Envelope)) *Core {
	return &Core{
		procedures: make(map[string]ProcedureHandler),
		pending:    make(map[int64]Continuation),
		enqueue:    enqueue,
	}
}

func (c *Core) nextMessageID() int64 {
	return atomic.AddInt64(&c.counter, 1)
}

// Expose installs handler under procName. Re-exposing replaces the
// prior handler.
func (c *Core) Expose(procName string, handler ProcedureHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.procedures[procName] = handler
}

func (c *Core) lookup(procName string) (ProcedureHandler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.procedures[procName]
	return h, ok
}

// Call synthesizes an rpc_call envelope from "core" to moduleName and
// records continuation against the fresh message id. continuation
// fires exactly once, with either an error or a result.
func (c *Core) Call(moduleName, proc string, arg any, continuation Continuation) error {
	argRaw, err := json.Marshal(arg)
	if err != nil {
		return err
	}
	id := c.nextMessageID()
	c.mu.Lock()
	c.pending[id] = continuation
	c.mu.Unlock()

	c.enqueue(Envelope{
		Typ: "rpc_call",
		Src: "core",
		Mid: int64Ptr(id),
		Dst: strPtr(moduleName),
		Prc: strPtr(proc),
		Arg: argRaw,
	})
	return nil
}

// Emit synthesizes a fire-and-forget event envelope from "core".
func (c *Core) Emit(eventType string, event any) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.enqueue(Envelope{
		Typ: eventType,
		Src: "core",
		Mid: int64Ptr(c.nextMessageID()),
		Evt: raw,
	})
	return nil
}

// resolvePending delivers an rpc_reply addressed to core. An unknown
// oid (already resolved, or never outstanding) is dropped silently.
func (c *Core) resolvePending(oid int64, err *RPCError, res json.RawMessage) {
	c.mu.Lock()
	continuation, ok := c.pending[oid]
	if ok {
		delete(c.pending, oid)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	continuation(err, res)
}
