// Package supervisor owns module lifecycle: spawning a module's
// child process, the crash-restart policy, graceful kill with a
// force-kill fallback, and race-free transitions between running and
// shutting-down modules (C7). It implements bus.ModuleTable so the
// dispatcher can route through it without knowing about processes at
// all. See spec.md §4.7.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/silexa/hostbus/internal/applog"
	"github.com/silexa/hostbus/internal/bus"
	"github.com/silexa/hostbus/internal/installer"
	"github.com/silexa/hostbus/internal/ipc"
	"github.com/silexa/hostbus/internal/modpath"
	"github.com/silexa/hostbus/internal/registry"
	"github.com/silexa/hostbus/internal/storage"
)

// maxRestarts caps how many times a crashing module is respawned
// before it is declared dead for the session, per spec.md §4.7.
const maxRestarts = 3

// forceKillTimeout is how long a module gets to honor a graceful
// kill RPC before the supervisor terminates its process directly.
var forceKillTimeout = 5 * time.Second

// state is the implicit RunningModule state machine from spec.md §4.7.
type state int

const (
	stateStarting state = iota
	stateRunning
	stateShuttingDown
)

// ProcessHandle is the narrow view the supervisor needs of a spawned
// child: wait for it to exit, or force-terminate it. Narrowing away
// from *exec.Cmd lets tests exercise restart/kill timing without
// spawning real OS processes.
type ProcessHandle interface {
	Wait() error
	Kill() error
}

// runningModule is in-memory lifecycle state for one module name.
type runningModule struct {
	mu            sync.Mutex
	path          string
	name          string
	state         state
	restartCount  int
	registrations []bus.Registration
	proc          ProcessHandle
	writer        *ipc.Writer
	exited        chan struct{} // closed exactly once, by waitForExit
}

// Spawner starts a module's child process rooted at storagePath,
// returning its handle plus its framed stdin/stdout.
type Spawner interface {
	Spawn(ctx context.Context, storagePath string) (proc ProcessHandle, writer *ipc.Writer, reader *ipc.Reader, err error)
}

// ExecSpawner spawns the module's entry point as an OS process,
// passing the host-mode disablement flag spec.md §4.7 reserves.
type ExecSpawner struct {
	Entrypoint string   // e.g. "node"
	Args       []string // passed before "--no-chrome", e.g. "." for the module's own entry point
}

// cmdHandle adapts *exec.Cmd to ProcessHandle.
type cmdHandle struct{ cmd *exec.Cmd }

func (h cmdHandle) Wait() error { return h.cmd.Wait() }

func (h cmdHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (s ExecSpawner) Spawn(ctx context.Context, storagePath string) (ProcessHandle, *ipc.Writer, *ipc.Reader, error) {
	args := append(append([]string{}, s.Args...), "--no-chrome")
	cmd := exec.CommandContext(ctx, s.Entrypoint, args...)
	cmd.Dir = storagePath
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}
	return cmdHandle{cmd: cmd}, ipc.NewWriter(stdin), ipc.NewReader(stdout), nil
}

// Supervisor implements bus.ModuleTable and the run/kill operations
// surface.
type Supervisor struct {
	mu       sync.Mutex
	running  map[string]*runningModule
	order    []string // running module names in first-run order, for Names()
	shutdown map[string]*runningModule

	registry *registry.Registry
	layout   *storage.Layout
	install  *installer.Installer
	spawner  Spawner
	logger   applog.Logger

	dispatcher *bus.Dispatcher
}

func New(reg *registry.Registry, layout *storage.Layout, install *installer.Installer, spawner Spawner, logger applog.Logger) *Supervisor {
	if logger == nil {
		logger = applog.Nop{}
	}
	s := &Supervisor{
		running:  make(map[string]*runningModule),
		shutdown: make(map[string]*runningModule),
		registry: reg,
		layout:   layout,
		install:  install,
		spawner:  spawner,
		logger:   logger,
	}
	s.dispatcher = bus.NewDispatcher(s, logger)
	return s
}

// Dispatcher returns the dispatcher wired to this supervisor's
// module table, so the host can Run it and reach Core().
func (s *Supervisor) Dispatcher() *bus.Dispatcher {
	return s.dispatcher
}

// IsRunning reports whether name is in the running set (used by the
// registry's List annotation).
func (s *Supervisor) IsRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[name]
	return ok
}

// --- bus.ModuleTable ---

// Names returns the currently running module names in the order each
// module first started running, so a caller iterating subscribers
// across modules (dispatcher.go's handleEvent) sees a stable delivery
// order within a single supervisor instance, per spec.md §4.7's
// iteration-order invariant. Go's native map iteration is randomized
// per run and cannot satisfy that on its own, hence the separate order
// slice kept alongside running.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}

// addRunningLocked records rm as running under name, appending name to
// the stable order the first time it runs. Callers must hold s.mu.
func (s *Supervisor) addRunningLocked(name string, rm *runningModule) {
	if _, exists := s.running[name]; !exists {
		s.order = append(s.order, name)
	}
	s.running[name] = rm
}

// removeRunningLocked drops name from both running and its place in
// order. Callers must hold s.mu.
func (s *Supervisor) removeRunningLocked(name string) {
	delete(s.running, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Supervisor) Registrations(name string) []bus.Registration {
	s.mu.Lock()
	rm, ok := s.running[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return append([]bus.Registration(nil), rm.registrations...)
}

func (s *Supervisor) AppendRegistration(name string, reg bus.Registration) {
	s.mu.Lock()
	rm, ok := s.running[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	rm.mu.Lock()
	rm.registrations = append(rm.registrations, reg)
	rm.mu.Unlock()
}

func (s *Supervisor) RemoveRegistrationsByID(name string, rid int64) {
	s.mu.Lock()
	rm, ok := s.running[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := rm.registrations[:0]
	for _, reg := range rm.registrations {
		if reg.ID != rid {
			out = append(out, reg)
		}
	}
	rm.registrations = out
}

func (s *Supervisor) SendTo(name string, msg bus.Envelope) error {
	s.mu.Lock()
	rm, ok := s.running[name]
	if !ok {
		rm, ok = s.shutdown[name]
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no running module named %q", name)
	}
	rm.mu.Lock()
	writer := rm.writer
	rm.mu.Unlock()
	if writer == nil {
		return fmt.Errorf("module %q has no live writer", name)
	}
	return writer.Send(msg)
}

// --- lifecycle operations ---

// RunModule fetches the registry record, installs it idempotently,
// and spawns the child process, per spec.md §4.7.
func (s *Supervisor) RunModule(ctx context.Context, path string) error {
	rec, err := s.registry.GetByPath(path)
	if err != nil {
		return err
	}
	id, err := modpath.Parse(path)
	if err != nil {
		return err
	}
	if id.Kind == modpath.Remote {
		id.Tag = rec.Tag
	}
	if err := s.install.Install(ctx, id); err != nil {
		return err
	}
	return s.startChild(ctx, path, rec.Name, id)
}

func (s *Supervisor) startChild(ctx context.Context, path, name string, id modpath.Identifier) error {
	s.mu.Lock()
	rm, exists := s.running[name]
	if !exists {
		rm = &runningModule{path: path, name: name}
	}
	s.addRunningLocked(name, rm)
	s.mu.Unlock()

	rm.mu.Lock()
	rm.state = stateStarting
	rm.mu.Unlock()

	storagePath := s.layout.InstallPath(id)
	proc, writer, reader, err := s.spawner.Spawn(ctx, storagePath)
	if err != nil {
		s.mu.Lock()
		s.removeRunningLocked(name)
		s.mu.Unlock()
		return err
	}

	exited := make(chan struct{})
	rm.mu.Lock()
	rm.proc = proc
	rm.writer = writer
	rm.exited = exited
	rm.mu.Unlock()

	go s.readLoop(name, reader)
	go s.waitForExit(path, name, id, proc, exited)
	return nil
}

// readLoop forwards every framed message from a child into the
// dispatcher, rewriting hdr.src to the supervisor's canonical name
// first so a child can never spoof another sender. The
// internal:ready handshake is intercepted here, before dispatch.
func (s *Supervisor) readLoop(name string, reader *ipc.Reader) {
	for {
		line, err := reader.Next()
		if err != nil {
			return
		}
		var msg bus.Envelope
		if jsonErr := json.Unmarshal(line, &msg); jsonErr != nil {
			s.logger.Log(map[string]any{"event": "child_message_decode_failed", "level": "warn", "module": name, "error": jsonErr.Error()})
			continue
		}
		msg.Src = name

		if msg.Kind() == bus.KindEvent && msg.Typ == "internal:ready" {
			s.onReady(name)
			continue
		}
		s.dispatcher.Enqueue(msg)
	}
}

func (s *Supervisor) onReady(name string) {
	s.mu.Lock()
	rm, ok := s.running[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	rm.mu.Lock()
	rm.state = stateRunning
	rm.mu.Unlock()

	_ = s.dispatcher.Core().Call(name, "init", map[string]any{}, func(err *bus.RPCError, res json.RawMessage) {})
}

// waitForExit owns every mutation of s.running/s.shutdown triggered
// by process exit, so those transitions never race against
// KillModule's own bookkeeping.
func (s *Supervisor) waitForExit(path, name string, id modpath.Identifier, proc ProcessHandle, exited chan struct{}) {
	_ = proc.Wait()

	// exited is only closed once every map mutation for this exit is
	// finished, so a goroutine unblocked by <-exited (KillModule) never
	// observes running/shutdown in a half-updated state.
	s.mu.Lock()
	if _, ok := s.shutdown[name]; ok {
		delete(s.shutdown, name)
		s.mu.Unlock()
		close(exited)
		return
	}
	rm, ok := s.running[name]
	if !ok {
		s.mu.Unlock()
		close(exited)
		return
	}
	s.mu.Unlock()

	rm.mu.Lock()
	rm.registrations = nil
	rm.proc = nil
	rm.writer = nil
	restartCount := rm.restartCount
	rm.mu.Unlock()

	if restartCount < maxRestarts {
		rm.mu.Lock()
		rm.restartCount++
		rm.mu.Unlock()
		close(exited)
		_ = s.startChild(context.Background(), path, name, id)
		return
	}

	s.mu.Lock()
	s.removeRunningLocked(name)
	s.mu.Unlock()
	s.logger.Log(map[string]any{"event": "restart_budget_exhausted", "level": "warn", "module": name, "restarts": restartCount})
	close(exited)
}

// KillModule asks the child to shut down gracefully, force-killing it
// after forceKillTimeout, per spec.md §4.7.
func (s *Supervisor) KillModule(path string) error {
	rec, err := s.registry.GetByPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	rm, ok := s.running[rec.Name]
	if ok {
		s.removeRunningLocked(rec.Name)
		s.shutdown[rec.Name] = rm
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	_ = s.dispatcher.Core().Call(rec.Name, "kill", map[string]any{}, func(err *bus.RPCError, res json.RawMessage) {})

	rm.mu.Lock()
	proc := rm.proc
	exited := rm.exited
	rm.mu.Unlock()

	select {
	case <-exited:
	case <-time.After(forceKillTimeout):
		if proc != nil {
			_ = proc.Kill()
		}
		<-exited
	}
	return nil
}

// Kill tears down every currently running module in parallel,
// completing when all have acknowledged. Modules already in the
// shutting-down set are left alone.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	recordsByName := make(map[string]string, len(s.running))
	for name, rm := range s.running {
		recordsByName[name] = rm.path
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(recordsByName))
	for _, path := range recordsByName {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			errs <- s.KillModule(path)
		}(path)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
