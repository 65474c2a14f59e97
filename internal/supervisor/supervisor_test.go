package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/silexa/hostbus/internal/applog"
	"github.com/silexa/hostbus/internal/docstore"
	"github.com/silexa/hostbus/internal/installer"
	"github.com/silexa/hostbus/internal/ipc"
	"github.com/silexa/hostbus/internal/registry"
	"github.com/silexa/hostbus/internal/storage"
)

// fakeProc is a ProcessHandle driven entirely by the test: Wait blocks
// until the test (or Kill) closes done, simulating process exit.
type fakeProc struct {
	mu     sync.Mutex
	done   chan struct{}
	killed bool
}

func newFakeProc() *fakeProc {
	return &fakeProc{done: make(chan struct{})}
}

func (p *fakeProc) Wait() error {
	<-p.done
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	p.closeLocked()
	return nil
}

func (p *fakeProc) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *fakeProc) closeLocked() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

func (p *fakeProc) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// fakeSpawn records one Spawn call: its process handle and the
// supervisor-side reader (fed from a pipe the test can write to, to
// simulate child stdout traffic such as internal:ready).
type fakeSpawn struct {
	proc       *fakeProc
	hostReader *ipc.Reader
	childSide  io.WriteCloser
	sent       *capturingWriter
}

func (s *fakeSpawn) writeLine(line string) {
	_, _ = io.WriteString(s.childSide, line+"\n")
}

// capturingWriter stands in for a child's stdin: it records every
// line the supervisor writes so a test can assert on delivered
// envelopes without a real process on the other end.
type capturingWriter struct {
	mu    sync.Mutex
	lines []string
}

func (w *capturingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, string(p))
	return len(p), nil
}

func (w *capturingWriter) all() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.lines...)
}

// fakeSpawner hands out a fakeProc plus a pipe-backed reader per
// Spawn call, with no OS process involved.
type fakeSpawner struct {
	mu     sync.Mutex
	spawns []*fakeSpawn
}

func (s *fakeSpawner) Spawn(ctx context.Context, storagePath string) (ProcessHandle, *ipc.Writer, *ipc.Reader, error) {
	stdoutR, stdoutW := io.Pipe()

	proc := newFakeProc()
	sent := &capturingWriter{}
	spawn := &fakeSpawn{proc: proc, hostReader: ipc.NewReader(stdoutR), childSide: stdoutW, sent: sent}

	s.mu.Lock()
	s.spawns = append(s.spawns, spawn)
	s.mu.Unlock()

	return proc, ipc.NewWriter(sent), spawn.hostReader, nil
}

func (s *fakeSpawner) at(i int) *fakeSpawn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns[i]
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawns)
}

type fakePackages struct{}

func (fakePackages) Install(ctx context.Context, storagePath string) error { return nil }

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeSpawner, *registry.Registry) {
	t.Helper()
	store := docstore.NewMemory()
	reg := registry.New(store, nil, nil)
	layout := storage.NewLayout(t.TempDir())
	inst := installer.New(layout, nil, fakePackages{})
	spawner := &fakeSpawner{}
	forceKillTimeout = 50 * time.Millisecond
	sup := New(reg, layout, inst, spawner, applog.Nop{})
	return sup, spawner, reg
}

func addLocalModule(t *testing.T, reg *registry.Registry, name string) string {
	t.Helper()
	dir := t.TempDir()
	manifest := fmt.Sprintf(`{"name":%q,"version":"1.0.0"}`, name)
	if err := os.WriteFile(dir+"/package.json", []byte(manifest), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	rec, err := reg.Add(context.Background(), "local:"+dir)
	if err != nil {
		t.Fatalf("registry add: %v", err)
	}
	return rec.Path
}

func TestKillModuleCompletesWhenChildExitsPromptly(t *testing.T) {
	sup, spawner, reg := newTestSupervisor(t)
	path := addLocalModule(t, reg, "prompt-module")

	if err := sup.RunModule(context.Background(), path); err != nil {
		t.Fatalf("run module: %v", err)
	}

	spawn := spawner.at(0)
	go func() {
		time.Sleep(5 * time.Millisecond)
		spawn.proc.exit()
	}()

	start := time.Now()
	if err := sup.KillModule(path); err != nil {
		t.Fatalf("kill module: %v", err)
	}
	if time.Since(start) >= forceKillTimeout {
		t.Fatalf("expected graceful exit well before the force-kill timeout")
	}
	if spawn.proc.wasKilled() {
		t.Fatal("a promptly exiting child should never be force-killed")
	}
	if sup.IsRunning("prompt-module") {
		t.Fatal("module should no longer be running")
	}
}

func TestKillModuleForceKillsAfterTimeout(t *testing.T) {
	sup, spawner, reg := newTestSupervisor(t)
	path := addLocalModule(t, reg, "stubborn-module")

	if err := sup.RunModule(context.Background(), path); err != nil {
		t.Fatalf("run module: %v", err)
	}
	spawn := spawner.at(0)

	start := time.Now()
	if err := sup.KillModule(path); err != nil {
		t.Fatalf("kill module: %v", err)
	}
	if time.Since(start) < forceKillTimeout {
		t.Fatalf("expected KillModule to block for at least the force-kill timeout")
	}
	if !spawn.proc.wasKilled() {
		t.Fatal("expected the force-kill path to have been exercised")
	}
}

func TestKillModuleLeavesModuleAbsentFromBothSets(t *testing.T) {
	sup, spawner, reg := newTestSupervisor(t)
	path := addLocalModule(t, reg, "clean-teardown")

	if err := sup.RunModule(context.Background(), path); err != nil {
		t.Fatalf("run module: %v", err)
	}
	spawn := spawner.at(0)
	go func() {
		time.Sleep(5 * time.Millisecond)
		spawn.proc.exit()
	}()

	if err := sup.KillModule(path); err != nil {
		t.Fatalf("kill module: %v", err)
	}

	sup.mu.Lock()
	_, inRunning := sup.running["clean-teardown"]
	_, inShutdown := sup.shutdown["clean-teardown"]
	sup.mu.Unlock()
	if inRunning || inShutdown {
		t.Fatal("module must be absent from both running and shutdown sets once KillModule returns")
	}
}

func TestCrashRestartsUpToMaxThenStaysDead(t *testing.T) {
	sup, spawner, reg := newTestSupervisor(t)
	path := addLocalModule(t, reg, "flaky-module")

	if err := sup.RunModule(context.Background(), path); err != nil {
		t.Fatalf("run module: %v", err)
	}

	// Crash the module maxRestarts+1 times in a row; each crash should
	// trigger exactly one respawn until the cap is hit.
	for i := 0; i < maxRestarts+1; i++ {
		waitForCondition(t, func() bool { return spawner.count() >= i+1 })
		spawner.at(i).proc.exit()
		time.Sleep(10 * time.Millisecond)
	}

	waitForCondition(t, func() bool { return !sup.IsRunning("flaky-module") })

	if total := spawner.count(); total != maxRestarts+1 {
		t.Fatalf("expected exactly %d spawns (1 initial + %d restarts), got %d", maxRestarts+1, maxRestarts, total)
	}
}

func TestReadyHandshakeTransitionsToRunning(t *testing.T) {
	sup, spawner, reg := newTestSupervisor(t)
	path := addLocalModule(t, reg, "handshake-module")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Dispatcher().Run(ctx)

	if err := sup.RunModule(context.Background(), path); err != nil {
		t.Fatalf("run module: %v", err)
	}

	sup.mu.Lock()
	rm := sup.running["handshake-module"]
	sup.mu.Unlock()
	rm.mu.Lock()
	if rm.state != stateStarting {
		t.Fatalf("expected stateStarting before the ready handshake, got %v", rm.state)
	}
	rm.mu.Unlock()

	spawn := spawner.at(0)
	spawn.writeLine(`{"typ":"internal:ready","src":"handshake-module","mid":1}`)

	waitForCondition(t, func() bool {
		rm.mu.Lock()
		defer rm.mu.Unlock()
		return rm.state == stateRunning
	})
}

func TestReadLoopRewritesSourceToPreventSpoofing(t *testing.T) {
	sup, spawner, reg := newTestSupervisor(t)
	path := addLocalModule(t, reg, "honest-module")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Dispatcher().Run(ctx)

	if err := sup.RunModule(context.Background(), path); err != nil {
		t.Fatalf("run module: %v", err)
	}

	second := addLocalModule(t, reg, "other-module")
	if err := sup.RunModule(context.Background(), second); err != nil {
		t.Fatalf("run second module: %v", err)
	}

	// other-module subscribes only to events whose src is exactly
	// "honest-module".
	srcPattern, typPattern := "^honest-module$", "spoof:.*"
	spawner.at(1).writeLine(fmt.Sprintf(
		`{"typ":"register","src":"other-module","mid":1,"src_pattern":%q,"typ_pattern":%q}`,
		srcPattern, typPattern))
	waitForCondition(t, func() bool { return len(sup.Registrations("other-module")) == 1 })

	// honest-module tries to impersonate other-module as the sender.
	// readLoop must overwrite src back to "honest-module" before the
	// dispatcher ever sees the message, so it still matches
	// other-module's subscription instead of being misattributed (or
	// silently dropped by the self-exclusion rule).
	spawner.at(0).writeLine(`{"typ":"spoof:event","src":"other-module","mid":2}`)

	waitForCondition(t, func() bool { return len(spawner.at(1).sent.all()) == 1 })
	delivered := spawner.at(1).sent.all()[0]
	if !strings.Contains(delivered, `"src":"honest-module"`) {
		t.Fatalf("expected delivered envelope to carry the rewritten src, got %s", delivered)
	}
}

func TestNamesReturnsRunningModulesInFirstRunOrder(t *testing.T) {
	sup, _, reg := newTestSupervisor(t)

	pathC := addLocalModule(t, reg, "module-c")
	pathA := addLocalModule(t, reg, "module-a")
	pathB := addLocalModule(t, reg, "module-b")

	for _, path := range []string{pathC, pathA, pathB} {
		if err := sup.RunModule(context.Background(), path); err != nil {
			t.Fatalf("run module: %v", err)
		}
	}

	want := []string{"module-c", "module-a", "module-b"}
	got := sup.Names()
	if len(got) != len(want) {
		t.Fatalf("expected %d running modules, got %v", len(want), got)
	}
	for i, name := range want {
		if got[i] != name {
			t.Fatalf("expected Names() == %v in run order, got %v", want, got)
		}
	}
}

func waitForCondition(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
