// Package session wires every other internal package into the one
// constructor-level type a host application actually talks to: add,
// list, install, remove, run, kill a module, plus the Core() endpoint
// for expose/call/emit. See spec.md §2 and §6.
package session

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/silexa/hostbus/internal/applog"
	"github.com/silexa/hostbus/internal/bus"
	"github.com/silexa/hostbus/internal/docstore"
	"github.com/silexa/hostbus/internal/hosterr"
	"github.com/silexa/hostbus/internal/installer"
	"github.com/silexa/hostbus/internal/modpath"
	"github.com/silexa/hostbus/internal/pkginstall"
	"github.com/silexa/hostbus/internal/registry"
	"github.com/silexa/hostbus/internal/remotehost"
	"github.com/silexa/hostbus/internal/resolver"
	"github.com/silexa/hostbus/internal/storage"
	"github.com/silexa/hostbus/internal/supervisor"
)

// Options configures one Session. Zero-value Options is usable: an
// in-memory registry, the default GitHub remote host, and npm as the
// package-install delegate.
type Options struct {
	// DataDir roots both the durable registry file (if Durable) and
	// the shared module install cache. Required when Durable is true.
	DataDir string

	// Durable persists the registry to <DataDir>/<id>/registry.json
	// instead of keeping it in memory only.
	Durable bool

	// Remote overrides the default GitHub-shaped remote host spec.
	Remote remotehost.Spec

	// Spawner overrides how a module's child process is started.
	// Defaults to supervisor.ExecSpawner{Entrypoint: "node", Args:
	// []string{"."}}, which runs the install directory's package entry
	// point.
	Spawner supervisor.Spawner

	// PackageInstaller overrides the dependency-materialization
	// delegate. Defaults to pkginstall.NewNPM with a 5 minute timeout.
	PackageInstaller pkginstall.Installer

	Logger applog.Logger
}

// Session is the package's single constructor-level entry point: one
// registry, one dispatcher, one supervisor, one install root, wired
// along the data flow of spec.md §2.
type Session struct {
	id     string
	logger applog.Logger

	registry   *registry.Registry
	layout     *storage.Layout
	installer  *installer.Installer
	supervisor *supervisor.Supervisor
	remote     *remotehost.Client

	cancel context.CancelFunc
}

// New wires C1-C13 together and starts the dispatcher's event loop on
// a background goroutine. Call Close when the session ends.
func New(opts Options) (*Session, error) {
	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = applog.Nop{}
	}

	remote := remotehost.NewClient(remotehost.Config{Spec: opts.Remote, MaxRetries: 3})
	res := resolver.New(remote)

	var store docstore.Store
	if opts.Durable {
		if opts.DataDir == "" {
			return nil, hosterr.New(hosterr.InvalidPath, "session: DataDir is required when Durable is set")
		}
		store = docstore.NewJSONFile(filepath.Join(opts.DataDir, id, "registry.json"))
	} else {
		store = docstore.NewMemory()
	}
	reg := registry.New(store, res, remote)

	root := opts.DataDir
	if root == "" {
		root = "."
	}
	layout := storage.NewLayout(filepath.Join(root, storage.DefaultRootName))

	packages := opts.PackageInstaller
	if packages == nil {
		packages = pkginstall.NewNPM(5 * time.Minute)
	}
	inst := installer.New(layout, remote, packages)

	spawner := opts.Spawner
	if spawner == nil {
		spawner = supervisor.ExecSpawner{Entrypoint: "node", Args: []string{"."}}
	}
	sup := supervisor.New(reg, layout, inst, spawner, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Dispatcher().Run(ctx)

	return &Session{
		id:         id,
		logger:     logger,
		registry:   reg,
		layout:     layout,
		installer:  inst,
		supervisor: sup,
		remote:     remote,
		cancel:     cancel,
	}, nil
}

// ID is this session's opaque identifier, a fresh google/uuid v4
// string minted at construction.
func (s *Session) ID() string { return s.id }

// Core returns the synthetic "core" bus endpoint for expose/call/emit.
func (s *Session) Core() *bus.Core { return s.supervisor.Dispatcher().Core() }

// Add parses, resolves, and durably records a new module at raw,
// rejecting conflicting or duplicate entries. See spec.md §4.4.
func (s *Session) Add(ctx context.Context, raw string) (registry.Record, error) {
	return s.registry.Add(ctx, raw)
}

// List returns every registered module, annotated with whether it is
// currently running.
func (s *Session) List() ([]registry.Record, error) {
	return s.registry.List(s.supervisor)
}

// Install idempotently materializes path's storage directory without
// spawning it, per spec.md §4.5 operation install(path).
func (s *Session) Install(ctx context.Context, path string) error {
	id, err := s.resolveInstalledIdentifier(path)
	if err != nil {
		return err
	}
	return s.installer.Install(ctx, id)
}

// RunModule installs (idempotent) then spawns path's child process.
func (s *Session) RunModule(ctx context.Context, path string) error {
	return s.supervisor.RunModule(ctx, path)
}

// KillModule asks a running module to shut down gracefully, force
// killing it after the grace period if it doesn't.
func (s *Session) KillModule(path string) error {
	return s.supervisor.KillModule(path)
}

// Kill tears down every running module. Modules already shutting down
// are neither re-signaled nor awaited.
func (s *Session) Kill() error {
	return s.supervisor.Kill()
}

// Remove deletes path's registry record, then best-effort kills the
// module if it happens to be running. The registry delete happens
// first and is not rolled back if the kill fails, matching spec.md
// §9's decision to preserve the source's racy ordering rather than
// hide it: a module can emit one more message after its record is
// already gone.
func (s *Session) Remove(path string) error {
	if err := s.registry.Remove(path); err != nil {
		return err
	}
	return s.supervisor.KillModule(path)
}

// ScaffoldManifest returns a starter package.json manifest for a
// module under development, keyed by its intended registered name.
// Not part of spec.md's operations surface; supplemented from the
// teacher's plugin-manifest scaffolding tool since nothing in the
// distilled spec excludes it.
func (s *Session) ScaffoldManifest(name string) (Manifest, error) {
	return ScaffoldManifest(name)
}

// Doctor runs a non-mutating diagnostic pass over every registered
// module: install directories that vanished, manifest/record name
// mismatches. Supplemented from the teacher's Doctor tool.
func (s *Session) Doctor(ctx context.Context) ([]Diagnostic, error) {
	records, err := s.registry.List(s.supervisor)
	if err != nil {
		return nil, err
	}
	return Doctor(records, s.layout), nil
}

// Close stops the dispatcher's event loop. Running modules are left
// untouched; call Kill first if a clean shutdown is wanted.
func (s *Session) Close() {
	s.cancel()
}

func (s *Session) resolveInstalledIdentifier(path string) (modpath.Identifier, error) {
	rec, err := s.registry.GetByPath(path)
	if err != nil {
		return modpath.Identifier{}, err
	}
	id, err := modpath.Parse(path)
	if err != nil {
		return modpath.Identifier{}, err
	}
	if id.Kind == modpath.Remote {
		id.Tag = rec.Tag
	}
	return id, nil
}
