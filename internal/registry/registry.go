// Package registry is the durable per-session record of added
// modules (C4), backed by a docstore.Store. Conflict detection,
// manifest parsing, and the running-module annotation live here; see
// spec.md §4.4.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blang/semver/v4"

	"github.com/silexa/hostbus/internal/docstore"
	"github.com/silexa/hostbus/internal/hosterr"
	"github.com/silexa/hostbus/internal/modpath"
	"github.com/silexa/hostbus/internal/resolver"
)

// ManifestFetcher fetches a module's package.json, local or remote.
type ManifestFetcher interface {
	FetchManifest(ctx context.Context, owner, name, tag string) ([]byte, error)
}

// Record is one durable entry in the registry, the on-disk shape of
// a ModuleRecord plus the fields docstore round-trips through JSON.
type Record struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Active  bool   `json:"active"`
	Owner   string `json:"owner,omitempty"`
	Tag     string `json:"tag,omitempty"`

	// Running is not persisted; List() annotates it from the live set.
	Running bool `json:"running,omitempty"`
}

// RunningNames reports which module names are currently running, so
// List can annotate records without the registry needing to know
// about the supervisor.
type RunningNames interface {
	IsRunning(name string) bool
}

type Registry struct {
	store     docstore.Store
	resolver  *resolver.Resolver
	manifests ManifestFetcher
}

func New(store docstore.Store, res *resolver.Resolver, manifests ManifestFetcher) *Registry {
	return &Registry{store: store, resolver: res, manifests: manifests}
}

// Add resolves raw, checks for conflicts against every existing
// record, fetches the manifest, and upserts a new Record keyed by its
// canonical path.
func (r *Registry) Add(ctx context.Context, raw string) (Record, error) {
	id, err := modpath.Parse(raw)
	if err != nil {
		return Record{}, err
	}
	id, err = r.resolver.Augment(ctx, id)
	if err != nil {
		return Record{}, err
	}
	canonical := id.Canonical()

	existing, err := r.store.Find(docstore.Query{})
	if err != nil {
		return Record{}, err
	}
	if err := r.checkConflicts(id, canonical, existing); err != nil {
		return Record{}, err
	}

	manifestBody, err := r.fetchManifest(ctx, id)
	if err != nil {
		return Record{}, err
	}
	name, version, err := parseManifest(manifestBody)
	if err != nil {
		return Record{}, err
	}
	for _, doc := range existing {
		if n, _ := doc["name"].(string); n == name {
			return Record{}, hosterr.New(hosterr.ModuleConflict, fmt.Sprintf("module name already registered: %s", name))
		}
	}

	record := Record{
		Path:    canonical,
		Name:    name,
		Version: version,
		Active:  true,
	}
	if id.Kind == modpath.Remote {
		record.Owner = id.Owner
		record.Tag = id.Tag
	}

	if err := r.store.Upsert(docstore.Query{"path": canonical}, recordToDoc(record)); err != nil {
		return Record{}, err
	}
	return record, nil
}

func (r *Registry) checkConflicts(id modpath.Identifier, canonical string, existing []docstore.Doc) error {
	remotePrefix := fmt.Sprintf("github:%s/%s", id.Owner, id.Name)
	for _, doc := range existing {
		docPath, _ := doc["path"].(string)
		if docPath == canonical {
			return hosterr.New(hosterr.ModuleConflict, fmt.Sprintf("module already registered: %s", canonical))
		}
		if id.Kind == modpath.Remote && (docPath == remotePrefix || strings.HasPrefix(docPath, remotePrefix+"#")) {
			return hosterr.New(hosterr.ModuleConflict, fmt.Sprintf("module %s/%s already registered under a different tag", id.Owner, id.Name))
		}
	}
	return nil
}

func (r *Registry) fetchManifest(ctx context.Context, id modpath.Identifier) ([]byte, error) {
	switch id.Kind {
	case modpath.Local:
		body, err := os.ReadFile(filepath.Join(id.Path, "package.json")) // #nosec G304 -- path validated by modpath.
		if err != nil {
			return nil, hosterr.Wrap(hosterr.InvalidPath, "read local manifest", err)
		}
		return body, nil
	case modpath.Remote:
		return r.manifests.FetchManifest(ctx, id.Owner, id.Name, id.Tag)
	default:
		return nil, hosterr.New(hosterr.InvalidPath, "unknown identifier kind")
	}
}

func parseManifest(body []byte) (name string, version string, err error) {
	var manifest struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if jsonErr := json.Unmarshal(body, &manifest); jsonErr != nil {
		return "", "", hosterr.Wrap(hosterr.InvalidName, "parse manifest", jsonErr)
	}
	if strings.TrimSpace(manifest.Name) == "" {
		return "", "", hosterr.New(hosterr.InvalidName, "manifest missing name")
	}
	cleaned, cleanErr := cleanSemver(manifest.Version)
	if cleanErr != nil {
		return "", "", hosterr.Wrap(hosterr.InvalidVersion, fmt.Sprintf("manifest version %q", manifest.Version), cleanErr)
	}
	return manifest.Name, cleaned, nil
}

func cleanSemver(raw string) (string, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "v"))
	v, err := semver.Parse(trimmed)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// List returns every record, annotated with Running from live.
func (r *Registry) List(live RunningNames) ([]Record, error) {
	docs, err := r.store.Find(docstore.Query{})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(docs))
	for _, doc := range docs {
		rec := docToRecord(doc)
		if live != nil {
			rec.Running = live.IsRunning(rec.Name)
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetByPath fails with module_unknown if no record matches path.
func (r *Registry) GetByPath(path string) (Record, error) {
	docs, err := r.store.Find(docstore.Query{"path": path})
	if err != nil {
		return Record{}, err
	}
	if len(docs) == 0 {
		return Record{}, hosterr.New(hosterr.ModuleUnknown, fmt.Sprintf("no module registered at %s", path))
	}
	return docToRecord(docs[0]), nil
}

// Remove deletes the record at path. The caller (session/supervisor)
// is responsible for process teardown and on-disk cleanup.
func (r *Registry) Remove(path string) error {
	return r.store.Remove(docstore.Query{"path": path}, false)
}

func recordToDoc(r Record) docstore.Doc {
	doc := docstore.Doc{
		"path":    r.Path,
		"name":    r.Name,
		"version": r.Version,
		"active":  r.Active,
	}
	if r.Owner != "" {
		doc["owner"] = r.Owner
	}
	if r.Tag != "" {
		doc["tag"] = r.Tag
	}
	return doc
}

func docToRecord(doc docstore.Doc) Record {
	rec := Record{}
	rec.Path, _ = doc["path"].(string)
	rec.Name, _ = doc["name"].(string)
	rec.Version, _ = doc["version"].(string)
	rec.Active, _ = doc["active"].(bool)
	rec.Owner, _ = doc["owner"].(string)
	rec.Tag, _ = doc["tag"].(string)
	return rec
}
