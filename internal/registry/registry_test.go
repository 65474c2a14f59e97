package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/silexa/hostbus/internal/docstore"
	"github.com/silexa/hostbus/internal/hosterr"
	"github.com/silexa/hostbus/internal/resolver"
)

type fakeTagLister struct{ tags []string }

func (f *fakeTagLister) ListTags(ctx context.Context, owner, name string) ([]string, error) {
	return f.tags, nil
}

type fakeManifests struct {
	body []byte
	err  error
}

func (f *fakeManifests) FetchManifest(ctx context.Context, owner, name, tag string) ([]byte, error) {
	return f.body, f.err
}

type fakeRunning struct{ names map[string]bool }

func (f *fakeRunning) IsRunning(name string) bool { return f.names[name] }

func newTestRegistry(manifestBody []byte) *Registry {
	res := resolver.New(&fakeTagLister{tags: []string{"v1.0.0"}})
	return New(docstore.NewMemory(), res, &fakeManifests{body: manifestBody})
}

func writeLocalModule(t *testing.T, manifest string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return dir
}

func TestAddLocalModule(t *testing.T) {
	dir := writeLocalModule(t, `{"name":"widget","version":"1.2.3"}`)
	reg := newTestRegistry(nil)
	rec, err := reg.Add(context.Background(), "local:"+dir)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if rec.Name != "widget" || rec.Version != "1.2.3" {
		t.Fatalf("unexpected record: %#v", rec)
	}
}

func TestAddRejectsDuplicatePath(t *testing.T) {
	dir := writeLocalModule(t, `{"name":"widget","version":"1.2.3"}`)
	reg := newTestRegistry(nil)
	if _, err := reg.Add(context.Background(), "local:"+dir); err != nil {
		t.Fatalf("first add: %v", err)
	}
	_, err := reg.Add(context.Background(), "local:"+dir)
	if !errors.Is(err, hosterr.ErrModuleConflict) {
		t.Fatalf("expected module_conflict, got %v", err)
	}
}

func TestAddRejectsDuplicateName(t *testing.T) {
	dirA := writeLocalModule(t, `{"name":"widget","version":"1.0.0"}`)
	dirB := writeLocalModule(t, `{"name":"widget","version":"2.0.0"}`)
	reg := newTestRegistry(nil)
	if _, err := reg.Add(context.Background(), "local:"+dirA); err != nil {
		t.Fatalf("first add: %v", err)
	}
	_, err := reg.Add(context.Background(), "local:"+dirB)
	if !errors.Is(err, hosterr.ErrModuleConflict) {
		t.Fatalf("expected module_conflict on duplicate name, got %v", err)
	}
}

func TestAddRejectsInvalidManifestVersion(t *testing.T) {
	dir := writeLocalModule(t, `{"name":"widget","version":"not-semver"}`)
	reg := newTestRegistry(nil)
	_, err := reg.Add(context.Background(), "local:"+dir)
	if !errors.Is(err, hosterr.ErrInvalidVersion) {
		t.Fatalf("expected invalid_version, got %v", err)
	}
}

func TestAddRemoteFetchesManifestAndDenormalizesOwner(t *testing.T) {
	reg := newTestRegistry([]byte(`{"name":"remote-widget","version":"3.0.0"}`))
	rec, err := reg.Add(context.Background(), "github:acme/widget")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if rec.Owner != "acme" || rec.Tag != "v1.0.0" {
		t.Fatalf("unexpected record: %#v", rec)
	}
}

func TestGetByPathUnknown(t *testing.T) {
	reg := newTestRegistry(nil)
	_, err := reg.GetByPath("local:/nowhere")
	if !errors.Is(err, hosterr.ErrModuleUnknown) {
		t.Fatalf("expected module_unknown, got %v", err)
	}
}

func TestListAnnotatesRunning(t *testing.T) {
	dir := writeLocalModule(t, `{"name":"widget","version":"1.2.3"}`)
	reg := newTestRegistry(nil)
	if _, err := reg.Add(context.Background(), "local:"+dir); err != nil {
		t.Fatalf("add: %v", err)
	}
	records, err := reg.List(&fakeRunning{names: map[string]bool{"widget": true}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || !records[0].Running {
		t.Fatalf("expected widget flagged running, got %#v", records)
	}
}

func TestRemoveDeletesRecord(t *testing.T) {
	dir := writeLocalModule(t, `{"name":"widget","version":"1.2.3"}`)
	reg := newTestRegistry(nil)
	rec, err := reg.Add(context.Background(), "local:"+dir)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Remove(rec.Path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_, err = reg.GetByPath(rec.Path)
	if !errors.Is(err, hosterr.ErrModuleUnknown) {
		t.Fatalf("expected module_unknown after remove, got %v", err)
	}
}
