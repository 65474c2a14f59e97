package docstore

import (
	"path/filepath"
	"testing"
)

func testStore(t *testing.T, store Store) {
	t.Helper()
	if err := store.Upsert(Query{"path": "a"}, Doc{"path": "a", "name": "alpha"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	docs, err := store.Find(Query{"path": "a"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 1 || docs[0]["name"] != "alpha" {
		t.Fatalf("expected one doc named alpha, got %#v", docs)
	}
	if err := store.Upsert(Query{"path": "a"}, Doc{"path": "a", "name": "alpha2"}); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	docs, _ = store.Find(Query{"path": "a"})
	if len(docs) != 1 || docs[0]["name"] != "alpha2" {
		t.Fatalf("expected upsert to replace, got %#v", docs)
	}
	if err := store.Remove(Query{"path": "a"}, false); err != nil {
		t.Fatalf("remove: %v", err)
	}
	docs, _ = store.Find(Query{"path": "a"})
	if len(docs) != 0 {
		t.Fatalf("expected no docs after remove, got %#v", docs)
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemory())
}

func TestJSONFileStore(t *testing.T) {
	dir := t.TempDir()
	testStore(t, NewJSONFile(filepath.Join(dir, "registry.json")))
}

func TestJSONFilePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	first := NewJSONFile(path)
	if err := first.Upsert(Query{"path": "a"}, Doc{"path": "a", "name": "alpha"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second := NewJSONFile(path)
	docs, err := second.Find(Query{"path": "a"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected persisted doc, got %#v", docs)
	}
}
