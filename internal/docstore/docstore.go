// Package docstore is the document-store contract the registry is
// built on: find/update/remove with upsert semantics. spec.md §4.4
// treats the backing store as an external collaborator; this package
// supplies that contract plus two concrete implementations — an
// atomic JSON file (durable sessions) and an in-memory slice
// (off-the-record sessions).
package docstore

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Doc is any JSON-marshalable record. Callers round-trip through
// map[string]any so Query predicates can inspect arbitrary fields
// without a schema.
type Doc = map[string]any

// Query is a conjunction of exact-match field predicates.
type Query map[string]any

func (q Query) matches(doc Doc) bool {
	for key, want := range q {
		got, ok := doc[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Store is the contract consumed by the registry: find a set of
// documents, upsert one keyed by query, remove matching documents.
type Store interface {
	Find(query Query) ([]Doc, error)
	Upsert(query Query, doc Doc) error
	Remove(query Query, multi bool) error
}

// Memory is a mutex-guarded, unordered document slice. Off-the-record
// sessions use this so nothing touches disk.
type Memory struct {
	mu   sync.Mutex
	docs []Doc
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Find(query Query) ([]Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Doc, 0, len(m.docs))
	for _, doc := range m.docs {
		if query.matches(doc) {
			out = append(out, cloneDoc(doc))
		}
	}
	return out, nil
}

func (m *Memory) Upsert(query Query, doc Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.docs {
		if query.matches(existing) {
			m.docs[i] = cloneDoc(doc)
			return nil
		}
	}
	m.docs = append(m.docs, cloneDoc(doc))
	return nil
}

func (m *Memory) Remove(query Query, multi bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.docs[:0]
	removed := 0
	for _, doc := range m.docs {
		if (multi || removed == 0) && query.matches(doc) {
			removed++
			continue
		}
		out = append(out, doc)
	}
	m.docs = out
	return nil
}

// JSONFile persists documents as a JSON array on disk, writing
// through a temp file and rename so a crash mid-write can never
// corrupt the existing file — the teacher's SaveState pattern.
type JSONFile struct {
	mu   sync.Mutex
	path string
}

func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

func (f *JSONFile) load() ([]Doc, error) {
	raw, err := os.ReadFile(f.path) // #nosec G304 -- path is operator/session configured.
	if err != nil {
		if os.IsNotExist(err) {
			return []Doc{}, nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return []Doc{}, nil
	}
	var docs []Doc
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (f *JSONFile) save(docs []Doc) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "hostbus-registry-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}

func (f *JSONFile) Find(query Query) ([]Doc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	docs, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make([]Doc, 0, len(docs))
	for _, doc := range docs {
		if query.matches(doc) {
			out = append(out, cloneDoc(doc))
		}
	}
	return out, nil
}

func (f *JSONFile) Upsert(query Query, doc Doc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	docs, err := f.load()
	if err != nil {
		return err
	}
	for i, existing := range docs {
		if query.matches(existing) {
			docs[i] = cloneDoc(doc)
			return f.save(docs)
		}
	}
	docs = append(docs, cloneDoc(doc))
	sort.SliceStable(docs, func(i, j int) bool {
		return docIDString(docs[i]) < docIDString(docs[j])
	})
	return f.save(docs)
}

func (f *JSONFile) Remove(query Query, multi bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	docs, err := f.load()
	if err != nil {
		return err
	}
	out := docs[:0]
	removed := 0
	for _, doc := range docs {
		if (multi || removed == 0) && query.matches(doc) {
			removed++
			continue
		}
		out = append(out, doc)
	}
	return f.save(out)
}

func docIDString(doc Doc) string {
	if v, ok := doc["path"].(string); ok {
		return v
	}
	return ""
}

func cloneDoc(doc Doc) Doc {
	out := make(Doc, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
