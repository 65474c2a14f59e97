// Package storage maps a resolved module identifier onto its
// on-disk install directory under the process-wide shared root,
// per spec.md §4.3.
package storage

import (
	"fmt"
	"path/filepath"

	"github.com/silexa/hostbus/internal/modpath"
)

// DefaultRootName is appended to the session data directory to form
// the shared module root, e.g. <data>/hostbus/modules.
const DefaultRootName = "hostbus/modules"

// Layout resolves identifiers to install paths under one shared root.
type Layout struct {
	root string
}

func NewLayout(root string) *Layout {
	return &Layout{root: filepath.Clean(root)}
}

// Root returns the shared root directory.
func (l *Layout) Root() string {
	return l.root
}

// InstallPath returns the on-disk directory a module's files live
// in. Local identifiers resolve to their own path, never rewritten
// under the shared root — the installer must never write there.
func (l *Layout) InstallPath(id modpath.Identifier) string {
	switch id.Kind {
	case modpath.Local:
		return id.Path
	case modpath.Remote:
		dirName := fmt.Sprintf("%s#%s", id.Name, id.Tag)
		return filepath.Join(l.root, id.Owner, dirName)
	default:
		return ""
	}
}
