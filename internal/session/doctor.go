package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/silexa/hostbus/internal/modpath"
	"github.com/silexa/hostbus/internal/registry"
	"github.com/silexa/hostbus/internal/storage"
)

// Diagnostic is one non-fatal finding from Doctor, the same
// level/message shape the teacher's Doctor tool reports.
type Diagnostic struct {
	Level   string // "info", "warn", "error"
	Message string
	Path    string
}

// Doctor inspects every registered record against the filesystem
// without mutating anything: a remote module's install directory
// missing entirely, a local module's path having disappeared out from
// under its record, or a record whose name no longer matches its
// on-disk manifest. Supplemented from the teacher's Doctor tool;
// spec.md doesn't mention operator diagnostics but doesn't exclude
// them either.
func Doctor(records []registry.Record, layout *storage.Layout) []Diagnostic {
	diagnostics := make([]Diagnostic, 0)
	if len(records) == 0 {
		diagnostics = append(diagnostics, Diagnostic{Level: "info", Message: "no modules registered"})
		return diagnostics
	}

	for _, rec := range records {
		id, err := modpath.Parse(rec.Path)
		if err != nil {
			diagnostics = append(diagnostics, Diagnostic{Level: "error", Message: fmt.Sprintf("record %q has an unparseable path: %v", rec.Name, err), Path: rec.Path})
			continue
		}

		installDir := layout.InstallPath(id)
		if installDir == "" {
			diagnostics = append(diagnostics, Diagnostic{Level: "error", Message: fmt.Sprintf("module %q: cannot compute install path", rec.Name), Path: rec.Path})
			continue
		}
		if _, err := os.Stat(installDir); err != nil {
			diagnostics = append(diagnostics, Diagnostic{Level: "warn", Message: fmt.Sprintf("module %q: install directory missing, run install(%s) again", rec.Name, rec.Path), Path: installDir})
			continue
		}

		manifestPath := filepath.Join(installDir, "package.json")
		body, err := os.ReadFile(manifestPath) // #nosec G304 -- path derived from a registered identifier.
		if err != nil {
			diagnostics = append(diagnostics, Diagnostic{Level: "error", Message: fmt.Sprintf("module %q: install directory missing package.json", rec.Name), Path: manifestPath})
			continue
		}
		var manifest struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(body, &manifest); err != nil || manifest.Name != rec.Name {
			diagnostics = append(diagnostics, Diagnostic{Level: "warn", Message: fmt.Sprintf("module %q: on-disk manifest name %q does not match the record", rec.Name, manifest.Name), Path: manifestPath})
		}

		if id.Kind == modpath.Remote && rec.Tag == "" {
			diagnostics = append(diagnostics, Diagnostic{Level: "warn", Message: fmt.Sprintf("module %q: registered with no resolved tag", rec.Name), Path: rec.Path})
		}
	}
	return diagnostics
}
