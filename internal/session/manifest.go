package session

import (
	"fmt"
	"strings"

	"github.com/silexa/hostbus/internal/hosterr"
)

// Manifest is a starter package.json for a module under development,
// the fields registry.parseManifest actually reads back out of it
// plus a description field a developer fills in next.
type Manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// ScaffoldManifest returns a manifest for a new module named name,
// validating the name against the same rules the registry enforces on
// add. Supplemented from the teacher's manifest-scaffolding tool;
// spec.md is silent on authoring tooling but doesn't exclude it.
func ScaffoldManifest(name string) (Manifest, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Manifest{}, hosterr.New(hosterr.InvalidName, "module name must not be empty")
	}
	return Manifest{
		Name:        name,
		Version:     "0.1.0",
		Description: fmt.Sprintf("Describe what %s does.", name),
	}, nil
}
