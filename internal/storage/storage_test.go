package storage

import (
	"path/filepath"
	"testing"

	"github.com/silexa/hostbus/internal/modpath"
)

func TestInstallPathRemote(t *testing.T) {
	layout := NewLayout("/data/hostbus/modules")
	id := modpath.Identifier{Kind: modpath.Remote, Owner: "acme", Name: "widget", Tag: "v1.2.3"}
	got := layout.InstallPath(id)
	want := filepath.Join("/data/hostbus/modules", "acme", "widget#v1.2.3")
	if got != want {
		t.Fatalf("InstallPath() = %q, want %q", got, want)
	}
}

func TestInstallPathLocalIsUntouched(t *testing.T) {
	layout := NewLayout("/data/hostbus/modules")
	id := modpath.Identifier{Kind: modpath.Local, Path: "/home/user/my-module"}
	got := layout.InstallPath(id)
	if got != "/home/user/my-module" {
		t.Fatalf("InstallPath() = %q, want local path unchanged", got)
	}
}
