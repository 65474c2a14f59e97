// Package modpath parses and canonicalizes module identifiers. A pure
// function, no I/O: see spec §4.1.
package modpath

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/silexa/hostbus/internal/hosterr"
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Kind discriminates the two Identifier variants.
type Kind int

const (
	Remote Kind = iota
	Local
)

// Identifier is a discriminated value: exactly one of the Remote or
// Local fields is meaningful, selected by Kind.
type Identifier struct {
	Kind Kind

	Owner string
	Name  string
	Tag   string // may be empty for Remote

	Path string // absolute, normalized, only meaningful for Local
}

// Canonical renders the identifier's canonical string form, the
// registry's primary key.
func (id Identifier) Canonical() string {
	switch id.Kind {
	case Remote:
		if id.Tag != "" {
			return fmt.Sprintf("github:%s/%s#%s", id.Owner, id.Name, id.Tag)
		}
		return fmt.Sprintf("github:%s/%s", id.Owner, id.Name)
	case Local:
		return "local:" + id.Path
	default:
		return ""
	}
}

// Parse validates and decomposes a raw identifier string into an
// Identifier. It performs no filesystem or network access.
func Parse(raw string) (Identifier, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "github:"):
		return parseRemote(strings.TrimPrefix(raw, "github:"))
	case strings.HasPrefix(raw, "local:"):
		return parseLocal(strings.TrimPrefix(raw, "local:"))
	default:
		return Identifier{}, hosterr.New(hosterr.InvalidPath, fmt.Sprintf("unrecognized identifier scheme: %q", raw))
	}
}

func parseRemote(rest string) (Identifier, error) {
	owner, nameTag, found := strings.Cut(rest, "/")
	if !found || owner == "" || nameTag == "" {
		return Identifier{}, hosterr.New(hosterr.InvalidPath, fmt.Sprintf("remote identifier must be owner/name: %q", rest))
	}
	name, tag, _ := strings.Cut(nameTag, "#")
	if name == "" {
		return Identifier{}, hosterr.New(hosterr.InvalidPath, fmt.Sprintf("remote identifier missing name: %q", rest))
	}
	if !segmentPattern.MatchString(owner) {
		return Identifier{}, hosterr.New(hosterr.InvalidPath, fmt.Sprintf("invalid owner segment: %q", owner))
	}
	if !segmentPattern.MatchString(name) {
		return Identifier{}, hosterr.New(hosterr.InvalidPath, fmt.Sprintf("invalid name segment: %q", name))
	}
	if tag != "" && !segmentPattern.MatchString(tag) {
		return Identifier{}, hosterr.New(hosterr.InvalidPath, fmt.Sprintf("invalid tag segment: %q", tag))
	}
	return Identifier{Kind: Remote, Owner: owner, Name: name, Tag: tag}, nil
}

func parseLocal(rest string) (Identifier, error) {
	if rest == "" {
		return Identifier{}, hosterr.New(hosterr.InvalidPath, "local identifier missing path")
	}
	expanded, err := expandHome(rest)
	if err != nil {
		return Identifier{}, hosterr.Wrap(hosterr.InvalidPath, "expand home directory", err)
	}
	normalized, err := normalizeLocalPath(expanded)
	if err != nil {
		return Identifier{}, hosterr.Wrap(hosterr.InvalidPath, "normalize local path", err)
	}
	return Identifier{Kind: Local, Path: normalized}, nil
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// normalizeLocalPath resolves ".." segments and strips a trailing
// separator, producing an absolute path. Relative inputs are resolved
// against the current working directory.
func normalizeLocalPath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		path = filepath.Join(cwd, path)
	}
	return filepath.Clean(path), nil
}
