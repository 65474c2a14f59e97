// Package resolver augments a parsed module identifier with a
// concrete tag (remote) or confirms it exists (local), per
// spec.md §4.2.
package resolver

import (
	"context"
	"fmt"
	"os"

	"github.com/blang/semver/v4"

	"github.com/silexa/hostbus/internal/hosterr"
	"github.com/silexa/hostbus/internal/modpath"
)

// TagLister is the subset of remotehost.Client the resolver needs —
// narrowed to one method so tests can fake it without standing up an
// HTTP server.
type TagLister interface {
	ListTags(ctx context.Context, owner, name string) ([]string, error)
}

type Resolver struct {
	tags TagLister
}

func New(tags TagLister) *Resolver {
	return &Resolver{tags: tags}
}

// Augment resolves id to a concrete, fully-canonical identifier. For
// local identifiers that means confirming the path exists; for
// remote identifiers that means picking a tag per the five ordered
// rules in spec.md §4.2.
func (r *Resolver) Augment(ctx context.Context, id modpath.Identifier) (modpath.Identifier, error) {
	switch id.Kind {
	case modpath.Local:
		return r.augmentLocal(id)
	case modpath.Remote:
		return r.augmentRemote(ctx, id)
	default:
		return modpath.Identifier{}, hosterr.New(hosterr.InvalidPath, "unknown identifier kind")
	}
}

func (r *Resolver) augmentLocal(id modpath.Identifier) (modpath.Identifier, error) {
	if _, err := os.Stat(id.Path); err != nil {
		return modpath.Identifier{}, hosterr.Wrap(hosterr.InvalidPath, fmt.Sprintf("local module path does not exist: %s", id.Path), err)
	}
	return id, nil
}

func (r *Resolver) augmentRemote(ctx context.Context, id modpath.Identifier) (modpath.Identifier, error) {
	// Rule 2: "master" is kept literally with no tag lookup at all.
	if id.Tag == "master" {
		return id, nil
	}

	tags, err := r.tags.ListTags(ctx, id.Owner, id.Name)
	if err != nil {
		return modpath.Identifier{}, err
	}

	if id.Tag != "" {
		for _, tag := range tags {
			if tag == id.Tag {
				id.Tag = tag
				return id, nil
			}
		}
		return modpath.Identifier{}, hosterr.New(hosterr.InvalidPath,
			fmt.Sprintf("tag %q not found for %s/%s", id.Tag, id.Owner, id.Name))
	}

	best, ok := greatestSemver(tags)
	if !ok {
		id.Tag = "master"
		return id, nil
	}
	id.Tag = best
	return id, nil
}

// greatestSemver returns the tag whose cleaned value parses as the
// greatest semver among tags, ignoring tags that don't parse at all.
func greatestSemver(tags []string) (string, bool) {
	var bestTag string
	var best semver.Version
	found := false
	for _, tag := range tags {
		v, err := semver.ParseTolerant(tag)
		if err != nil {
			continue
		}
		if !found || v.GT(best) {
			best = v
			bestTag = tag
			found = true
		}
	}
	return bestTag, found
}
