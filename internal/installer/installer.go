// Package installer implements Install(path): idempotent fetch,
// extract, and dependency materialization of a module's storage
// directory. Archive handling is adapted from the teacher's plugin
// archive extractor, hardened against path-traversal and extended to
// strip the single leading directory component every tag tarball
// from the remote host wraps its contents in. See spec.md §4.5.
package installer

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/silexa/hostbus/internal/hosterr"
	"github.com/silexa/hostbus/internal/modpath"
	"github.com/silexa/hostbus/internal/pkginstall"
	"github.com/silexa/hostbus/internal/storage"
)

// TarballFetcher is the subset of remotehost.Client the installer
// needs.
type TarballFetcher interface {
	FetchTarball(ctx context.Context, owner, name, tag string) (io.ReadCloser, error)
}

type Installer struct {
	layout   *storage.Layout
	tarballs TarballFetcher
	packages pkginstall.Installer

	pathLocks sync.Map // string (storage path) -> *sync.Mutex
}

func New(layout *storage.Layout, tarballs TarballFetcher, packages pkginstall.Installer) *Installer {
	return &Installer{layout: layout, tarballs: tarballs, packages: packages}
}

// lockFor returns the mutex guarding target, creating one on first
// use. Two concurrent installs of the same path never race over the
// extraction step; the loser simply finds the directory already
// populated once it gets the lock.
func (in *Installer) lockFor(target string) *sync.Mutex {
	lock, _ := in.pathLocks.LoadOrStore(target, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Install is idempotent and safe to call concurrently for the same
// path: installs of the same storage path are serialized, matching
// spec.md's concurrency note that two overlapping installs must never
// corrupt the shared directory. If the path already exists when a
// serialized install is granted the lock (a prior install just
// finished while this one waited), it short-circuits to dependency
// materialization instead of re-extracting.
func (in *Installer) Install(ctx context.Context, id modpath.Identifier) error {
	target := in.layout.InstallPath(id)
	if target == "" {
		return hosterr.New(hosterr.InvalidPath, "cannot compute install path for identifier")
	}

	lock := in.lockFor(target)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(target); err == nil {
		return in.packages.Install(ctx, target)
	} else if !os.IsNotExist(err) {
		return err
	}

	switch id.Kind {
	case modpath.Remote:
		if err := in.fetchAndExtract(ctx, id, target); err != nil {
			_ = os.RemoveAll(target)
			return err
		}
	case modpath.Local:
		return hosterr.New(hosterr.InvalidPath, fmt.Sprintf("local module path missing: %s", target))
	default:
		return hosterr.New(hosterr.InvalidPath, "unknown identifier kind")
	}

	return in.packages.Install(ctx, target)
}

func (in *Installer) fetchAndExtract(ctx context.Context, id modpath.Identifier, target string) error {
	body, err := in.tarballs.FetchTarball(ctx, id.Owner, id.Name, id.Tag)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	return extractTarballStrippingRoot(body, target)
}

// extractTarballStrippingRoot gunzips and untars src into destDir,
// dropping each entry's first path component — the remote host
// wraps a tag's tarball contents in a single "<owner>-<name>-<sha>/"
// directory.
func extractTarballStrippingRoot(src io.Reader, destDir string) error {
	gzReader, err := gzip.NewReader(src)
	if err != nil {
		return err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		stripped := stripLeadingComponent(header.Name)
		if stripped == "" {
			continue
		}
		target, err := secureArchiveTargetPath(destDir, stripped)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg, tar.TypeRegA:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tarReader); err != nil { // #nosec G110 -- bounded by the remote host's own tarball size.
				_ = out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("archive contains unsupported link entry: %s", header.Name)
		default:
			// ignore other entry types (pax headers, etc.)
		}
	}
	return nil
}

func stripLeadingComponent(name string) string {
	cleaned := strings.TrimPrefix(filepath.ToSlash(name), "./")
	idx := strings.Index(cleaned, "/")
	if idx == -1 {
		return ""
	}
	return cleaned[idx+1:]
}

func secureArchiveTargetPath(destDir, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("archive entry name is empty")
	}
	cleanName := filepath.Clean(name)
	if cleanName == "." || cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) || filepath.IsAbs(cleanName) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	target := filepath.Join(destDir, cleanName)
	rel, err := filepath.Rel(filepath.Clean(destDir), filepath.Clean(target))
	if err != nil {
		return "", err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return target, nil
}
