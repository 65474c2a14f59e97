// Package pkginstall delegates dependency installation for a fetched
// module's storage directory to an external package manager. spec.md
// §1 treats this as an external collaborator: the core only needs
// the Installer contract and a default shell-out implementation.
package pkginstall

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Installer materializes a module's own dependencies into its
// storage path. Stdout/telemetry is discarded; errors propagate with
// stderr attached.
type Installer interface {
	Install(ctx context.Context, storagePath string) error
}

// NPM shells out to `npm install` in storagePath.
type NPM struct {
	Timeout time.Duration
}

func NewNPM(timeout time.Duration) *NPM {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &NPM{Timeout: timeout}
}

func (n *NPM) Install(ctx context.Context, storagePath string) error {
	ctx, cancel := context.WithTimeout(ctx, n.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "npm", "install", "--no-audit", "--no-fund")
	cmd.Dir = storagePath
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("npm install timed out after %s: %w", n.Timeout, ctx.Err())
		}
		return fmt.Errorf("npm install failed: %w (stderr=%s)", err, stderr.String())
	}
	return nil
}
