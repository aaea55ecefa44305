// Package filesystem publishes artifacts to a local directory, for
// responders that load their deny-list from a shared volume.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/semihalev/dohsink/deploy"
)

// CurrentName is the file the responder reads.
const CurrentName = "current.zip"

// Target keeps the current artifact in dir.
type Target struct {
	dir string
}

// New returns a target for dir.
func New(dir string) *Target {
	return &Target{dir: dir}
}

// Path returns the path of the current artifact.
func (t *Target) Path() string {
	return filepath.Join(t.dir, CurrentName)
}

func (t *Target) String() string {
	return "filesystem:" + t.Path()
}

// Current reads the published artifact. A missing file is an empty
// deployment.
func (t *Target) Current(ctx context.Context) (*deploy.Deployment, error) {
	b, err := os.ReadFile(t.Path())
	if errors.Is(err, os.ErrNotExist) {
		return &deploy.Deployment{}, nil
	}
	if err != nil {
		return nil, err
	}

	return &deploy.Deployment{Identity: deploy.Identity(b), Package: b}, nil
}

// Publish replaces the current artifact with a rename, so readers see
// either the old file or the new one.
func (t *Target) Publish(ctx context.Context, a *deploy.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(t.dir, 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(t.dir, ".current-*.zip")
	if err != nil {
		return err
	}
	name := tmp.Name()

	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}

	if _, err := tmp.Write(a.Package); err != nil {
		return cleanup(fmt.Errorf("write artifact: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}

	if err := os.Rename(name, t.Path()); err != nil {
		_ = os.Remove(name)
		return err
	}

	return syncDir(t.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	// not every platform can fsync a directory
	_ = d.Sync()

	return nil
}
