// Package deploy defines the deployment targets the updater publishes
// compiled deny-lists to.
package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// ErrConflict is returned by Publish when the deployment changed after the
// Base revision was read.
var ErrConflict = errors.New("deployment changed since it was read")

// Artifact is a deployable package and its content identity. Base is the
// Deployment.Revision the artifact was built against; empty skips the
// check.
type Artifact struct {
	Package  []byte
	Identity string
	Entries  int
	Base     string
}

// NewArtifact computes the identity of pkg.
func NewArtifact(pkg []byte, entries int) *Artifact {
	return &Artifact{Package: pkg, Identity: Identity(pkg), Entries: entries}
}

// Deployment is what a target currently runs. Package may be nil when the
// target has nothing to build on; Identity is empty when nothing was
// published yet. Revision is an opaque token that changes with every
// deploy, empty when the target has none.
type Deployment struct {
	Identity string
	Package  []byte
	Revision string
}

// Target reads and replaces the running responder's artifact. Publish is
// all-or-nothing: either the responder runs the new artifact afterwards or
// it keeps running the previous one.
type Target interface {
	Current(ctx context.Context) (*Deployment, error)
	Publish(ctx context.Context, a *Artifact) error
	String() string
}

// Identity returns base64(sha256(pkg)), the form AWS Lambda reports as
// CodeSha256.
func Identity(pkg []byte) string {
	sum := sha256.Sum256(pkg)
	return base64.StdEncoding.EncodeToString(sum[:])
}
