package mock

import (
	"context"
	"strconv"
	"sync"

	"github.com/semihalev/dohsink/deploy"
)

// Target is an in-memory deployment target.
type Target struct {
	// CurrentErr and PublishErr, when set, fail the matching call.
	CurrentErr error
	PublishErr error

	mu        sync.Mutex
	current   deploy.Deployment
	revision  int
	published []*deploy.Artifact
}

// NewTarget returns a target running pkg. A nil pkg is an empty target.
func NewTarget(pkg []byte) *Target {
	t := &Target{}
	if pkg != nil {
		t.Replace(pkg)
	}
	return t
}

// Replace deploys pkg out of band, the way an operator would.
func (t *Target) Replace(pkg []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.deploy(deploy.Identity(pkg), pkg)
}

func (t *Target) deploy(identity string, pkg []byte) {
	t.revision++
	t.current = deploy.Deployment{Identity: identity, Package: pkg, Revision: strconv.Itoa(t.revision)}
}

func (t *Target) String() string { return "mock" }

// Current returns the last published deployment.
func (t *Target) Current(ctx context.Context) (*deploy.Deployment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.CurrentErr != nil {
		return nil, t.CurrentErr
	}

	d := t.current
	return &d, nil
}

// Publish records a and makes it current. It fails with deploy.ErrConflict
// when a was built against an older revision.
func (t *Target) Publish(ctx context.Context, a *deploy.Artifact) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.PublishErr != nil {
		return t.PublishErr
	}
	if a.Base != t.current.Revision {
		return deploy.ErrConflict
	}

	t.published = append(t.published, a)
	t.deploy(a.Identity, a.Package)

	return nil
}

// Published returns every published artifact in order.
func (t *Target) Published() []*deploy.Artifact {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]*deploy.Artifact(nil), t.published...)
}
