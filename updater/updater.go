// Package updater keeps the responder's deployed deny-list in line with its
// sources, publishing a new artifact only when its identity changed.
package updater

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/semihalev/dohsink/denylist"
	"github.com/semihalev/dohsink/deploy"
	"github.com/semihalev/dohsink/metrics"
	"github.com/semihalev/dohsink/pipeline"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of a reconcile.
type Result int

const (
	// Updated means a new artifact was published.
	Updated Result = iota + 1
	// Unchanged means the deployed artifact already matches the sources.
	Unchanged
	// Failed means the cycle aborted; the previous deployment is untouched.
	Failed
)

func (r Result) String() string {
	switch r {
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Compiler builds the deny-list from its sources.
type Compiler interface {
	Compile(ctx context.Context) (*denylist.List, error)
}

// PublishError reports a rejected publish.
type PublishError struct {
	Target   string
	Identity string
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s to %s: %v", e.Identity, e.Target, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Updater reconciles one target.
type Updater struct {
	target   deploy.Target
	compiler Compiler
	metrics  *metrics.Metrics

	mu sync.Mutex
}

// New returns an updater. m may be nil.
func New(target deploy.Target, compiler Compiler, m *metrics.Metrics) *Updater {
	return &Updater{target: target, compiler: compiler, metrics: m}
}

// Reconcile runs one cycle: read the current deployment while compiling the
// list, package, and publish when the identity differs. Concurrent calls
// run one after another.
func (u *Updater) Reconcile(ctx context.Context) (Result, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	start := time.Now()

	result, identity, err := u.reconcile(ctx)

	u.metrics.ObserveReconcile(result.String())

	if err != nil {
		zlog.Error("Reconcile failed", "target", u.target.String(), "error", err.Error(),
			"duration", time.Since(start).String())
		return result, err
	}

	zlog.Info("Reconcile finished", "target", u.target.String(), "result", result.String(),
		"identity", identity, "duration", time.Since(start).String())

	return result, nil
}

func (u *Updater) reconcile(ctx context.Context) (Result, string, error) {
	var (
		current *deploy.Deployment
		list    *denylist.List
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		current, err = u.target.Current(gctx)
		if err != nil {
			return fmt.Errorf("read current deployment: %w", err)
		}
		return nil
	})

	g.Go(func() (err error) {
		list, err = u.compiler.Compile(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		return Failed, "", err
	}

	artifact, err := pipeline.Package(current.Package, list)
	if err != nil {
		return Failed, "", fmt.Errorf("package: %w", err)
	}

	if artifact.Identity == current.Identity {
		return Unchanged, artifact.Identity, nil
	}
	artifact.Base = current.Revision

	zlog.Info("Publishing artifact", "target", u.target.String(), "identity", artifact.Identity,
		"previous", current.Identity, "entries", artifact.Entries, "bytes", len(artifact.Package))

	if err := u.target.Publish(ctx, artifact); err != nil {
		return Failed, artifact.Identity, &PublishError{Target: u.target.String(), Identity: artifact.Identity, Err: err}
	}

	return Updated, artifact.Identity, nil
}

// Run reconciles now and then on every tick until ctx is done. Failed
// cycles are logged and retried on the next tick.
func (u *Updater) Run(ctx context.Context, interval time.Duration) {
	_, _ = u.Reconcile(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = u.Reconcile(ctx)
		}
	}
}
