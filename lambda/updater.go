package lambda

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	awslambda "github.com/aws/aws-lambda-go/lambda"
	"github.com/semihalev/dohsink/updater"
	"github.com/semihalev/zlog/v2"
)

// Reconciler runs one update cycle.
type Reconciler interface {
	Reconcile(ctx context.Context) (updater.Result, error)
}

// Updater runs a reconcile per scheduled (EventBridge) event.
type Updater struct {
	reconciler Reconciler
}

// NewUpdater returns an updater adapter.
func NewUpdater(r Reconciler) *Updater {
	return &Updater{reconciler: r}
}

// Start hands the updater to the Lambda runtime. It does not return.
func (u *Updater) Start() {
	awslambda.Start(u.Handle)
}

// Handle returns the result name. A failed cycle is returned as an error
// so the invocation is recorded as failed.
func (u *Updater) Handle(ctx context.Context, ev events.CloudWatchEvent) (string, error) {
	zlog.Info("Scheduled reconcile", "event", ev.ID, "source", ev.Source, "time", ev.Time.String())

	result, err := u.reconciler.Reconcile(ctx)
	if err != nil {
		return result.String(), err
	}

	return result.String(), nil
}
