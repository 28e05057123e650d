package tools

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"wismo-triage/pkg/metrics"
	"wismo-triage/pkg/models"
)

// Guard is the single timeout/retry policy for collaborator calls. Decision
// logic never retries on its own.
type Guard struct {
	Timeout    time.Duration
	MaxRetries int
	Logger     *logrus.Logger
	Metrics    *metrics.Metrics

	// InitialInterval seeds the exponential backoff; tests shrink it.
	InitialInterval time.Duration
}

// Do runs fn with a per-attempt timeout. Lookup misses are permanent and
// returned immediately; other errors are retried up to MaxRetries times.
func (g *Guard) Do(ctx context.Context, tool string, fn func(ctx context.Context) error) error {
	start := time.Now()
	defer func() {
		if g.Metrics != nil {
			g.Metrics.ToolCallDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
		}
	}()

	attempt := 0
	op := func() error {
		attempt++
		callCtx := ctx
		if g.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.Timeout)
			defer cancel()
		}

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if IsNotFound(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if g.Logger != nil {
			g.Logger.WithError(err).WithFields(logrus.Fields{
				"tool":    tool,
				"attempt": attempt,
			}).Warn("Collaborator call failed")
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	if g.InitialInterval > 0 {
		policy.InitialInterval = g.InitialInterval
	}
	policy.MaxElapsedTime = 0

	retries := g.MaxRetries
	if retries < 0 {
		retries = 0
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx))
}

// GuardedOrders applies a Guard to an OrderTool.
type GuardedOrders struct {
	Inner OrderTool
	Guard *Guard
}

func (g GuardedOrders) GetOrder(ctx context.Context, orderID, email string) (*models.Order, error) {
	var order *models.Order
	err := g.Guard.Do(ctx, "get_order", func(ctx context.Context) error {
		var err error
		order, err = g.Inner.GetOrder(ctx, orderID, email)
		return err
	})
	return order, err
}

// GuardedTracking applies a Guard to a TrackingTool.
type GuardedTracking struct {
	Inner TrackingTool
	Guard *Guard
}

func (g GuardedTracking) GetTracking(ctx context.Context, trackingID string) (*models.Shipment, error) {
	var shipment *models.Shipment
	err := g.Guard.Do(ctx, "get_tracking", func(ctx context.Context) error {
		var err error
		shipment, err = g.Inner.GetTracking(ctx, trackingID)
		return err
	})
	return shipment, err
}
