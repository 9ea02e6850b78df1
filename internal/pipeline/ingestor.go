package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/metrics"
)

type Authenticator interface {
	Authenticate(ctx context.Context, vin int64, secret string) (*domain.Vehicle, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, vin int64) error
}

type ReadingStore interface {
	Merger
	InsertReading(ctx context.Context, r *domain.Reading, alerts []domain.Alert) error
	OdometerNeighbors(ctx context.Context, vin int64, ts time.Time) (*float64, *float64, error)
}

type CacheInvalidator interface {
	Invalidate(ctx context.Context, fleetID int64) error
}

type Notifier interface {
	Dispatch(r *domain.Reading, alerts []domain.Alert)
}

type Status string

const (
	StatusAccepted Status = "accepted"
	StatusMerged   Status = "merged"
	StatusRejected Status = "rejected"
)

// Submission is a reading as presented by a vehicle, together with the
// vehicle's shared secret. Reading.FleetID is ignored; it comes from the
// vehicle record.
type Submission struct {
	Reading domain.Reading
	Secret  string
}

type Result struct {
	Status  Status
	Reading *domain.Reading
	Alerts  []domain.Alert
	Err     error
}

type Options struct {
	// EnforceMonotonicOdometer rejects readings whose odometer falls outside
	// the vehicle's neighbouring readings.
	EnforceMonotonicOdometer bool
}

type Ingestor struct {
	auth       Authenticator
	limiter    RateLimiter
	store      ReadingStore
	reconciler *Reconciler
	evaluator  *AlertEvaluator
	cache      CacheInvalidator
	notifier   Notifier
	opts       Options
	logger     *zap.Logger
	now        func() time.Time
}

func NewIngestor(
	auth Authenticator,
	limiter RateLimiter,
	store ReadingStore,
	evaluator *AlertEvaluator,
	cache CacheInvalidator,
	notifier Notifier,
	opts Options,
	logger *zap.Logger,
) *Ingestor {
	return &Ingestor{
		auth:       auth,
		limiter:    limiter,
		store:      store,
		reconciler: NewReconciler(store),
		evaluator:  evaluator,
		cache:      cache,
		notifier:   notifier,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// Ingest runs one submission through authentication, rate limiting,
// validation and duplicate reconciliation, then persists it with its alerts.
// Nothing is written unless the credential and the rate budget both pass.
func (in *Ingestor) Ingest(ctx context.Context, sub Submission) (*Result, error) {
	metrics.ReadingsReceived.Inc()

	res, err := in.ingest(ctx, sub)
	if err != nil {
		kind := domain.KindOf(err)
		metrics.ReadingsRejected.WithLabelValues(string(kind)).Inc()
		if kind == domain.KindInternal {
			in.logger.Error("ingest failed", zap.Int64("vin", sub.Reading.VIN), zap.Error(err))
		}
		return nil, err
	}

	metrics.ReadingsAccepted.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

// IngestBatch ingests every submission independently. The result at index i
// belongs to subs[i]; a failed item does not affect the others.
func (in *Ingestor) IngestBatch(ctx context.Context, subs []Submission) []Result {
	results := make([]Result, len(subs))
	for i, sub := range subs {
		res, err := in.Ingest(ctx, sub)
		if err != nil {
			results[i] = Result{Status: StatusRejected, Err: err}
			continue
		}
		results[i] = *res
	}
	return results
}

func (in *Ingestor) ingest(ctx context.Context, sub Submission) (*Result, error) {
	r := sub.Reading

	vehicle, err := in.auth.Authenticate(ctx, r.VIN, sub.Secret)
	if err != nil {
		return nil, err
	}

	if err := in.limiter.Allow(ctx, r.VIN); err != nil {
		return nil, err
	}

	r.FleetID = vehicle.FleetID
	r.ReceivedAt = in.now().UTC()
	r.ID = 0

	if err := r.Validate(); err != nil {
		return nil, err
	}

	if in.opts.EnforceMonotonicOdometer {
		prev, next, err := in.store.OdometerNeighbors(ctx, r.VIN, r.Timestamp)
		if err != nil {
			return nil, domain.Wrap(domain.KindInternal, err, "failed to check odometer")
		}
		if err := r.CheckOdometer(prev, next); err != nil {
			return nil, err
		}
	}

	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	merged, err := in.reconciler.Reconcile(ctx, &r)
	if err != nil {
		return nil, err
	}
	if merged {
		return in.landed(ctx, &r, nil, StatusMerged), nil
	}

	alerts := in.evaluator.Evaluate(&r, r.ReceivedAt)

	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	err = in.store.InsertReading(ctx, &r, alerts)
	if errors.Is(err, domain.ErrConflict) {
		// Lost an insert race for the same natural key: fold into the winner.
		merged, err = in.reconciler.Reconcile(ctx, &r)
		if err != nil {
			return nil, err
		}
		if !merged {
			return nil, domain.Errorf(domain.KindConflict, "reading for vin %d at %s changed concurrently", r.VIN, r.Timestamp.Format(time.RFC3339))
		}
		return in.landed(ctx, &r, nil, StatusMerged), nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, err, "failed to store reading")
	}

	for _, a := range alerts {
		metrics.AlertsEmitted.WithLabelValues(a.Rule).Inc()
	}
	return in.landed(ctx, &r, alerts, StatusAccepted), nil
}

// landed runs the post-persist steps. The reading is durable at this point,
// so failures here are logged and never reported to the caller.
func (in *Ingestor) landed(ctx context.Context, r *domain.Reading, alerts []domain.Alert, status Status) *Result {
	if err := in.cache.Invalidate(context.WithoutCancel(ctx), r.FleetID); err != nil {
		metrics.AggregateInvalidationFailures.Inc()
		in.logger.Warn("aggregate invalidation failed",
			zap.Int64("fleet_id", r.FleetID),
			zap.Int64("vin", r.VIN),
			zap.Error(err),
		)
	}

	in.notifier.Dispatch(r, alerts)

	in.logger.Debug("reading landed",
		zap.Int64("vin", r.VIN),
		zap.Int64("id", r.ID),
		zap.String("status", string(status)),
		zap.Int("alerts", len(alerts)),
	)

	return &Result{Status: status, Reading: r, Alerts: alerts}
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return domain.Wrap(domain.KindInternal, err, "request cancelled before persist")
	}
	return nil
}
