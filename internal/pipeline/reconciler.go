package pipeline

import (
	"context"

	"fleet-monitor/telemetry/internal/domain"
)

type Merger interface {
	MergeReading(ctx context.Context, r *domain.Reading) (bool, error)
}

// Reconciler folds a resubmitted reading into the one already stored under
// the same vin and timestamp. The later submission wins field by field.
type Reconciler struct {
	store Merger
}

func NewReconciler(store Merger) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile reports whether r was a duplicate. On true, r.ID and r.FleetID
// hold the stored reading's values.
func (rc *Reconciler) Reconcile(ctx context.Context, r *domain.Reading) (bool, error) {
	merged, err := rc.store.MergeReading(ctx, r)
	if err != nil {
		return false, domain.Wrap(domain.KindInternal, err, "failed to reconcile reading")
	}
	return merged, nil
}
