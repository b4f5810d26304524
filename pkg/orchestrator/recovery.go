package orchestrator

import (
	"context"
	"time"

	"github.com/storeplane/storeplane/pkg/audit"
	"github.com/storeplane/storeplane/pkg/lifecycle"
	"github.com/storeplane/storeplane/pkg/registry"
)

// recoveryFailureReason is the message surfaced to tenants after a crash
// interrupted provisioning.
const recoveryFailureReason = "Backend restarted during provisioning. Safe to retry."

// RecoverStuckStores handles stores left in a transitional state by a process
// crash. It must run before the HTTP listener accepts traffic: REQUESTED and
// PROVISIONING stores are failed (safe to retry), DELETING stores resume
// their teardown.
func (o *Orchestrator) RecoverStuckStores(ctx context.Context) (int, error) {
	// Seed the per-status gauges from the registry so transitions observed
	// from here on adjust an accurate baseline.
	if counts, err := o.stores.CountByStatus(ctx); err != nil {
		o.log.Info("could not seed status gauges", "error", err.Error())
	} else {
		for _, status := range lifecycle.All() {
			o.metrics.StoresTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
	}

	stuck, err := o.stores.FindStuck(ctx)
	if err != nil {
		return 0, err
	}
	if len(stuck) == 0 {
		o.log.Info("no stuck stores found")
		return 0, nil
	}
	o.log.Info("recovering stuck stores", "count", len(stuck))

	recovered := 0
	for i := range stuck {
		store := stuck[i]
		stuckFor := time.Since(store.UpdatedAt).Round(time.Second)

		switch store.Status {
		case lifecycle.StatusRequested, lifecycle.StatusProvisioning:
			failed := lifecycle.StatusFailed
			reason := recoveryFailureReason
			current := store.Status
			completed := time.Now()
			updated, err := o.stores.UpdateStore(ctx, store.ID, registry.Update{
				Status:                  &failed,
				FailureReason:           &reason,
				ProvisioningCompletedAt: &completed,
			}, &current)
			if err != nil || updated == nil {
				o.log.Info("could not recover store", "store", store.ID, "error", errString(err))
				continue
			}
			o.trackStatus(current, failed)
			o.audit.Record(ctx, audit.Entry{
				StoreID:        store.ID,
				EventType:      audit.EventRecovery,
				PreviousStatus: string(current),
				NewStatus:      string(failed),
				Message:        reason,
				Metadata:       map[string]any{"stuckFor": stuckFor.String()},
			})
			recovered++

		case lifecycle.StatusDeleting:
			o.audit.Record(ctx, audit.Entry{
				StoreID:   store.ID,
				EventType: audit.EventRecovery,
				Message:   "resuming interrupted deletion",
				Metadata:  map[string]any{"stuckFor": stuckFor.String()},
			})
			store := store
			o.spawn(func(ctx context.Context) {
				o.deleteStoreAsync(ctx, &store)
			})
			recovered++
		}
	}
	return recovered, nil
}
