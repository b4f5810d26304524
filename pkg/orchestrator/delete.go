package orchestrator

import (
	"context"
	"time"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/audit"
	"github.com/storeplane/storeplane/pkg/lifecycle"
	"github.com/storeplane/storeplane/pkg/registry"
	"github.com/storeplane/storeplane/pkg/retry"
)

// DeleteStore validates the transition, moves the store to DELETING and fires
// the async teardown worker.
func (o *Orchestrator) DeleteStore(ctx context.Context, id string) (*registry.Store, error) {
	store, err := o.GetStore(ctx, id)
	if err != nil {
		return nil, err
	}

	if ok, reason := lifecycle.CanDelete(store.Status); !ok {
		return nil, apierror.New(apierror.CodeConflict, reason).
			WithSuggestion("Wait for the current operation to finish.")
	}

	deleting := lifecycle.StatusDeleting
	current := store.Status
	updated, err := o.stores.UpdateStore(ctx, id, registry.Update{Status: &deleting}, &current)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, apierror.Newf(apierror.CodeConflict,
			"store %s changed state during deletion request", id)
	}
	o.trackStatus(current, deleting)
	o.recordStatusChange(ctx, id, current, deleting, "deletion requested", nil)

	o.spawn(func(ctx context.Context) {
		o.deleteStoreAsync(ctx, updated)
	})
	return updated, nil
}

// deleteStoreAsync tears down the release and namespace, then lands the store
// in DELETED. A permit timeout marks the store FAILED instead of retrying.
func (o *Orchestrator) deleteStoreAsync(ctx context.Context, store *registry.Store) {
	if !o.beginOperation(store.ID) {
		o.log.Info("operation already in progress, skipping deletion", "store", store.ID)
		return
	}
	defer o.endOperation(store.ID)

	log := o.log.WithValues("store", store.ID)

	permit, err := o.pool.Acquire(ctx)
	if err != nil {
		deleting := lifecycle.StatusDeleting
		o.failStore(ctx, store.ID, &deleting, apierror.Wrap(apierror.CodeServiceUnavailable,
			"deletion could not acquire a permit", err))
		return
	}
	o.metrics.ConcurrentOperations.Inc()
	defer func() {
		permit.Release()
		o.metrics.ConcurrentOperations.Dec()
		o.syncPoolGauges()
	}()

	if err := o.teardown(ctx, store, 120*time.Second); err != nil {
		deleting := lifecycle.StatusDeleting
		o.failStore(ctx, store.ID, &deleting, err)
		return
	}

	deleted := lifecycle.StatusDeleted
	deleting := lifecycle.StatusDeleting
	now := time.Now()
	updated, err := o.stores.UpdateStore(ctx, store.ID, registry.Update{
		Status:    &deleted,
		DeletedAt: &now,
	}, &deleting)
	if err != nil || updated == nil {
		log.Info("could not finalize deletion", "error", errString(err))
		return
	}
	o.trackStatus(deleting, deleted)
	o.recordStatusChange(ctx, store.ID, deleting, deleted, "store deleted", nil)
	log.Info("store deleted")
}

// teardown uninstalls the release, deletes the namespace and polls cleanup
// for up to verifyBudget. The cleanup poll is non-fatal on timeout.
func (o *Orchestrator) teardown(ctx context.Context, store *registry.Store, verifyBudget time.Duration) error {
	log := o.log.WithValues("store", store.ID)

	release, err := o.installer.Status(ctx, store.HelmRelease, store.Namespace)
	if err != nil {
		log.Info("release status check failed, attempting uninstall anyway", "error", err.Error())
		release = nil
	}
	if release != nil || err != nil {
		uninstallErr := retry.Do(ctx, retry.Options{
			MaxRetries: 2,
			BaseDelay:  o.cfg.ProvisioningBaseDelay,
		}, func(ctx context.Context) error {
			_, err := o.installer.Uninstall(ctx, store.HelmRelease, store.Namespace)
			return err
		})
		if uninstallErr != nil {
			return apierror.Wrap(apierror.CodeHelmError, "uninstalling release "+store.HelmRelease, uninstallErr)
		}
		o.audit.Record(ctx, audit.Entry{
			StoreID:   store.ID,
			EventType: audit.EventHelmUninstall,
			Message:   "chart uninstalled",
			Metadata:  map[string]any{"release": store.HelmRelease},
		})
	}

	if err := retry.Do(ctx, retry.Options{
		MaxRetries: 2,
		BaseDelay:  o.cfg.ProvisioningBaseDelay,
	}, func(ctx context.Context) error {
		return o.cluster.DeleteNamespace(ctx, store.Namespace)
	}); err != nil {
		return apierror.Wrap(apierror.CodeKubernetesError, "deleting namespace "+store.Namespace, err)
	}

	deadline := time.Now().Add(verifyBudget)
	for time.Now().Before(deadline) {
		state, err := o.cluster.VerifyCleanup(ctx, store.Namespace)
		if err == nil && state.Clean {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(3 * time.Second):
		}
	}
	log.Info("cleanup verification timed out, continuing", "budget", verifyBudget)
	return nil
}

// RetryStore re-enqueues a FAILED store for provisioning, consuming one unit
// of its retry budget.
func (o *Orchestrator) RetryStore(ctx context.Context, id string) (*registry.Store, error) {
	store, err := o.GetStore(ctx, id)
	if err != nil {
		return nil, err
	}

	if !lifecycle.CanRetry(store.Status) {
		return nil, apierror.Newf(apierror.CodeInvalidStateTransition,
			"store in status %s cannot be retried", store.Status).
			WithSuggestion("Only failed stores can be retried.")
	}
	if store.RetryCount >= o.cfg.ProvisioningMaxRetries {
		return nil, apierror.Newf(apierror.CodeValidation,
			"retry limit reached (%d of %d)", store.RetryCount, o.cfg.ProvisioningMaxRetries).
			WithSuggestion("Delete the store and create it again.")
	}

	// Best-effort pre-retry cleanup so the fresh install starts clean.
	if err := o.teardown(ctx, store, 15*time.Second); err != nil {
		o.log.Info("pre-retry cleanup failed, continuing", "store", id, "error", err.Error())
	}

	requested := lifecycle.StatusRequested
	failed := lifecycle.StatusFailed
	retryCount := store.RetryCount + 1
	updated, err := o.stores.UpdateStore(ctx, id, registry.Update{
		Status:                 &requested,
		RetryCount:             &retryCount,
		ClearFailureReason:     true,
		ClearProvisioningTimes: true,
	}, &failed)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, apierror.Newf(apierror.CodeConflict,
			"store %s changed state during retry request", id)
	}
	o.trackStatus(failed, requested)
	o.recordStatusChange(ctx, id, failed, requested,
		"retry requested", map[string]any{"retryCount": retryCount})

	o.spawn(func(ctx context.Context) {
		o.provisionStore(ctx, id, "")
	})
	return updated, nil
}

func errString(err error) string {
	if err == nil {
		return "precondition failed"
	}
	return err.Error()
}
