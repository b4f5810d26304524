// Package orchestrator composes the registry, chart installer, cluster
// adapter and engine setup into the store lifecycle. Provisioning and
// deletion run as background workers off the request path; all state
// transitions go through the registry's optimistic conditional update.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/audit"
	"github.com/storeplane/storeplane/pkg/config"
	"github.com/storeplane/storeplane/pkg/engine"
	"github.com/storeplane/storeplane/pkg/helm"
	"github.com/storeplane/storeplane/pkg/kube"
	"github.com/storeplane/storeplane/pkg/lifecycle"
	"github.com/storeplane/storeplane/pkg/metrics"
	"github.com/storeplane/storeplane/pkg/naming"
	"github.com/storeplane/storeplane/pkg/permits"
	"github.com/storeplane/storeplane/pkg/registry"
)

// Installer is the slice of the helm installer the orchestrator consumes.
type Installer interface {
	Install(ctx context.Context, req helm.InstallRequest) (*helm.Release, error)
	Uninstall(ctx context.Context, releaseName, namespace string) (bool, error)
	Status(ctx context.Context, releaseName, namespace string) (*helm.Release, error)
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Stores    registry.Registry
	Audit     audit.Log
	Cluster   ClusterAdapter
	Installer Installer
	// SetupFor resolves the engine setup procedure; defaults to engine.ForEngine
	// over Cluster's exec channel when Cluster is a *kube.Adapter.
	SetupFor func(eng registry.Engine) (engine.Setup, error)
	// OwnerEmail resolves a tenant's email for admin credential defaults. May
	// be nil; engine fallback addresses are used then.
	OwnerEmail func(ctx context.Context, ownerID string) (string, error)
	// Hosts adds dev hostname entries after a store reaches READY. May be nil.
	Hosts interface{ AddEntry(hostname string) }
	Metrics *metrics.Set
	Config  *config.Config
	Log     logr.Logger
}

// ClusterAdapter is the cluster surface the workflows need. Satisfied by
// *kube.Adapter.
type ClusterAdapter interface {
	CreateNamespace(ctx context.Context, name string, labels map[string]string) (*corev1.Namespace, error)
	DeleteNamespace(ctx context.Context, name string) error
	CheckPodsReady(ctx context.Context, namespace string) (kube.PodsReadiness, error)
	PollForReadiness(ctx context.Context, namespace string, opts kube.PollOptions) kube.PollResult
	VerifyCleanup(ctx context.Context, namespace string) (kube.CleanupState, error)
	VerifyResourceBoundaries(ctx context.Context, namespace string) (kube.ResourceBoundaries, error)
}

// Orchestrator owns the store lifecycle.
type Orchestrator struct {
	stores     registry.Registry
	audit      audit.Log
	cluster    ClusterAdapter
	installer  Installer
	setupFor   func(eng registry.Engine) (engine.Setup, error)
	ownerEmail func(ctx context.Context, ownerID string) (string, error)
	hosts      interface{ AddEntry(hostname string) }
	metrics    *metrics.Set
	cfg        *config.Config
	log        logr.Logger

	pool *permits.Pool

	mu        sync.Mutex
	activeOps map[string]struct{}

	// workerCtx outlives individual HTTP requests; workers are cancelled only
	// on shutdown.
	workerCtx    context.Context
	workerCancel context.CancelFunc
	workers      sync.WaitGroup
}

// New builds an Orchestrator. Call Shutdown to stop background workers.
func New(deps Deps) *Orchestrator {
	setupFor := deps.SetupFor
	if setupFor == nil {
		if adapter, ok := deps.Cluster.(*kube.Adapter); ok {
			log := deps.Log
			setupFor = func(eng registry.Engine) (engine.Setup, error) {
				return engine.ForEngine(eng, adapter, log)
			}
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		stores:     deps.Stores,
		audit:      deps.Audit,
		cluster:    deps.Cluster,
		installer:  deps.Installer,
		setupFor:   setupFor,
		ownerEmail: deps.OwnerEmail,
		hosts:      deps.Hosts,
		metrics:    deps.Metrics,
		cfg:        deps.Config,
		log:        deps.Log.WithName("orchestrator"),
		pool: permits.NewPool(permits.Config{
			Name:           "provisioning",
			MaxConcurrent:  deps.Config.ProvisioningMaxConcurrent,
			MaxQueueSize:   deps.Config.ProvisioningMaxQueue,
			AcquireTimeout: deps.Config.ProvisioningQueueTimeout,
		}),
		activeOps:    make(map[string]struct{}),
		workerCtx:    ctx,
		workerCancel: cancel,
	}
}

// CreateRequest is the validated input to CreateStore.
type CreateRequest struct {
	Name    string
	Engine  registry.Engine
	Theme   *registry.Theme
	OwnerID string
	// AdminPassword, when set, overrides the generated admin password.
	AdminPassword string
}

// CreateStore persists a new store in REQUESTED and fires the provisioning
// worker. It returns immediately; callers observe progress through the store
// record.
func (o *Orchestrator) CreateStore(ctx context.Context, req CreateRequest) (*registry.Store, error) {
	if err := naming.ValidateStoreName(req.Name); err != nil {
		return nil, err
	}
	if !req.Engine.IsValid() {
		return nil, apierror.Newf(apierror.CodeUnsupportedEngine, "unsupported engine %q", req.Engine).
			WithSuggestion("Use one of: woocommerce, medusa.")
	}
	if req.Engine == registry.EngineMedusa && req.Theme != nil {
		return nil, apierror.New(apierror.CodeValidation, "medusa stores do not take a theme")
	}
	if req.Theme != nil && !req.Theme.IsValid() {
		return nil, apierror.Newf(apierror.CodeValidation, "unknown theme %q", *req.Theme).
			WithSuggestion("Use one of: storefront, astra.")
	}

	// Idempotency on (name, owner): a FAILED namesake is retired, anything
	// else is a conflict.
	if existing, err := o.stores.FindByNameAndOwner(ctx, req.Name, req.OwnerID); err != nil {
		return nil, err
	} else if existing != nil {
		if existing.Status != lifecycle.StatusFailed {
			return nil, apierror.Newf(apierror.CodeConflict,
				"store %q already exists in status %s", req.Name, existing.Status).
				WithSuggestion("Choose a different name or delete the existing store.")
		}
		now := time.Now()
		deleted := lifecycle.StatusDeleted
		expected := lifecycle.StatusFailed
		if _, err := o.stores.UpdateStore(ctx, existing.ID, registry.Update{
			Status: &deleted, DeletedAt: &now,
		}, &expected); err != nil {
			return nil, err
		}
		o.trackStatus(expected, deleted)
		o.log.Info("retired failed namesake store", "store", existing.ID, "name", req.Name)
	}

	count, err := o.stores.CountActiveByOwner(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if count >= o.cfg.MaxStoresPerUser {
		return nil, apierror.Newf(apierror.CodeStoreLimitExceeded,
			"store limit reached (%d of %d)", count, o.cfg.MaxStoresPerUser).
			WithSuggestion("Delete an existing store before creating another.")
	}

	storeID := naming.NewStoreID()
	store := &registry.Store{
		ID:          storeID,
		Name:        req.Name,
		Engine:      req.Engine,
		Theme:       req.Theme,
		Status:      lifecycle.StatusRequested,
		OwnerID:     req.OwnerID,
		Namespace:   naming.StoreIDToNamespace(storeID),
		HelmRelease: naming.StoreIDToHelmRelease(storeID),
	}
	if err := o.stores.Create(ctx, store); err != nil {
		return nil, err
	}
	o.trackStatus("", lifecycle.StatusRequested)

	o.audit.Record(ctx, audit.Entry{
		StoreID:   storeID,
		EventType: audit.EventStoreCreated,
		NewStatus: string(lifecycle.StatusRequested),
		Message:   "store requested",
		Metadata:  map[string]any{"name": req.Name, "engine": string(req.Engine)},
	})

	o.spawn(func(ctx context.Context) {
		o.provisionStore(ctx, store.ID, req.AdminPassword)
	})
	return store, nil
}

// GetStore fetches one store.
func (o *Orchestrator) GetStore(ctx context.Context, id string) (*registry.Store, error) {
	store, err := o.stores.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, apierror.Newf(apierror.CodeStoreNotFound, "store %s not found", id)
	}
	return store, nil
}

// ListStores lists stores matching the filter.
func (o *Orchestrator) ListStores(ctx context.Context, filter registry.ListFilter) ([]registry.Store, int, error) {
	return o.stores.List(ctx, filter)
}

// GetStoreLogs returns the audit trail for one store.
func (o *Orchestrator) GetStoreLogs(ctx context.Context, id string, limit, offset int) ([]audit.Event, int, error) {
	if _, err := o.GetStore(ctx, id); err != nil {
		return nil, 0, err
	}
	return o.audit.Query(ctx, audit.Filter{StoreID: id, Limit: limit, Offset: offset})
}

// IsOperationInProgress reports whether a worker currently holds the store.
func (o *Orchestrator) IsOperationInProgress(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.activeOps[id]
	return ok
}

// GetConcurrencyStats snapshots the limiter.
func (o *Orchestrator) GetConcurrencyStats() permits.Stats {
	return o.pool.Stats()
}

// Shutdown drains the permit queue, cancels workers and waits for them.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.pool.Drain()
	done := make(chan struct{})
	go func() {
		o.workers.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		o.workerCancel()
	case <-done:
		o.workerCancel()
	}
}

// beginOperation registers a per-store worker; false when one already runs.
func (o *Orchestrator) beginOperation(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.activeOps[id]; ok {
		return false
	}
	o.activeOps[id] = struct{}{}
	o.metrics.ActiveOperations.Inc()
	return true
}

func (o *Orchestrator) endOperation(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.activeOps, id)
	o.metrics.ActiveOperations.Dec()
}

// spawn runs fn on the worker context, tracked for shutdown.
func (o *Orchestrator) spawn(fn func(ctx context.Context)) {
	o.workers.Add(1)
	go func() {
		defer o.workers.Done()
		fn(o.workerCtx)
	}()
}
