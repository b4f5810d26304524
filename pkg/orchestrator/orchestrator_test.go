package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/audit"
	"github.com/storeplane/storeplane/pkg/engine"
	"github.com/storeplane/storeplane/pkg/helm"
	"github.com/storeplane/storeplane/pkg/kube"
	"github.com/storeplane/storeplane/pkg/lifecycle"
	"github.com/storeplane/storeplane/pkg/registry"
)

// memRegistry is an in-memory Registry with the same optimistic update
// semantics as the SQL implementation.
type memRegistry struct {
	mu     sync.Mutex
	stores map[string]*registry.Store
}

func newMemRegistry() *memRegistry {
	return &memRegistry{stores: make(map[string]*registry.Store)}
}

func (m *memRegistry) Create(_ context.Context, store *registry.Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	store.CreatedAt = now
	store.UpdatedAt = now
	clone := *store
	m.stores[store.ID] = &clone
	return nil
}

func (m *memRegistry) FindByID(_ context.Context, id string) (*registry.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	store, ok := m.stores[id]
	if !ok {
		return nil, nil
	}
	clone := *store
	return &clone, nil
}

func (m *memRegistry) FindByNameAndOwner(_ context.Context, name, ownerID string) (*registry.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, store := range m.stores {
		if store.Name == name && store.OwnerID == ownerID && store.Status != lifecycle.StatusDeleted {
			clone := *store
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *memRegistry) List(_ context.Context, filter registry.ListFilter) ([]registry.Store, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []registry.Store
	for _, store := range m.stores {
		if filter.OwnerID != "" && store.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && store.Status != filter.Status {
			continue
		}
		if filter.Status == "" && store.Status == lifecycle.StatusDeleted {
			continue
		}
		out = append(out, *store)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, len(out), nil
}

func (m *memRegistry) UpdateStore(_ context.Context, id string, upd registry.Update, expectedStatus *lifecycle.Status) (*registry.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	store, ok := m.stores[id]
	if !ok {
		return nil, nil
	}
	if expectedStatus != nil && store.Status != *expectedStatus {
		return nil, nil
	}
	if upd.Status != nil {
		store.Status = *upd.Status
	}
	if upd.StorefrontURL != nil {
		store.StorefrontURL = upd.StorefrontURL
	}
	if upd.AdminURL != nil {
		store.AdminURL = upd.AdminURL
	}
	if upd.AdminEmail != nil {
		store.AdminEmail = upd.AdminEmail
	}
	if upd.AdminUsername != nil {
		store.AdminUsername = upd.AdminUsername
	}
	if upd.AdminPassword != nil {
		store.AdminPassword = upd.AdminPassword
	}
	if upd.FailureReason != nil {
		store.FailureReason = upd.FailureReason
	}
	if upd.ClearFailureReason {
		store.FailureReason = nil
	}
	if upd.RetryCount != nil {
		store.RetryCount = *upd.RetryCount
	}
	if upd.ProvisioningStartedAt != nil {
		store.ProvisioningStartedAt = upd.ProvisioningStartedAt
	}
	if upd.ClearProvisioningTimes {
		store.ProvisioningStartedAt = nil
		store.ProvisioningCompletedAt = nil
		store.ProvisioningDurationMS = nil
	}
	if upd.ProvisioningCompletedAt != nil {
		store.ProvisioningCompletedAt = upd.ProvisioningCompletedAt
	}
	if upd.ProvisioningDurationMS != nil {
		store.ProvisioningDurationMS = upd.ProvisioningDurationMS
	}
	if upd.DeletedAt != nil {
		store.DeletedAt = upd.DeletedAt
	}
	store.UpdatedAt = time.Now()
	clone := *store
	return &clone, nil
}

func (m *memRegistry) CountActiveByOwner(_ context.Context, ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, store := range m.stores {
		if store.OwnerID != ownerID {
			continue
		}
		if store.Status == lifecycle.StatusDeleted || store.Status == lifecycle.StatusFailed {
			continue
		}
		count++
	}
	return count, nil
}

func (m *memRegistry) CountByStatus(_ context.Context) (map[lifecycle.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[lifecycle.Status]int{}
	for _, store := range m.stores {
		counts[store.Status]++
	}
	return counts, nil
}

func (m *memRegistry) FindStuck(_ context.Context) ([]registry.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []registry.Store
	for _, store := range m.stores {
		if store.Status.IsInProgress() {
			out = append(out, *store)
		}
	}
	return out, nil
}

// memAudit collects entries for assertions.
type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memAudit) Record(_ context.Context, entry audit.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
}

func (m *memAudit) Query(_ context.Context, filter audit.Filter) ([]audit.Event, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for i, entry := range m.entries {
		if filter.StoreID != "" && entry.StoreID != filter.StoreID {
			continue
		}
		storeID := entry.StoreID
		out = append(out, audit.Event{
			ID:        int64(i + 1),
			StoreID:   &storeID,
			EventType: entry.EventType,
			Message:   entry.Message,
		})
	}
	return out, len(out), nil
}

func (m *memAudit) types() []audit.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.EventType, 0, len(m.entries))
	for _, entry := range m.entries {
		out = append(out, entry.EventType)
	}
	return out
}

// fakeCluster simulates the cluster adapter.
type fakeCluster struct {
	mu           sync.Mutex
	namespaces   map[string]bool
	createErr    error
	createFails  int
	podsReady    bool
	pollReady    bool
	pollTimedOut bool
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{namespaces: make(map[string]bool), podsReady: true, pollReady: true}
}

func (f *fakeCluster) CreateNamespace(_ context.Context, name string, _ map[string]string) (*corev1.Namespace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createFails > 0 {
		f.createFails--
		return nil, errors.New("transient apiserver error")
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.namespaces[name] = true
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}, nil
}

func (f *fakeCluster) DeleteNamespace(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.namespaces, name)
	return nil
}

func (f *fakeCluster) CheckPodsReady(context.Context, string) (kube.PodsReadiness, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return kube.PodsReadiness{Ready: f.podsReady, Total: 1, ReadyCount: 1}, nil
}

func (f *fakeCluster) PollForReadiness(context.Context, string, kube.PollOptions) kube.PollResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return kube.PollResult{Ready: f.pollReady, TimedOut: f.pollTimedOut}
}

func (f *fakeCluster) VerifyCleanup(_ context.Context, namespace string) (kube.CleanupState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return kube.CleanupState{Clean: !f.namespaces[namespace]}, nil
}

func (f *fakeCluster) VerifyResourceBoundaries(context.Context, string) (kube.ResourceBoundaries, error) {
	return kube.ResourceBoundaries{QuotaEnforced: true, LimitRangeEnforced: true}, nil
}

// fakeInstaller simulates helm.
type fakeInstaller struct {
	mu         sync.Mutex
	releases   map[string]string // release -> status
	installErr error
	installs   int
	uninstalls int
	blockFor   time.Duration
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{releases: make(map[string]string)}
}

func (f *fakeInstaller) Install(ctx context.Context, req helm.InstallRequest) (*helm.Release, error) {
	if f.blockFor > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.blockFor):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs++
	if f.installErr != nil {
		return nil, f.installErr
	}
	f.releases[req.ReleaseName] = "deployed"
	return &helm.Release{Name: req.ReleaseName, Namespace: req.Namespace, Status: "deployed"}, nil
}

func (f *fakeInstaller) Uninstall(_ context.Context, releaseName, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uninstalls++
	if _, ok := f.releases[releaseName]; !ok {
		return false, nil
	}
	delete(f.releases, releaseName)
	return true, nil
}

func (f *fakeInstaller) Status(_ context.Context, releaseName, namespace string) (*helm.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.releases[releaseName]
	if !ok {
		return nil, nil
	}
	return &helm.Release{Name: releaseName, Namespace: namespace, Status: status}, nil
}

// fakeSetup always succeeds.
type fakeSetup struct {
	mu   sync.Mutex
	runs int
}

func (f *fakeSetup) Run(context.Context, engine.SetupRequest) engine.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return engine.Result{Completed: 1, Steps: []engine.StepResult{{Name: "noop", OK: true}}}
}

func isCode(err error, code apierror.Code) bool {
	return apierror.CodeOf(err) == code
}
