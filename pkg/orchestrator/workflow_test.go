package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	kubefake "k8s.io/client-go/kubernetes/fake"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/audit"
	"github.com/storeplane/storeplane/pkg/config"
	"github.com/storeplane/storeplane/pkg/engine"
	"github.com/storeplane/storeplane/pkg/kube"
	"github.com/storeplane/storeplane/pkg/lifecycle"
	"github.com/storeplane/storeplane/pkg/metrics"
	"github.com/storeplane/storeplane/pkg/registry"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxStoresPerUser:          5,
		ProvisioningMaxRetries:    3,
		ProvisioningBaseDelay:     time.Millisecond,
		ProvisioningPollInterval:  time.Millisecond,
		ProvisioningMaxConcurrent: 3,
		ProvisioningMaxQueue:      10,
		ProvisioningQueueTimeout:  200 * time.Millisecond,
		StoreDomainSuffix:         ".localhost",
		StoreURLScheme:            "http",
	}
}

type testEnv struct {
	orch      *Orchestrator
	stores    *memRegistry
	audit     *memAudit
	cluster   *fakeCluster
	installer *fakeInstaller
	setup     *fakeSetup
	metrics   *metrics.Set
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	env := &testEnv{
		stores:    newMemRegistry(),
		audit:     &memAudit{},
		cluster:   newFakeCluster(),
		installer: newFakeInstaller(),
		setup:     &fakeSetup{},
		metrics:   metrics.New(),
	}
	env.orch = New(Deps{
		Stores:    env.stores,
		Audit:     env.audit,
		Cluster:   env.cluster,
		Installer: env.installer,
		SetupFor:  func(registry.Engine) (engine.Setup, error) { return env.setup, nil },
		OwnerEmail: func(context.Context, string) (string, error) {
			return "owner@example.com", nil
		},
		Metrics: env.metrics,
		Config:  cfg,
		Log:     logr.Discard(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		env.orch.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) statusGauge(status lifecycle.Status) float64 {
	return testutil.ToFloat64(e.metrics.StoresTotal.WithLabelValues(string(status)))
}

func (e *testEnv) storeStatus(g Gomega, id string) lifecycle.Status {
	store, err := e.stores.FindByID(context.Background(), id)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(store).NotTo(BeNil())
	return store.Status
}

func TestCreateStoreProvisionsToReady(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, nil)

	store, err := env.orch.CreateStore(context.Background(), CreateRequest{
		Name: "my-shop", Engine: registry.EngineWooCommerce, OwnerID: "owner-1",
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(store.Status).To(Equal(lifecycle.StatusRequested))
	g.Expect(store.Namespace).To(Equal(store.ID))
	g.Expect(store.HelmRelease).To(Equal(store.ID))

	g.Eventually(func(g Gomega) {
		g.Expect(env.storeStatus(g, store.ID)).To(Equal(lifecycle.StatusReady))
	}, 3*time.Second, 10*time.Millisecond).Should(Succeed())

	final, _ := env.stores.FindByID(context.Background(), store.ID)
	g.Expect(final.StorefrontURL).NotTo(BeNil())
	g.Expect(*final.StorefrontURL).To(Equal("http://" + store.ID + ".localhost"))
	g.Expect(final.AdminURL).NotTo(BeNil())
	g.Expect(*final.AdminURL).To(HaveSuffix("/wp-admin"))
	g.Expect(final.AdminEmail).NotTo(BeNil())
	g.Expect(*final.AdminEmail).To(Equal("owner@example.com"))
	g.Expect(final.AdminPassword).NotTo(BeNil())
	g.Expect(*final.AdminPassword).NotTo(BeEmpty())
	g.Expect(final.ProvisioningDurationMS).NotTo(BeNil())

	g.Expect(env.setup.runs).To(Equal(1))
	g.Expect(env.audit.types()).To(ContainElements(
		audit.EventStoreCreated, audit.EventStatusChange, audit.EventHelmInstall,
	))
	g.Expect(env.orch.IsOperationInProgress(store.ID)).To(BeFalse())
}

func TestCreateStoreRejectsDuplicateName(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, nil)

	first, err := env.orch.CreateStore(context.Background(), CreateRequest{
		Name: "my-shop", Engine: registry.EngineMedusa, OwnerID: "owner-1",
	})
	g.Expect(err).NotTo(HaveOccurred())

	_, err = env.orch.CreateStore(context.Background(), CreateRequest{
		Name: "my-shop", Engine: registry.EngineMedusa, OwnerID: "owner-1",
	})
	g.Expect(isCode(err, apierror.CodeConflict)).To(BeTrue(), "got %v", err)

	// A different owner can reuse the name.
	_, err = env.orch.CreateStore(context.Background(), CreateRequest{
		Name: "my-shop", Engine: registry.EngineMedusa, OwnerID: "owner-2",
	})
	g.Expect(err).NotTo(HaveOccurred())
	_ = first
}

func TestCreateStoreRetiresFailedNamesake(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, nil)

	failed := &registry.Store{
		ID: "store-dead0001", Name: "my-shop", Engine: registry.EngineWooCommerce,
		Status: lifecycle.StatusFailed, OwnerID: "owner-1",
		Namespace: "store-dead0001", HelmRelease: "store-dead0001",
	}
	g.Expect(env.stores.Create(context.Background(), failed)).To(Succeed())

	store, err := env.orch.CreateStore(context.Background(), CreateRequest{
		Name: "my-shop", Engine: registry.EngineWooCommerce, OwnerID: "owner-1",
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(store.ID).NotTo(Equal(failed.ID))

	retired, _ := env.stores.FindByID(context.Background(), failed.ID)
	g.Expect(retired.Status).To(Equal(lifecycle.StatusDeleted))
}

func TestCreateStoreReusesNameAfterDeletion(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first, err := env.orch.CreateStore(ctx, CreateRequest{
		Name: "my-shop", Engine: registry.EngineMedusa, OwnerID: "owner-1",
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Eventually(func(g Gomega) {
		g.Expect(env.storeStatus(g, first.ID)).To(Equal(lifecycle.StatusReady))
	}, 3*time.Second, 10*time.Millisecond).Should(Succeed())

	_, err = env.orch.DeleteStore(ctx, first.ID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Eventually(func(g Gomega) {
		g.Expect(env.storeStatus(g, first.ID)).To(Equal(lifecycle.StatusDeleted))
	}, 3*time.Second, 10*time.Millisecond).Should(Succeed())

	// The retired row stays behind but no longer blocks the name.
	second, err := env.orch.CreateStore(ctx, CreateRequest{
		Name: "my-shop", Engine: registry.EngineMedusa, OwnerID: "owner-1",
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(second.ID).NotTo(Equal(first.ID))
}

func TestCreateStoreEnforcesOwnerCap(t *testing.T) {
	g := NewWithT(t)
	cfg := testConfig()
	cfg.MaxStoresPerUser = 1
	env := newTestEnv(t, cfg)

	_, err := env.orch.CreateStore(context.Background(), CreateRequest{
		Name: "shop-one", Engine: registry.EngineMedusa, OwnerID: "owner-1",
	})
	g.Expect(err).NotTo(HaveOccurred())

	_, err = env.orch.CreateStore(context.Background(), CreateRequest{
		Name: "shop-two", Engine: registry.EngineMedusa, OwnerID: "owner-1",
	})
	g.Expect(isCode(err, apierror.CodeStoreLimitExceeded)).To(BeTrue(), "got %v", err)
}

func TestCreateStoreValidation(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.orch.CreateStore(ctx, CreateRequest{Name: "x", Engine: registry.EngineMedusa, OwnerID: "o"})
	g.Expect(isCode(err, apierror.CodeValidation)).To(BeTrue(), "short name: %v", err)

	_, err = env.orch.CreateStore(ctx, CreateRequest{Name: "my-shop", Engine: "shopify", OwnerID: "o"})
	g.Expect(isCode(err, apierror.CodeUnsupportedEngine)).To(BeTrue(), "engine: %v", err)

	theme := registry.ThemeAstra
	_, err = env.orch.CreateStore(ctx, CreateRequest{Name: "my-shop", Engine: registry.EngineMedusa, Theme: &theme, OwnerID: "o"})
	g.Expect(isCode(err, apierror.CodeValidation)).To(BeTrue(), "medusa theme: %v", err)
}

func TestQueueRejectionMarksStoreFailed(t *testing.T) {
	g := NewWithT(t)
	cfg := testConfig()
	cfg.ProvisioningMaxConcurrent = 1
	cfg.ProvisioningMaxQueue = 0
	cfg.ProvisioningQueueTimeout = 100 * time.Millisecond
	env := newTestEnv(t, cfg)
	env.installer.blockFor = 2 * time.Second

	first, err := env.orch.CreateStore(context.Background(), CreateRequest{
		Name: "shop-one", Engine: registry.EngineMedusa, OwnerID: "owner-1",
	})
	g.Expect(err).NotTo(HaveOccurred())

	// Wait until the first worker holds the only permit.
	g.Eventually(func() int {
		return env.orch.GetConcurrencyStats().Active
	}, time.Second, 5*time.Millisecond).Should(Equal(1))

	second, err := env.orch.CreateStore(context.Background(), CreateRequest{
		Name: "shop-two", Engine: registry.EngineMedusa, OwnerID: "owner-2",
	})
	g.Expect(err).NotTo(HaveOccurred())

	g.Eventually(func(g Gomega) {
		g.Expect(env.storeStatus(g, second.ID)).To(Equal(lifecycle.StatusFailed))
	}, 3*time.Second, 10*time.Millisecond).Should(Succeed())

	rejected, _ := env.stores.FindByID(context.Background(), second.ID)
	g.Expect(rejected.FailureReason).NotTo(BeNil())

	g.Eventually(func(g Gomega) {
		g.Expect(env.storeStatus(g, first.ID)).To(Equal(lifecycle.StatusReady))
	}, 5*time.Second, 10*time.Millisecond).Should(Succeed())
}

func TestDeleteStoreLifecycle(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, nil)

	store, err := env.orch.CreateStore(context.Background(), CreateRequest{
		Name: "my-shop", Engine: registry.EngineMedusa, OwnerID: "owner-1",
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Eventually(func(g Gomega) {
		g.Expect(env.storeStatus(g, store.ID)).To(Equal(lifecycle.StatusReady))
	}, 3*time.Second, 10*time.Millisecond).Should(Succeed())

	deleting, err := env.orch.DeleteStore(context.Background(), store.ID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(deleting.Status).To(Equal(lifecycle.StatusDeleting))

	g.Eventually(func(g Gomega) {
		g.Expect(env.storeStatus(g, store.ID)).To(Equal(lifecycle.StatusDeleted))
	}, 3*time.Second, 10*time.Millisecond).Should(Succeed())

	final, _ := env.stores.FindByID(context.Background(), store.ID)
	g.Expect(final.DeletedAt).NotTo(BeNil())
	g.Expect(env.installer.uninstalls).To(BeNumerically(">=", 1))
	g.Expect(env.audit.types()).To(ContainElement(audit.EventHelmUninstall))
}

func TestStatusGaugesTrackCurrentCounts(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, nil)

	store, err := env.orch.CreateStore(context.Background(), CreateRequest{
		Name: "my-shop", Engine: registry.EngineWooCommerce, OwnerID: "owner-1",
	})
	g.Expect(err).NotTo(HaveOccurred())

	g.Eventually(func(g Gomega) {
		g.Expect(env.storeStatus(g, store.ID)).To(Equal(lifecycle.StatusReady))
		g.Expect(env.statusGauge(lifecycle.StatusReady)).To(Equal(1.0))
	}, 3*time.Second, 10*time.Millisecond).Should(Succeed())
	g.Expect(env.statusGauge(lifecycle.StatusRequested)).To(BeZero())
	g.Expect(env.statusGauge(lifecycle.StatusProvisioning)).To(BeZero())

	_, err = env.orch.DeleteStore(context.Background(), store.ID)
	g.Expect(err).NotTo(HaveOccurred())

	// Each store occupies exactly one bucket, so a finished deletion leaves
	// ready at zero rather than the cumulative transition count.
	g.Eventually(func(g Gomega) {
		g.Expect(env.statusGauge(lifecycle.StatusDeleted)).To(Equal(1.0))
	}, 3*time.Second, 10*time.Millisecond).Should(Succeed())
	g.Expect(env.statusGauge(lifecycle.StatusReady)).To(BeZero())
	g.Expect(env.statusGauge(lifecycle.StatusDeleting)).To(BeZero())
}

func TestDeleteStoreRejectsInProgress(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, nil)

	store := &registry.Store{
		ID: "store-busy0001", Name: "busy", Engine: registry.EngineMedusa,
		Status: lifecycle.StatusProvisioning, OwnerID: "owner-1",
		Namespace: "store-busy0001", HelmRelease: "store-busy0001",
	}
	g.Expect(env.stores.Create(context.Background(), store)).To(Succeed())

	_, err := env.orch.DeleteStore(context.Background(), store.ID)
	g.Expect(isCode(err, apierror.CodeConflict)).To(BeTrue(), "got %v", err)
}

func TestDeleteStoreNotFound(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, nil)

	_, err := env.orch.DeleteStore(context.Background(), "store-00000000")
	g.Expect(isCode(err, apierror.CodeStoreNotFound)).To(BeTrue(), "got %v", err)
}

func TestRetryStoreReprovisions(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, nil)

	reason := "helm install blew up"
	store := &registry.Store{
		ID: "store-fail0001", Name: "my-shop", Engine: registry.EngineWooCommerce,
		Status: lifecycle.StatusFailed, OwnerID: "owner-1",
		Namespace: "store-fail0001", HelmRelease: "store-fail0001",
		FailureReason: &reason, RetryCount: 1,
	}
	g.Expect(env.stores.Create(context.Background(), store)).To(Succeed())

	updated, err := env.orch.RetryStore(context.Background(), store.ID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(updated.RetryCount).To(Equal(2))
	g.Expect(updated.FailureReason).To(BeNil())

	g.Eventually(func(g Gomega) {
		g.Expect(env.storeStatus(g, store.ID)).To(Equal(lifecycle.StatusReady))
	}, 3*time.Second, 10*time.Millisecond).Should(Succeed())
}

func TestRetryStoreGuards(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, nil)
	ctx := context.Background()

	ready := &registry.Store{
		ID: "store-redy0001", Name: "ready", Engine: registry.EngineMedusa,
		Status: lifecycle.StatusReady, OwnerID: "owner-1",
		Namespace: "store-redy0001", HelmRelease: "store-redy0001",
	}
	g.Expect(env.stores.Create(ctx, ready)).To(Succeed())
	_, err := env.orch.RetryStore(ctx, ready.ID)
	g.Expect(isCode(err, apierror.CodeInvalidStateTransition)).To(BeTrue(), "got %v", err)

	exhausted := &registry.Store{
		ID: "store-tire0001", Name: "tired", Engine: registry.EngineMedusa,
		Status: lifecycle.StatusFailed, OwnerID: "owner-1",
		Namespace: "store-tire0001", HelmRelease: "store-tire0001",
		RetryCount: 3,
	}
	g.Expect(env.stores.Create(ctx, exhausted)).To(Succeed())
	_, err = env.orch.RetryStore(ctx, exhausted.ID)
	g.Expect(isCode(err, apierror.CodeValidation)).To(BeTrue(), "got %v", err)
}

func TestRecoverStuckStores(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, seed := range []struct {
		id     string
		status lifecycle.Status
	}{
		{"store-stuck001", lifecycle.StatusRequested},
		{"store-stuck002", lifecycle.StatusProvisioning},
		{"store-stuck003", lifecycle.StatusDeleting},
		{"store-stuck004", lifecycle.StatusReady},
	} {
		g.Expect(env.stores.Create(ctx, &registry.Store{
			ID: seed.id, Name: "s-" + seed.id, Engine: registry.EngineMedusa,
			Status: seed.status, OwnerID: "owner-1",
			Namespace: seed.id, HelmRelease: seed.id,
		})).To(Succeed())
	}

	recovered, err := env.orch.RecoverStuckStores(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(recovered).To(Equal(3))

	for _, id := range []string{"store-stuck001", "store-stuck002"} {
		store, _ := env.stores.FindByID(ctx, id)
		g.Expect(store.Status).To(Equal(lifecycle.StatusFailed))
		g.Expect(store.FailureReason).NotTo(BeNil())
		g.Expect(*store.FailureReason).To(Equal("Backend restarted during provisioning. Safe to retry."))
	}

	// The interrupted deletion resumes and completes.
	g.Eventually(func(g Gomega) {
		g.Expect(env.storeStatus(g, "store-stuck003")).To(Equal(lifecycle.StatusDeleted))
	}, 3*time.Second, 10*time.Millisecond).Should(Succeed())

	untouched, _ := env.stores.FindByID(ctx, "store-stuck004")
	g.Expect(untouched.Status).To(Equal(lifecycle.StatusReady))

	// Gauges are seeded from the registry before recovery runs, so the
	// recovered transitions land on an accurate baseline.
	g.Expect(env.statusGauge(lifecycle.StatusFailed)).To(Equal(2.0))
	g.Expect(env.statusGauge(lifecycle.StatusReady)).To(Equal(1.0))
	g.Eventually(func(g Gomega) {
		g.Expect(env.statusGauge(lifecycle.StatusDeleted)).To(Equal(1.0))
		g.Expect(env.statusGauge(lifecycle.StatusDeleting)).To(BeZero())
	}, 3*time.Second, 10*time.Millisecond).Should(Succeed())
}

func TestNewDefaultsSetupForClusterAdapter(t *testing.T) {
	g := NewWithT(t)
	cfg := testConfig()
	cfg.BreakerFailureThreshold = 5
	cfg.BreakerResetTimeout = 30 * time.Second
	cfg.BreakerHalfOpenMax = 2
	adapter := kube.NewAdapterForClient(kubefake.NewSimpleClientset(), nil, cfg, logr.Discard())

	orch := New(Deps{
		Stores:    newMemRegistry(),
		Audit:     &memAudit{},
		Cluster:   adapter,
		Installer: newFakeInstaller(),
		Metrics:   metrics.New(),
		Config:    cfg,
		Log:       logr.Discard(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	g.Expect(orch.setupFor).NotTo(BeNil())
	setup, err := orch.setupFor(registry.EngineWooCommerce)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(setup).NotTo(BeNil())
}

func TestProvisioningWithoutSetupProcedure(t *testing.T) {
	g := NewWithT(t)
	stores := newMemRegistry()
	auditLog := &memAudit{}

	// fakeCluster is not a kube adapter, so no setup default applies.
	orch := New(Deps{
		Stores:    stores,
		Audit:     auditLog,
		Cluster:   newFakeCluster(),
		Installer: newFakeInstaller(),
		Metrics:   metrics.New(),
		Config:    testConfig(),
		Log:       logr.Discard(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	g.Expect(orch.setupFor).To(BeNil())

	store, err := orch.CreateStore(context.Background(), CreateRequest{
		Name: "my-shop", Engine: registry.EngineWooCommerce, OwnerID: "owner-1",
	})
	g.Expect(err).NotTo(HaveOccurred())

	g.Eventually(func(g Gomega) {
		found, err := stores.FindByID(context.Background(), store.ID)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(found).NotTo(BeNil())
		g.Expect(found.Status).To(Equal(lifecycle.StatusReady))
	}, 3*time.Second, 10*time.Millisecond).Should(Succeed())

	g.Expect(auditLog.types()).To(ContainElement(audit.EventWarning))
}

func TestGetStoreLogs(t *testing.T) {
	g := NewWithT(t)
	env := newTestEnv(t, nil)

	store, err := env.orch.CreateStore(context.Background(), CreateRequest{
		Name: "my-shop", Engine: registry.EngineMedusa, OwnerID: "owner-1",
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Eventually(func(g Gomega) {
		g.Expect(env.storeStatus(g, store.ID)).To(Equal(lifecycle.StatusReady))
	}, 3*time.Second, 10*time.Millisecond).Should(Succeed())

	events, total, err := env.orch.GetStoreLogs(context.Background(), store.ID, 50, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(total).To(BeNumerically(">=", 2))
	g.Expect(events).NotTo(BeEmpty())
}
