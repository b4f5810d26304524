package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/audit"
	"github.com/storeplane/storeplane/pkg/engine"
	"github.com/storeplane/storeplane/pkg/helm"
	"github.com/storeplane/storeplane/pkg/kube"
	"github.com/storeplane/storeplane/pkg/lifecycle"
	"github.com/storeplane/storeplane/pkg/naming"
	"github.com/storeplane/storeplane/pkg/registry"
	"github.com/storeplane/storeplane/pkg/retry"
)

// rejectionReason maps a permit error to the rejections counter label.
func rejectionReason(err error) string {
	switch apierror.CodeOf(err) {
	case apierror.CodeQueueFull:
		return "queue_full"
	case apierror.CodeQueueTimeout:
		return "queue_timeout"
	default:
		return "other"
	}
}

// provisionStore is the async provisioning worker. One runs per store at a
// time; every fatal error lands the store in FAILED with a reason.
func (o *Orchestrator) provisionStore(ctx context.Context, storeID, adminPassword string) {
	if !o.beginOperation(storeID) {
		o.log.Info("provisioning already in progress, skipping", "store", storeID)
		return
	}
	defer o.endOperation(storeID)

	log := o.log.WithValues("store", storeID)
	requested := lifecycle.StatusRequested

	permit, err := o.pool.Acquire(ctx)
	if err != nil {
		reason := rejectionReason(err)
		o.metrics.Rejections.WithLabelValues(reason).Inc()
		log.Error(err, "permit rejected", "reason", reason)
		o.failStore(ctx, storeID, &requested, err)
		return
	}
	o.metrics.QueueWait.Observe(float64(permit.Wait.Milliseconds()))
	o.metrics.ConcurrentOperations.Inc()
	defer func() {
		permit.Release()
		o.metrics.ConcurrentOperations.Dec()
		o.syncPoolGauges()
	}()
	o.syncPoolGauges()

	provisioning := lifecycle.StatusProvisioning
	now := time.Now()
	store, err := o.stores.UpdateStore(ctx, storeID, registry.Update{
		Status:                &provisioning,
		ProvisioningStartedAt: &now,
		ClearFailureReason:    true,
	}, &requested)
	if err != nil {
		log.Error(err, "transition to provisioning failed")
		return
	}
	if store == nil {
		log.Info("lost provisioning race, aborting", "expected", requested)
		return
	}
	o.trackStatus(requested, provisioning)
	o.recordStatusChange(ctx, storeID, requested, provisioning, "provisioning started", nil)

	start := time.Now()
	if err := o.runProvisioning(ctx, store, adminPassword, start); err != nil {
		o.failStore(ctx, storeID, &provisioning, err)
		return
	}
	o.metrics.ProvisioningDuration.WithLabelValues(string(store.Engine)).Observe(float64(time.Since(start).Milliseconds()))
	o.trackStatus(provisioning, lifecycle.StatusReady)
}

// storeCredentials is the full secret material for one store.
type storeCredentials struct {
	AdminEmail    string
	AdminUsername string
	AdminPassword string
	DBPassword    string
	// Engine-specific extras.
	DBRootPassword string // woocommerce
	JWTSecret      string // medusa
	CookieSecret   string // medusa
}

// generateCredentials builds the credential set, preferring the tenant's
// email and any caller-supplied admin password.
func (o *Orchestrator) generateCredentials(ctx context.Context, store *registry.Store, adminPassword string) storeCredentials {
	creds := storeCredentials{
		AdminUsername: "admin",
		AdminPassword: adminPassword,
		DBPassword:    randomSecret(16),
	}
	if creds.AdminPassword == "" {
		creds.AdminPassword = randomSecret(12)
	}

	if o.ownerEmail != nil {
		if email, err := o.ownerEmail(ctx, store.OwnerID); err == nil && email != "" {
			creds.AdminEmail = email
		}
	}
	switch store.Engine {
	case registry.EngineWooCommerce:
		if creds.AdminEmail == "" {
			creds.AdminEmail = "admin@example.com"
		}
		creds.DBRootPassword = randomSecret(16)
	case registry.EngineMedusa:
		if creds.AdminEmail == "" {
			creds.AdminEmail = "admin@medusa.local"
		}
		creds.JWTSecret = randomSecret(24)
		creds.CookieSecret = randomSecret(24)
	}
	return creds
}

// setValues renders the chart values for the engine.
func (o *Orchestrator) setValues(store *registry.Store, creds storeCredentials, storeURL string) map[string]string {
	values := map[string]string{
		"ingress.hostname": store.ID + o.cfg.StoreDomainSuffix,
	}
	switch store.Engine {
	case registry.EngineWooCommerce:
		values["engine"] = "woocommerce"
		values["wordpress.wordpressUsername"] = creds.AdminUsername
		values["wordpress.wordpressPassword"] = creds.AdminPassword
		values["wordpress.wordpressEmail"] = creds.AdminEmail
		values["wordpress.wordpressBlogName"] = store.Name
		values["mariadb.auth.password"] = creds.DBPassword
		values["mariadb.auth.rootPassword"] = creds.DBRootPassword
		theme := registry.ThemeStorefront
		if store.Theme != nil {
			theme = *store.Theme
		}
		values["wordpress.theme"] = string(theme)
	case registry.EngineMedusa:
		values["engine"] = "medusa"
		values["medusa.adminEmail"] = creds.AdminEmail
		values["medusa.adminPassword"] = creds.AdminPassword
		values["medusa.jwtSecret"] = creds.JWTSecret
		values["medusa.cookieSecret"] = creds.CookieSecret
		values["postgresql.auth.password"] = creds.DBPassword
		values["medusa.backendUrl"] = storeURL
	}
	return values
}

// runProvisioning executes the step sequence against a store already in
// PROVISIONING. Returning an error marks the store FAILED.
func (o *Orchestrator) runProvisioning(ctx context.Context, store *registry.Store, adminPassword string, start time.Time) error {
	log := o.log.WithValues("store", store.ID, "engine", store.Engine)
	eng := string(store.Engine)

	// namespace_create
	err := o.step(eng, "namespace_create", func() error {
		return retry.Do(ctx, retry.Options{
			MaxRetries: 2,
			BaseDelay:  o.cfg.ProvisioningBaseDelay,
		}, func(ctx context.Context) error {
			_, err := o.cluster.CreateNamespace(ctx, store.Namespace, map[string]string{
				"app.kubernetes.io/managed-by": "storeplane",
				"storeplane.io/engine":         eng,
				"storeplane.io/store":          store.Name,
			})
			return err
		})
	})
	if err != nil {
		return err
	}

	creds := o.generateCredentials(ctx, store, adminPassword)
	storeURL := naming.BuildStoreURL(o.cfg.StoreURLScheme, store.ID, o.cfg.StoreDomainSuffix, o.cfg.StoreURLPort)
	values := o.setValues(store, creds, storeURL)

	// duplicate release guard
	err = o.step(eng, "release_guard", func() error {
		release, err := o.installer.Status(ctx, store.HelmRelease, store.Namespace)
		if err != nil {
			return err
		}
		if release == nil {
			return nil
		}
		if release.Status == "deployed" {
			log.Info("release already deployed, skipping install")
			return nil
		}
		log.Info("stale release found, uninstalling before reinstall", "status", release.Status)
		_, err = o.installer.Uninstall(ctx, store.HelmRelease, store.Namespace)
		return err
	})
	if err != nil {
		return err
	}

	// helm_install (skipped when the guard saw a healthy release)
	err = o.step(eng, "helm_install", func() error {
		release, err := o.installer.Status(ctx, store.HelmRelease, store.Namespace)
		if err == nil && release != nil && release.Status == "deployed" {
			return nil
		}
		installErr := retry.Do(ctx, retry.Options{
			MaxRetries:  1,
			BaseDelay:   o.cfg.ProvisioningBaseDelay,
			ShouldRetry: func(err error, _ int) bool { return helm.IsRetryable(err) },
		}, func(ctx context.Context) error {
			_, err := o.installer.Install(ctx, helm.InstallRequest{
				ReleaseName: store.HelmRelease,
				Namespace:   store.Namespace,
				Engine:      eng,
				SetValues:   values,
			})
			return err
		})
		if installErr == nil {
			o.audit.Record(ctx, audit.Entry{
				StoreID:   store.ID,
				EventType: audit.EventHelmInstall,
				Message:   "chart installed",
				Metadata:  map[string]any{"release": store.HelmRelease},
			})
		}
		return installErr
	})
	if err != nil {
		return err
	}

	// pod_readiness: the installer already waited, so one quick check first.
	err = o.step(eng, "pod_readiness", func() error {
		readiness, checkErr := o.cluster.CheckPodsReady(ctx, store.Namespace)
		if checkErr == nil && readiness.Ready {
			return nil
		}
		result := o.cluster.PollForReadiness(ctx, store.Namespace, kube.PollOptions{
			Timeout:  30 * time.Second,
			Interval: o.cfg.ProvisioningPollInterval,
		})
		if result.Ready {
			return nil
		}
		if result.Err != nil {
			return result.Err
		}
		return apierror.New(apierror.CodeProvisioningError, "pods never became ready").
			WithRetryable(result.TimedOut)
	})
	if err != nil {
		return err
	}

	// resource_boundaries: warn-only.
	_ = o.step(eng, "resource_boundaries", func() error {
		boundaries, err := o.cluster.VerifyResourceBoundaries(ctx, store.Namespace)
		if err != nil {
			log.Info("resource boundary check failed", "error", err.Error())
			return nil
		}
		if !boundaries.QuotaEnforced || !boundaries.LimitRangeEnforced {
			log.Info("resource boundaries incomplete",
				"quota", boundaries.QuotaEnforced, "limitRange", boundaries.LimitRangeEnforced)
			o.audit.Record(ctx, audit.Entry{
				StoreID:   store.ID,
				EventType: audit.EventWarning,
				Message:   "namespace resource boundaries incomplete",
				Metadata: map[string]any{
					"quotaEnforced":      boundaries.QuotaEnforced,
					"limitRangeEnforced": boundaries.LimitRangeEnforced,
				},
			})
		}
		return nil
	})

	adminURL := storeURL + store.Engine.AdminURLSuffix()

	// engine_setup: failures are audit warnings, never fatal.
	_ = o.step(eng, "engine_setup", func() error {
		if o.setupFor == nil {
			o.recordSetupWarning(ctx, store.ID, "no setup procedure configured")
			return nil
		}
		setup, setupErr := o.setupFor(store.Engine)
		if setupErr != nil {
			o.recordSetupWarning(ctx, store.ID, setupErr.Error())
			return nil
		}
		result := setup.Run(ctx, engine.SetupRequest{
			StoreID:   store.ID,
			Namespace: store.Namespace,
			StoreURL:  storeURL,
			AdminURL:  adminURL,
			Theme:     themeOrDefault(store.Theme),
			Credentials: engine.Credentials{
				Email:    creds.AdminEmail,
				Username: creds.AdminUsername,
				Password: creds.AdminPassword,
			},
		})
		if result.Failed > 0 {
			o.recordSetupWarning(ctx, store.ID,
				fmt.Sprintf("%d of %d setup steps failed", result.Failed, len(result.Steps)))
		}
		return nil
	})

	// finalize
	return o.step(eng, "finalize", func() error {
		ready := lifecycle.StatusReady
		provisioning := lifecycle.StatusProvisioning
		completed := time.Now()
		duration := completed.Sub(start).Milliseconds()
		updated, err := o.stores.UpdateStore(ctx, store.ID, registry.Update{
			Status:                  &ready,
			StorefrontURL:           &storeURL,
			AdminURL:                &adminURL,
			AdminEmail:              &creds.AdminEmail,
			AdminUsername:           &creds.AdminUsername,
			AdminPassword:           &creds.AdminPassword,
			ProvisioningCompletedAt: &completed,
			ProvisioningDurationMS:  &duration,
		}, &provisioning)
		if err != nil {
			return err
		}
		if updated == nil {
			return apierror.New(apierror.CodeConflict, "store left provisioning state during workflow")
		}
		o.recordStatusChange(ctx, store.ID, provisioning, ready, "store ready",
			map[string]any{"durationMs": duration, "storefrontUrl": storeURL})
		if o.hosts != nil {
			o.hosts.AddEntry(store.ID + o.cfg.StoreDomainSuffix)
		}
		log.Info("store ready", "durationMs", duration)
		return nil
	})
}

func themeOrDefault(t *registry.Theme) registry.Theme {
	if t != nil {
		return *t
	}
	return ""
}

// step times fn into the per-step histogram and failure counter.
func (o *Orchestrator) step(eng, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	o.metrics.StepDuration.WithLabelValues(eng, name).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		o.metrics.StepFailures.WithLabelValues(eng, name).Inc()
		return apierror.Wrap(apierror.CodeProvisioningError, name+" failed", err)
	}
	return nil
}

// failStore lands the store in FAILED with the error message as reason.
func (o *Orchestrator) failStore(ctx context.Context, storeID string, from *lifecycle.Status, cause error) {
	failed := lifecycle.StatusFailed
	reason := cause.Error()
	completed := time.Now()
	updated, err := o.stores.UpdateStore(ctx, storeID, registry.Update{
		Status:                  &failed,
		FailureReason:           &reason,
		ProvisioningCompletedAt: &completed,
	}, from)
	if err != nil || updated == nil {
		o.log.Info("could not mark store failed", "store", storeID, "error", fmt.Sprint(err))
		return
	}
	prev := lifecycle.Status("")
	if from != nil {
		prev = *from
	}
	o.trackStatus(prev, failed)
	o.audit.Record(ctx, audit.Entry{
		StoreID:        storeID,
		EventType:      audit.EventError,
		PreviousStatus: string(prev),
		NewStatus:      string(failed),
		Message:        reason,
	})
}

func (o *Orchestrator) recordStatusChange(ctx context.Context, storeID string, from, to lifecycle.Status, message string, metadata map[string]any) {
	o.audit.Record(ctx, audit.Entry{
		StoreID:        storeID,
		EventType:      audit.EventStatusChange,
		PreviousStatus: string(from),
		NewStatus:      string(to),
		Message:        message,
		Metadata:       metadata,
	})
}

func (o *Orchestrator) recordSetupWarning(ctx context.Context, storeID, message string) {
	o.audit.Record(ctx, audit.Entry{
		StoreID:   storeID,
		EventType: audit.EventWarning,
		Message:   "engine setup: " + message,
	})
}

// trackStatus moves one store between the per-status gauge buckets so the
// series reports current counts, not cumulative transitions.
func (o *Orchestrator) trackStatus(from, to lifecycle.Status) {
	if from != "" {
		o.metrics.StoresTotal.WithLabelValues(string(from)).Dec()
	}
	if to != "" {
		o.metrics.StoresTotal.WithLabelValues(string(to)).Inc()
	}
}

func (o *Orchestrator) syncPoolGauges() {
	stats := o.pool.Stats()
	o.metrics.QueueDepth.Set(float64(stats.Queued))
}

// randomSecret returns n random bytes base64url-encoded without padding.
func randomSecret(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
