package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/kube"
	"github.com/storeplane/storeplane/pkg/registry"
)

// medusaPodSelector matches the Medusa backend the chart deploys.
const medusaPodSelector = "app.kubernetes.io/name=medusa"

const (
	medusaHealthAttempts = 6
	medusaHealthInterval = 10 * time.Second
	medusaSeedPath       = "/tmp/storeplane-seed.js"
)

type medusaSetup struct {
	executor kube.PodExecutor
	log      logr.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func newMedusaSetup(executor kube.PodExecutor, log logr.Logger) *medusaSetup {
	return &medusaSetup{executor: executor, log: log.WithName("medusa"), sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *medusaSetup) Run(ctx context.Context, req SetupRequest) Result {
	result := Result{Engine: registry.EngineMedusa}
	log := s.log.WithValues("store", req.StoreID)

	podCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	pod, err := s.executor.FindPodBySelector(podCtx, req.Namespace, medusaPodSelector)
	cancel()
	if err != nil {
		result.Steps = append(result.Steps, StepResult{Name: "locate_pod", Error: err.Error()})
		result.Failed++
		return result
	}

	runStep(ctx, &result, log, "wait_for_health", medusaHealthAttempts*medusaHealthInterval+30*time.Second, func(ctx context.Context) error {
		return s.waitForHealth(ctx, req.Namespace, pod)
	})

	runStep(ctx, &result, log, "create_admin_user", 60*time.Second, func(ctx context.Context) error {
		// The medusa CLI refuses duplicate emails; tolerate exactly that and
		// surface every other failure.
		_, err := s.executor.ExecInPod(ctx, req.Namespace, pod, "",
			[]string{"/bin/sh", "-c", fmt.Sprintf(
				`cd /app/medusa 2>/dev/null || cd /app; out=$(npx medusa user -e %q -p %q 2>&1) && exit 0; `+
					`echo "$out" | grep -qi 'already exists' && exit 0; echo "$out" >&2; exit 1`,
				req.Credentials.Email, req.Credentials.Password)}, "")
		return err
	})

	// The admin API needs a moment to pick up the new user.
	if err := s.sleep(ctx, 5*time.Second); err != nil {
		result.Steps = append(result.Steps, StepResult{Name: "settle", Error: err.Error()})
		result.Failed++
		return result
	}

	runStep(ctx, &result, log, "write_seed_script", 30*time.Second, func(ctx context.Context) error {
		_, err := s.executor.ExecInPod(ctx, req.Namespace, pod, "",
			[]string{"/bin/sh", "-c", "cat > " + medusaSeedPath}, script("medusa/seed.js"))
		return err
	})

	runStep(ctx, &result, log, "run_seed_script", 180*time.Second, func(ctx context.Context) error {
		out, err := s.executor.ExecInPod(ctx, req.Namespace, pod, "",
			[]string{"/bin/sh", "-c", fmt.Sprintf(
				"cd /app/medusa 2>/dev/null || cd /app; ADMIN_EMAIL=%q ADMIN_PASSWORD=%q node %s",
				req.Credentials.Email, req.Credentials.Password, medusaSeedPath)}, "")
		if err != nil {
			return err
		}
		log.V(1).Info("seed script output", "stdout", out.Stdout)
		return nil
	})

	return result
}

// waitForHealth probes the in-pod health endpoint until it answers or the
// attempts run out.
func (s *medusaSetup) waitForHealth(ctx context.Context, namespace, pod string) error {
	var lastErr error
	for attempt := 0; attempt < medusaHealthAttempts; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, medusaHealthInterval); err != nil {
				return err
			}
		}
		_, err := s.executor.ExecInPod(ctx, namespace, pod, "",
			[]string{"/bin/sh", "-c", "curl -fsS -m 5 http://localhost:9000/health"}, "")
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return apierror.Wrap(apierror.CodeProvisioningError, "medusa health endpoint never became ready", lastErr)
}
