package engine

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/storeplane/storeplane/pkg/kube"
	"github.com/storeplane/storeplane/pkg/registry"
)

// wooPodSelector matches the WordPress deployment the chart creates.
const wooPodSelector = "app.kubernetes.io/name=wordpress"

// wooCommercePluginVersion is pinned so repeated installs are reproducible.
const wooCommercePluginVersion = "9.3.3"

type wooCommerceSetup struct {
	executor kube.PodExecutor
	log      logr.Logger
}

func newWooCommerceSetup(executor kube.PodExecutor, log logr.Logger) *wooCommerceSetup {
	return &wooCommerceSetup{executor: executor, log: log.WithName("woocommerce")}
}

// wooStep pairs an embedded script with its timeout and arguments. Scripts
// receive positional args on stdin-fed `sh -s`.
type wooStep struct {
	name    string
	script  string
	timeout time.Duration
	args    func(req SetupRequest) []string
}

func wooSteps() []wooStep {
	return []wooStep{
		{
			name:    "install_cli",
			script:  "woocommerce/install-cli.sh",
			timeout: 60 * time.Second,
		},
		{
			name:    "core_install",
			script:  "woocommerce/core-install.sh",
			timeout: 120 * time.Second,
			args: func(req SetupRequest) []string {
				return []string{req.StoreURL, req.StoreID, req.Credentials.Username, req.Credentials.Password, req.Credentials.Email}
			},
		},
		{
			name:    "install_woocommerce",
			script:  "woocommerce/install-plugin.sh",
			timeout: 180 * time.Second,
			args: func(SetupRequest) []string {
				return []string{wooCommercePluginVersion}
			},
		},
		{
			name:    "install_theme",
			script:  "woocommerce/install-theme.sh",
			timeout: 120 * time.Second,
			args: func(req SetupRequest) []string {
				theme := registry.ThemeStorefront
				if req.Theme.IsValid() {
					theme = req.Theme
				}
				return []string{string(theme)}
			},
		},
		{
			name:    "create_pages",
			script:  "woocommerce/create-pages.sh",
			timeout: 60 * time.Second,
		},
		{
			name:    "configure_options",
			script:  "woocommerce/configure-options.sh",
			timeout: 30 * time.Second,
			args: func(req SetupRequest) []string {
				return []string{req.StoreID}
			},
		},
		{
			name:    "enable_cod_gateway",
			script:  "woocommerce/enable-cod.sh",
			timeout: 15 * time.Second,
		},
		{
			name:    "seed_products",
			script:  "woocommerce/seed-products.sh",
			timeout: 180 * time.Second,
		},
		{
			name:    "flush_and_verify",
			script:  "woocommerce/flush-verify.sh",
			timeout: 30 * time.Second,
		},
	}
}

func (s *wooCommerceSetup) Run(ctx context.Context, req SetupRequest) Result {
	result := Result{Engine: registry.EngineWooCommerce}
	log := s.log.WithValues("store", req.StoreID)

	podCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	pod, err := s.executor.FindPodBySelector(podCtx, req.Namespace, wooPodSelector)
	cancel()
	if err != nil {
		result.Steps = append(result.Steps, StepResult{Name: "locate_pod", Error: err.Error()})
		result.Failed++
		return result
	}

	for _, step := range wooSteps() {
		step := step
		runStep(ctx, &result, log, step.name, step.timeout, func(ctx context.Context) error {
			command := []string{"/bin/sh", "-s", "--"}
			if step.args != nil {
				command = append(command, step.args(req)...)
			}
			_, err := s.executor.ExecInPod(ctx, req.Namespace, pod, "", command, script(step.script))
			return err
		})
	}
	return result
}
