// Package engine drives post-install configuration inside a freshly deployed
// store pod. Each engine runs a sequence of idempotent steps over the pod
// exec channel; a failing step is recorded but never aborts the sequence,
// so a store stays usable even when setup partially fails.
package engine

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/kube"
	"github.com/storeplane/storeplane/pkg/registry"
)

//go:embed scripts
var scriptsFS embed.FS

// Credentials is the admin identity provisioned into the store.
type Credentials struct {
	Email    string
	Username string
	Password string
}

// SetupRequest carries everything a setup run needs.
type SetupRequest struct {
	StoreID     string
	Namespace   string
	StoreURL    string
	AdminURL    string
	Theme       registry.Theme
	Credentials Credentials
}

// StepResult records the outcome of one setup step.
type StepResult struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result summarizes a full setup run.
type Result struct {
	Engine    registry.Engine `json:"engine"`
	Steps     []StepResult    `json:"steps"`
	Completed int             `json:"completed"`
	Failed    int             `json:"failed"`
}

// Setup configures one engine variant inside its pod.
type Setup interface {
	Run(ctx context.Context, req SetupRequest) Result
}

// ForEngine returns the Setup implementation for the engine.
func ForEngine(eng registry.Engine, executor kube.PodExecutor, log logr.Logger) (Setup, error) {
	switch eng {
	case registry.EngineWooCommerce:
		return newWooCommerceSetup(executor, log), nil
	case registry.EngineMedusa:
		return newMedusaSetup(executor, log), nil
	default:
		return nil, apierror.Newf(apierror.CodeUnsupportedEngine, "unsupported engine %q", eng)
	}
}

// script loads an embedded setup script by path under scripts/.
func script(path string) string {
	data, err := scriptsFS.ReadFile("scripts/" + path)
	if err != nil {
		// Embedded assets are fixed at build time; a miss is a programmer error.
		panic(fmt.Sprintf("missing embedded script %s: %v", path, err))
	}
	return string(data)
}

// runStep executes fn under its own timeout and folds the outcome into the
// result. Step failures are non-fatal.
func runStep(ctx context.Context, result *Result, log logr.Logger, name string, timeout time.Duration, fn func(ctx context.Context) error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(stepCtx)
	step := StepResult{Name: name, OK: err == nil, Duration: time.Since(start)}
	if err != nil {
		step.Error = err.Error()
		result.Failed++
		log.Info("setup step failed, continuing", "step", name, "error", err.Error())
	} else {
		result.Completed++
		log.V(1).Info("setup step complete", "step", name, "duration", step.Duration.Round(time.Millisecond))
	}
	result.Steps = append(result.Steps, step)
}
