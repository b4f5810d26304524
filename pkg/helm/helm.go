// Package helm shells out to the helm CLI for chart installs, grouping the
// operations the orchestrator needs: install (upgrade-or-install), uninstall,
// status, rollback and list.
package helm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/config"
)

// hardTimeout caps the helm subprocess above helm's own --timeout so a hung
// installer cannot wedge a provisioning worker.
const hardTimeout = 720 * time.Second

// maxOutputBytes bounds captured subprocess output.
const maxOutputBytes = 10 * 1024 * 1024

// Release is the subset of helm release info callers consume.
type Release struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Status    string `json:"status"`
	Revision  int    `json:"revision,omitempty"`
	Chart     string `json:"chart,omitempty"`
	Updated   string `json:"updated,omitempty"`
}

// InstallRequest describes one chart install.
type InstallRequest struct {
	ReleaseName string
	Namespace   string
	Engine      string
	SetValues   map[string]string
	ValuesFile  string
}

// Installer drives the helm binary.
type Installer struct {
	bin         string
	chartPath   string
	kubeconfig  string
	kubeContext string
	timeout     time.Duration
	log         logr.Logger

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, args []string) (string, string, error)
}

// NewInstaller builds an Installer from configuration.
func NewInstaller(cfg *config.Config, log logr.Logger) *Installer {
	i := &Installer{
		bin:         cfg.HelmBin,
		chartPath:   cfg.HelmChart,
		kubeconfig:  cfg.Kubeconfig,
		kubeContext: cfg.KubeContext,
		timeout:     cfg.HelmTimeout,
		log:         log.WithName("helm"),
	}
	i.runCommand = i.exec
	return i
}

func (i *Installer) exec(ctx context.Context, args []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, i.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = newLimitWriter(&stdout, maxOutputBytes)
	cmd.Stderr = newLimitWriter(&stderr, maxOutputBytes)
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// globalArgs returns flags appended to every invocation.
func (i *Installer) globalArgs() []string {
	var args []string
	if i.kubeconfig != "" {
		args = append(args, "--kubeconfig", i.kubeconfig)
	}
	if i.kubeContext != "" {
		args = append(args, "--kube-context", i.kubeContext)
	}
	return args
}

// Install runs `helm upgrade --install`, which is idempotent on the release
// identity. It blocks until helm reports readiness or times out; the
// subprocess itself is capped at 720 s above helm's own --timeout.
func (i *Installer) Install(ctx context.Context, req InstallRequest) (*Release, error) {
	if req.ReleaseName == "" || req.Namespace == "" {
		return nil, apierror.New(apierror.CodeValidation, "release name and namespace are required")
	}

	args := []string{
		"upgrade", "--install", req.ReleaseName, i.chartPath,
		"--namespace", req.Namespace,
		"--create-namespace",
		"--wait",
		"--timeout", fmtTimeout(i.timeout),
		"--output", "json",
	}
	if req.ValuesFile != "" {
		args = append(args, "--values", req.ValuesFile)
	}
	for _, kv := range sortedSetArgs(req.SetValues) {
		args = append(args, "--set", kv)
	}
	args = append(args, i.globalArgs()...)

	ctx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	i.log.Info("installing chart", "release", req.ReleaseName, "namespace", req.Namespace,
		"engine", req.Engine, "args", redactArgs(args))

	start := time.Now()
	stdout, stderr, err := i.runCommand(ctx, args)
	if err != nil {
		return nil, classify(err, stderr, "helm install of %s failed", req.ReleaseName)
	}
	i.log.Info("chart installed", "release", req.ReleaseName, "duration", time.Since(start).Round(time.Millisecond))

	release := parseRelease(stdout)
	if release == nil {
		release = &Release{Name: req.ReleaseName, Namespace: req.Namespace, Status: "deployed"}
	}
	return release, nil
}

// Uninstall removes the release. A missing release returns (false, nil);
// success returns (true, nil).
func (i *Installer) Uninstall(ctx context.Context, releaseName, namespace string) (bool, error) {
	args := append([]string{
		"uninstall", releaseName,
		"--namespace", namespace,
		"--wait",
		"--timeout", fmtTimeout(i.timeout),
	}, i.globalArgs()...)

	ctx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	_, stderr, err := i.runCommand(ctx, args)
	if err != nil {
		if isNotFound(stderr) {
			i.log.V(1).Info("release already absent", "release", releaseName)
			return false, nil
		}
		return false, classify(err, stderr, "helm uninstall of %s failed", releaseName)
	}
	return true, nil
}

// Status returns release info, or nil when the release does not exist.
func (i *Installer) Status(ctx context.Context, releaseName, namespace string) (*Release, error) {
	args := append([]string{
		"status", releaseName,
		"--namespace", namespace,
		"--output", "json",
	}, i.globalArgs()...)

	stdout, stderr, err := i.runCommand(ctx, args)
	if err != nil {
		if isNotFound(stderr) {
			return nil, nil
		}
		return nil, classify(err, stderr, "helm status of %s failed", releaseName)
	}
	return parseRelease(stdout), nil
}

// Rollback reverts the release to the previous revision.
func (i *Installer) Rollback(ctx context.Context, releaseName, namespace string) error {
	args := append([]string{
		"rollback", releaseName,
		"--namespace", namespace,
		"--wait",
		"--timeout", fmtTimeout(i.timeout),
	}, i.globalArgs()...)

	ctx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	_, stderr, err := i.runCommand(ctx, args)
	if err != nil {
		return classify(err, stderr, "helm rollback of %s failed", releaseName)
	}
	return nil
}

// List enumerates releases in the namespace.
func (i *Installer) List(ctx context.Context, namespace string) ([]Release, error) {
	args := append([]string{
		"list",
		"--namespace", namespace,
		"--output", "json",
	}, i.globalArgs()...)

	stdout, stderr, err := i.runCommand(ctx, args)
	if err != nil {
		return nil, classify(err, stderr, "helm list in %s failed", namespace)
	}
	var releases []Release
	if err := json.Unmarshal([]byte(stdout), &releases); err != nil {
		return nil, apierror.Wrap(apierror.CodeHelmError, "parsing helm list output", err)
	}
	return releases, nil
}

// retryableFragments are substrings of helm/kubectl errors that indicate a
// transient condition worth retrying.
var retryableFragments = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"tls handshake",
	"too many requests",
	"temporarily unavailable",
	"etcdserver: request timed out",
	"i/o timeout",
	"eof",
}

// IsRetryable classifies an install error by its message text.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := apierror.As(err); ok && apiErr.Retryable {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func classify(err error, stderr, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	detail := strings.TrimSpace(stderr)
	if detail != "" {
		msg = msg + ": " + firstLine(detail)
	}
	apiErr := apierror.Wrap(apierror.CodeHelmError, msg, err)
	combined := strings.ToLower(detail + " " + err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(combined, fragment) {
			return apiErr.WithRetryable(true)
		}
	}
	return apiErr
}

func isNotFound(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "not found")
}

// sortedSetArgs renders --set key=value pairs deterministically.
func sortedSetArgs(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+values[k])
	}
	return out
}

// redactArgs masks --set values whose key mentions password or secret before
// they reach a log line.
func redactArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for idx := 0; idx < len(out); idx++ {
		if out[idx] != "--set" || idx+1 >= len(out) {
			continue
		}
		kv := out[idx+1]
		eq := strings.Index(kv, "=")
		if eq < 0 {
			continue
		}
		key := strings.ToLower(kv[:eq])
		if strings.Contains(key, "password") || strings.Contains(key, "secret") {
			out[idx+1] = kv[:eq] + "=***"
		}
	}
	return out
}

func parseRelease(stdout string) *Release {
	stdout = strings.TrimSpace(stdout)
	if stdout == "" {
		return nil
	}
	var raw struct {
		Name      string `json:"name"`
		Namespace string `json:"namespace"`
		Version   int    `json:"version"`
		Info      struct {
			Status       string `json:"status"`
			LastDeployed string `json:"last_deployed"`
		} `json:"info"`
		Chart struct {
			Metadata struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"metadata"`
		} `json:"chart"`
	}
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil || raw.Name == "" {
		return nil
	}
	release := &Release{
		Name:      raw.Name,
		Namespace: raw.Namespace,
		Status:    raw.Info.Status,
		Revision:  raw.Version,
		Updated:   raw.Info.LastDeployed,
	}
	if raw.Chart.Metadata.Name != "" {
		release.Chart = raw.Chart.Metadata.Name + "-" + raw.Chart.Metadata.Version
	}
	return release
}

func fmtTimeout(d time.Duration) string {
	return fmt.Sprintf("%ds", int(d.Seconds()))
}

// limitWriter forwards writes to buf until limit bytes have been kept, then
// silently discards the rest.
type limitWriter struct {
	buf   *bytes.Buffer
	limit int
}

func newLimitWriter(buf *bytes.Buffer, limit int) *limitWriter {
	return &limitWriter{buf: buf, limit: limit}
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
