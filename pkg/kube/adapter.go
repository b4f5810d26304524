// Package kube adapts the Kubernetes API for the orchestrator: namespace
// lifecycle, readiness polling, cleanup verification and pod exec. Mutating
// calls pass through the process-wide "cluster" circuit breaker.
package kube

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/breaker"
	"github.com/storeplane/storeplane/pkg/config"
)

// BreakerName is the registry name of the breaker guarding cluster calls.
const BreakerName = "cluster"

// Adapter wraps a Kubernetes clientset with the operations the orchestrator
// needs.
type Adapter struct {
	client     kubernetes.Interface
	restConfig *rest.Config
	breaker    *breaker.Breaker
	context    string
	log        logr.Logger
}

// NewAdapter builds an Adapter from kubeconfig settings.
func NewAdapter(cfg *config.Config, log logr.Logger) (*Adapter, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		loadingRules.ExplicitPath = cfg.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: cfg.KubeContext}
	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("constructing kubernetes client: %w", err)
	}

	return NewAdapterForClient(client, restConfig, cfg, log), nil
}

// NewAdapterForClient wires an Adapter around an existing clientset. Tests
// pass a fake clientset here.
func NewAdapterForClient(client kubernetes.Interface, restConfig *rest.Config, cfg *config.Config, log logr.Logger) *Adapter {
	return &Adapter{
		client:     client,
		restConfig: restConfig,
		context:    cfg.KubeContext,
		log:        log.WithName("kube"),
		breaker: breaker.Get(BreakerName, breaker.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			ResetTimeout:     cfg.BreakerResetTimeout,
			HalfOpenMax:      cfg.BreakerHalfOpenMax,
			IsFailure:        isBreakerFailure,
		}),
	}
}

// isBreakerFailure classifies cluster API errors for the breaker. Client-side
// 4xx responses mean the cluster is healthy and must not trip the circuit;
// 408, 425 and 429 are server pressure and do count.
func isBreakerFailure(err error) bool {
	status, ok := err.(apierrors.APIStatus)
	if !ok {
		return true
	}
	code := int(status.Status().Code)
	if code >= 400 && code < 500 {
		switch code {
		case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
			return true
		}
		return false
	}
	return true
}

// CreateNamespace creates the namespace, or fetches it when it already
// exists. Idempotent.
func (a *Adapter) CreateNamespace(ctx context.Context, name string, labels map[string]string) (*corev1.Namespace, error) {
	var ns *corev1.Namespace
	err := a.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		ns, err = a.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
		}, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			a.log.V(1).Info("namespace already exists, fetching", "namespace", name)
			ns, err = a.client.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
		}
		return err
	})
	if err != nil {
		return nil, wrapClusterError(err, "creating namespace %s", name)
	}
	return ns, nil
}

// DeleteNamespace removes the namespace. A missing namespace is success.
func (a *Adapter) DeleteNamespace(ctx context.Context, name string) error {
	err := a.breaker.Do(ctx, func(ctx context.Context) error {
		err := a.client.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return wrapClusterError(err, "deleting namespace %s", name)
	}
	return nil
}

// Health reports cluster connectivity.
type Health struct {
	Connected bool   `json:"connected"`
	Context   string `json:"context,omitempty"`
	Server    string `json:"server,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthCheck probes the API server with a lightweight version request.
func (a *Adapter) HealthCheck(ctx context.Context) Health {
	version, err := a.client.Discovery().ServerVersion()
	if err != nil {
		return Health{Connected: false, Context: a.context, Error: err.Error()}
	}
	return Health{Connected: true, Context: a.context, Server: version.GitVersion}
}

// CleanupState is the result of VerifyCleanup.
type CleanupState struct {
	Clean     bool     `json:"clean"`
	Remaining []string `json:"remaining,omitempty"`
}

// VerifyCleanup reports whether the namespace is gone or empty of user
// resources (pods, PVCs, non-default services).
func (a *Adapter) VerifyCleanup(ctx context.Context, namespace string) (CleanupState, error) {
	_, err := a.client.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return CleanupState{Clean: true}, nil
	}
	if err != nil {
		return CleanupState{}, wrapClusterError(err, "checking namespace %s", namespace)
	}

	var remaining []string
	pods, err := a.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return CleanupState{}, wrapClusterError(err, "listing pods in %s", namespace)
	}
	for _, pod := range pods.Items {
		remaining = append(remaining, "pod/"+pod.Name)
	}

	pvcs, err := a.client.CoreV1().PersistentVolumeClaims(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return CleanupState{}, wrapClusterError(err, "listing pvcs in %s", namespace)
	}
	for _, pvc := range pvcs.Items {
		remaining = append(remaining, "pvc/"+pvc.Name)
	}

	services, err := a.client.CoreV1().Services(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return CleanupState{}, wrapClusterError(err, "listing services in %s", namespace)
	}
	for _, svc := range services.Items {
		if svc.Name == "kubernetes" {
			continue
		}
		remaining = append(remaining, "service/"+svc.Name)
	}

	return CleanupState{Clean: len(remaining) == 0, Remaining: remaining}, nil
}

// ResourceBoundaries is the result of VerifyResourceBoundaries.
type ResourceBoundaries struct {
	QuotaEnforced      bool   `json:"quotaEnforced"`
	LimitRangeEnforced bool   `json:"limitRangeEnforced"`
	Quota              string `json:"quota,omitempty"`
	LimitRange         string `json:"limitRange,omitempty"`
}

// VerifyResourceBoundaries reports whether a ResourceQuota and a LimitRange
// are active in the namespace.
func (a *Adapter) VerifyResourceBoundaries(ctx context.Context, namespace string) (ResourceBoundaries, error) {
	var out ResourceBoundaries

	quotas, err := a.client.CoreV1().ResourceQuotas(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return out, wrapClusterError(err, "listing resource quotas in %s", namespace)
	}
	if len(quotas.Items) > 0 {
		out.QuotaEnforced = true
		out.Quota = quotas.Items[0].Name
	}

	limitRanges, err := a.client.CoreV1().LimitRanges(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return out, wrapClusterError(err, "listing limit ranges in %s", namespace)
	}
	if len(limitRanges.Items) > 0 {
		out.LimitRangeEnforced = true
		out.LimitRange = limitRanges.Items[0].Name
	}

	return out, nil
}

func wrapClusterError(err error, format string, args ...any) error {
	if apiErr, ok := apierror.As(err); ok {
		// Breaker rejections keep their own code.
		return apiErr
	}
	return apierror.Wrap(apierror.CodeKubernetesError, fmt.Sprintf(format, args...), err).
		WithRetryable(isBreakerFailure(err))
}
