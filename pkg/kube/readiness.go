package kube

import (
	"context"
	"errors"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/storeplane/storeplane/pkg/apierror"
)

// PodState summarizes one pod for readiness reporting.
type PodState struct {
	Name  string `json:"name"`
	Phase string `json:"phase"`
	Ready bool   `json:"ready"`
}

// PodsReadiness is the result of CheckPodsReady.
type PodsReadiness struct {
	Ready      bool       `json:"ready"`
	Total      int        `json:"total"`
	ReadyCount int        `json:"readyCount"`
	Pods       []PodState `json:"pods"`
}

// CheckPodsReady reports whether every relevant pod in the namespace is
// Ready. Pods that already ran to completion (Succeeded or Failed) are
// excluded from the denominator; readiness requires at least one relevant
// pod.
func (a *Adapter) CheckPodsReady(ctx context.Context, namespace string) (PodsReadiness, error) {
	pods, err := a.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return PodsReadiness{}, wrapClusterError(err, "listing pods in %s", namespace)
	}

	var out PodsReadiness
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
			continue
		}
		ready := isPodReady(&pod)
		out.Total++
		if ready {
			out.ReadyCount++
		}
		out.Pods = append(out.Pods, PodState{Name: pod.Name, Phase: string(pod.Status.Phase), Ready: ready})
	}
	out.Ready = out.Total > 0 && out.ReadyCount == out.Total
	return out, nil
}

func isPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// CheckJobsComplete reports whether every job in the namespace has run to
// completion. Namespaces without jobs are complete.
func (a *Adapter) CheckJobsComplete(ctx context.Context, namespace string) (bool, error) {
	jobs, err := a.client.BatchV1().Jobs(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return false, wrapClusterError(err, "listing jobs in %s", namespace)
	}
	for _, job := range jobs.Items {
		completions := int32(1)
		if job.Spec.Completions != nil {
			completions = *job.Spec.Completions
		}
		if job.Status.Succeeded < completions {
			return false, nil
		}
	}
	return true, nil
}

// hasFailedWorkload reports whether any pod or job in the namespace has
// terminally failed, which makes further waiting pointless.
func (a *Adapter) hasFailedWorkload(ctx context.Context, namespace string) (bool, string) {
	pods, err := a.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err == nil {
		for _, pod := range pods.Items {
			if pod.Status.Phase == corev1.PodFailed {
				return true, "pod " + pod.Name + " failed"
			}
		}
	}
	jobs, err := a.client.BatchV1().Jobs(namespace).List(ctx, metav1.ListOptions{})
	if err == nil {
		for _, job := range jobs.Items {
			for _, cond := range job.Status.Conditions {
				if cond.Type == "Failed" && cond.Status == corev1.ConditionTrue {
					return true, "job " + job.Name + " failed"
				}
			}
		}
	}
	return false, ""
}

// PollOptions tunes PollForReadiness.
type PollOptions struct {
	Timeout  time.Duration
	Interval time.Duration
	// OnProgress, when set, is invoked after every poll with the latest
	// readiness snapshot.
	OnProgress func(PodsReadiness)
}

// PollResult is the outcome of PollForReadiness.
type PollResult struct {
	Ready    bool
	TimedOut bool
	Duration time.Duration
	Err      error
}

// PollForReadiness polls until all pods are ready and all jobs are complete,
// the namespace contains a terminally failed workload, or the timeout
// expires.
func (a *Adapter) PollForReadiness(ctx context.Context, namespace string, opts PollOptions) PollResult {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}

	start := time.Now()
	var failedReason string
	err := wait.PollUntilContextTimeout(ctx, opts.Interval, opts.Timeout, true, func(ctx context.Context) (bool, error) {
		if failed, reason := a.hasFailedWorkload(ctx, namespace); failed {
			failedReason = reason
			// Stop polling; the failure short-circuits to not-ready.
			return false, errWorkloadFailed
		}

		readiness, err := a.CheckPodsReady(ctx, namespace)
		if err != nil {
			a.log.V(1).Info("readiness poll failed, will retry", "namespace", namespace, "error", err.Error())
			return false, nil
		}
		if opts.OnProgress != nil {
			opts.OnProgress(readiness)
		}
		if !readiness.Ready {
			return false, nil
		}

		complete, err := a.CheckJobsComplete(ctx, namespace)
		if err != nil {
			return false, nil
		}
		return complete, nil
	})

	result := PollResult{Duration: time.Since(start)}
	switch {
	case err == nil:
		result.Ready = true
	case failedReason != "":
		result.Err = apierror.Newf(apierror.CodeKubernetesError, "workload failed in %s: %s", namespace, failedReason)
	case wait.Interrupted(err):
		result.TimedOut = true
	default:
		result.Err = err
	}
	return result
}

// errWorkloadFailed aborts the poll loop when a workload terminally failed.
var errWorkloadFailed = errors.New("workload failed")
