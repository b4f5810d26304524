package kube

import (
	"bytes"
	"context"
	"fmt"
	"io"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/storeplane/storeplane/pkg/apierror"
)

// maxExecOutputBytes caps stdout/stderr captured from a pod exec so a noisy
// container cannot exhaust memory.
const maxExecOutputBytes = 5 * 1024 * 1024

// ExecResult carries the captured streams of a pod exec.
type ExecResult struct {
	Stdout string
	Stderr string
}

// PodExecutor is the exec channel engine setup drives. Satisfied by *Adapter.
type PodExecutor interface {
	ExecInPod(ctx context.Context, namespace, pod, container string, command []string, stdin string) (ExecResult, error)
	FindPodBySelector(ctx context.Context, namespace, selector string) (string, error)
}

// ExecInPod runs command inside the given pod and container, optionally
// feeding stdin, and returns the byte-bounded output streams.
func (a *Adapter) ExecInPod(ctx context.Context, namespace, pod, container string, command []string, stdin string) (ExecResult, error) {
	req := a.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdin:     stdin != "",
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(a.restConfig, "POST", req.URL())
	if err != nil {
		return ExecResult{}, apierror.Wrap(apierror.CodeKubernetesError,
			fmt.Sprintf("constructing exec for pod %s/%s", namespace, pod), err)
	}

	stdout := newBoundedBuffer(maxExecOutputBytes)
	stderr := newBoundedBuffer(maxExecOutputBytes)
	streamOpts := remotecommand.StreamOptions{Stdout: stdout, Stderr: stderr}
	if stdin != "" {
		streamOpts.Stdin = bytes.NewBufferString(stdin)
	}

	err = executor.StreamWithContext(ctx, streamOpts)
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		return result, apierror.Wrap(apierror.CodeKubernetesError,
			fmt.Sprintf("exec in pod %s/%s failed", namespace, pod), err).
			WithMetadata("stderr", truncate(result.Stderr, 2048))
	}
	return result, nil
}

// FindPodBySelector returns the name of the first running (or pending) pod
// matching the label selector.
func (a *Adapter) FindPodBySelector(ctx context.Context, namespace, selector string) (string, error) {
	pods, err := a.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return "", wrapClusterError(err, "listing pods in %s with selector %s", namespace, selector)
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning {
			return pod.Name, nil
		}
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodPending {
			return pod.Name, nil
		}
	}
	return "", apierror.Newf(apierror.CodeKubernetesError,
		"no pod found in %s matching %q", namespace, selector)
}

// boundedBuffer discards writes past its limit instead of growing without
// bound.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		// Report the write as accepted so the stream keeps draining.
		return len(p), nil
	}
	if len(p) > remaining {
		if _, err := b.buf.Write(p[:remaining]); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string { return b.buf.String() }

var _ io.Writer = (*boundedBuffer)(nil)

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
