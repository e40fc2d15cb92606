package kube

import (
	"context"
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
	"github.com/bayleafwalker/foundry/internal/deploy"
)

const defaultPodPollInterval = 2 * time.Second

// Pods waits on and runs pods. Reads go through Reader, which should not be
// cache-backed, so freshly created pods are seen.
type Pods struct {
	Client       client.Client
	Reader       client.Reader
	Scheme       *runtime.Scheme
	PollInterval time.Duration
}

func (p Pods) reader() client.Reader {
	if p.Reader != nil {
		return p.Reader
	}
	return p.Client
}

func (p Pods) interval() time.Duration {
	if p.PollInterval > 0 {
		return p.PollInterval
	}
	return defaultPodPollInterval
}

// WaitForReady polls until a pod labelled key=value is ready or one of
// them has failed. The most recently seen candidate is returned on timeout.
func (p Pods) WaitForReady(ctx context.Context, namespace, key, value string, timeout time.Duration) (*corev1.Pod, error) {
	logger := log.FromContext(ctx).WithValues("selector", key+"="+value)
	var (
		candidate *corev1.Pod
		failure   error
	)
	err := wait.PollUntilContextTimeout(ctx, p.interval(), timeout, true, func(ctx context.Context) (bool, error) {
		var pods corev1.PodList
		if err := p.reader().List(ctx, &pods, client.InNamespace(namespace), client.MatchingLabels{key: value}); err != nil {
			logger.V(1).Info("listing pods failed; retrying", "error", err.Error())
			return false, nil
		}
		sort.Slice(pods.Items, func(i, j int) bool { return pods.Items[i].Name < pods.Items[j].Name })
		for i := range pods.Items {
			pod := &pods.Items[i]
			if pod.DeletionTimestamp != nil {
				continue
			}
			candidate = pod.DeepCopy()
			if err := deploy.TerminationFailure(pod); err != nil {
				failure = err
				return true, nil
			}
			if deploy.PodReady(pod) {
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		if wait.Interrupted(err) {
			return candidate, fmt.Errorf("no pod labelled %s=%s became ready within %s", key, value, timeout)
		}
		return candidate, err
	}
	return candidate, failure
}

// RunToCompletion deletes any earlier pod of the same name, creates pod and
// waits until it succeeds or fails.
func (p Pods) RunToCompletion(ctx context.Context, owner foundryv1alpha1.CustomResource, pod *corev1.Pod, timeout time.Duration) (*corev1.Pod, error) {
	key := client.ObjectKeyFromObject(pod)

	var existing corev1.Pod
	switch err := p.reader().Get(ctx, key, &existing); {
	case err == nil:
		if err := p.Delete(ctx, &existing); err != nil {
			return nil, err
		}
		if err := wait.PollUntilContextTimeout(ctx, p.interval(), timeout, true, func(ctx context.Context) (bool, error) {
			err := p.reader().Get(ctx, key, &corev1.Pod{})
			return apierrors.IsNotFound(err), nil
		}); err != nil {
			return nil, fmt.Errorf("previous pod %s was not removed: %w", key, err)
		}
	case !apierrors.IsNotFound(err):
		return nil, err
	}

	desired := pod.DeepCopy()
	if err := EnsureOwner(owner, desired, p.Scheme); err != nil {
		return nil, err
	}
	if err := p.Client.Create(ctx, desired); err != nil {
		return nil, fmt.Errorf("create pod %s: %w", key, err)
	}
	log.FromContext(ctx).V(1).Info("pod created", "pod", key.String())

	var observed corev1.Pod
	err := wait.PollUntilContextTimeout(ctx, p.interval(), timeout, true, func(ctx context.Context) (bool, error) {
		if err := p.reader().Get(ctx, key, &observed); err != nil {
			return false, client.IgnoreNotFound(err)
		}
		return observed.Status.Phase == corev1.PodSucceeded || observed.Status.Phase == corev1.PodFailed, nil
	})
	if err != nil {
		if wait.Interrupted(err) {
			return &observed, fmt.Errorf("pod %s did not complete within %s", key, timeout)
		}
		return nil, err
	}
	return &observed, nil
}

func (p Pods) Delete(ctx context.Context, pod *corev1.Pod) error {
	err := p.Client.Delete(ctx, pod, client.PropagationPolicy(metav1.DeletePropagationBackground))
	return client.IgnoreNotFound(err)
}
