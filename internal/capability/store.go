package capability

import (
	"context"
	"fmt"
	"sort"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
)

const defaultPollInterval = time.Second

// Store reads and writes ProvidedCapabilities.
//
// Find methods return (nil, nil) when nothing matches.
type Store interface {
	FindByName(ctx context.Context, namespace, name string) (*foundryv1alpha1.ProvidedCapability, error)
	// FindByLabels searches namespace, or every namespace when namespace is empty.
	FindByLabels(ctx context.Context, namespace string, labels map[string]string) (*foundryv1alpha1.ProvidedCapability, error)
	CreateOrPatch(ctx context.Context, pc *foundryv1alpha1.ProvidedCapability) (*foundryv1alpha1.ProvidedCapability, error)
	WaitForCompletion(ctx context.Context, pc *foundryv1alpha1.ProvidedCapability, timeout time.Duration) (*foundryv1alpha1.ProvidedCapability, error)
	WaitForCommencement(ctx context.Context, pc *foundryv1alpha1.ProvidedCapability, timeout time.Duration) (*foundryv1alpha1.ProvidedCapability, error)
}

// KubeStore is a Store backed by the API server.
//
// Reads go through Reader so that a capability created moments ago is
// visible to the lookup that follows; pass the manager's API reader rather
// than the cached client.
type KubeStore struct {
	Reader       client.Reader
	Writer       client.Client
	PollInterval time.Duration
}

var _ Store = (*KubeStore)(nil)

func (s *KubeStore) FindByName(ctx context.Context, namespace, name string) (*foundryv1alpha1.ProvidedCapability, error) {
	var pc foundryv1alpha1.ProvidedCapability
	if err := s.Reader.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &pc); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get capability %s/%s: %w", namespace, name, err)
	}
	return &pc, nil
}

func (s *KubeStore) FindByLabels(ctx context.Context, namespace string, labels map[string]string) (*foundryv1alpha1.ProvidedCapability, error) {
	var list foundryv1alpha1.ProvidedCapabilityList
	opts := []client.ListOption{client.MatchingLabels(labels)}
	if namespace != "" {
		opts = append(opts, client.InNamespace(namespace))
	}
	if err := s.Reader.List(ctx, &list, opts...); err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	if len(list.Items) == 0 {
		return nil, nil
	}
	// Oldest wins so that every resolver agrees on the same shared capability.
	sort.SliceStable(list.Items, func(i, j int) bool {
		a, b := list.Items[i], list.Items[j]
		if !a.CreationTimestamp.Equal(&b.CreationTimestamp) {
			return a.CreationTimestamp.Before(&b.CreationTimestamp)
		}
		if a.Namespace != b.Namespace {
			return a.Namespace < b.Namespace
		}
		return a.Name < b.Name
	})
	return &list.Items[0], nil
}

// CreateOrPatch creates pc, or patches spec, owner references and any
// missing labels/annotations onto the existing object. Existing label values
// are never changed.
func (s *KubeStore) CreateOrPatch(ctx context.Context, pc *foundryv1alpha1.ProvidedCapability) (*foundryv1alpha1.ProvidedCapability, error) {
	var existing foundryv1alpha1.ProvidedCapability
	err := s.Reader.Get(ctx, client.ObjectKeyFromObject(pc), &existing)
	if apierrors.IsNotFound(err) {
		created := pc.DeepCopy()
		if err := s.Writer.Create(ctx, created); err != nil {
			return nil, fmt.Errorf("create capability %s/%s: %w", pc.Namespace, pc.Name, err)
		}
		return created, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get capability %s/%s: %w", pc.Namespace, pc.Name, err)
	}

	before := existing.DeepCopy()
	if existing.Labels == nil {
		existing.Labels = map[string]string{}
	}
	for k, v := range pc.Labels {
		if _, ok := existing.Labels[k]; !ok {
			existing.Labels[k] = v
		}
	}
	if existing.Annotations == nil {
		existing.Annotations = map[string]string{}
	}
	for k, v := range pc.Annotations {
		if _, ok := existing.Annotations[k]; !ok {
			existing.Annotations[k] = v
		}
	}
	if len(existing.OwnerReferences) == 0 {
		existing.OwnerReferences = pc.OwnerReferences
	}
	pc.Spec.DeepCopyInto(&existing.Spec)
	if err := s.Writer.Patch(ctx, &existing, client.MergeFrom(before)); err != nil {
		return nil, fmt.Errorf("patch capability %s/%s: %w", pc.Namespace, pc.Name, err)
	}
	return &existing, nil
}

// WaitForCompletion waits for the capability's current generation to finish, successfully or not.
func (s *KubeStore) WaitForCompletion(ctx context.Context, pc *foundryv1alpha1.ProvidedCapability, timeout time.Duration) (*foundryv1alpha1.ProvidedCapability, error) {
	return s.waitFor(ctx, pc, timeout, "completion", Completed)
}

// WaitForCommencement waits for the capability's controller to pick up its current generation.
func (s *KubeStore) WaitForCommencement(ctx context.Context, pc *foundryv1alpha1.ProvidedCapability, timeout time.Duration) (*foundryv1alpha1.ProvidedCapability, error) {
	return s.waitFor(ctx, pc, timeout, "commencement", Commenced)
}

func (s *KubeStore) waitFor(
	ctx context.Context,
	pc *foundryv1alpha1.ProvidedCapability,
	timeout time.Duration,
	awaiting string,
	done func(*foundryv1alpha1.ProvidedCapability) bool,
) (*foundryv1alpha1.ProvidedCapability, error) {
	interval := s.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	key := client.ObjectKeyFromObject(pc)
	var latest foundryv1alpha1.ProvidedCapability
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		if err := s.Reader.Get(ctx, key, &latest); err != nil {
			if apierrors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		return done(&latest), nil
	})
	if err != nil {
		if wait.Interrupted(err) {
			return nil, &TimeoutError{
				Capability: foundryv1alpha1.ReferenceOf(pc),
				Awaiting:   awaiting,
				Timeout:    timeout,
			}
		}
		return nil, fmt.Errorf("wait for %s of capability %s: %w", awaiting, key, err)
	}
	return &latest, nil
}

// Completed reports whether the capability's current generation reached a terminal phase.
func Completed(pc *foundryv1alpha1.ProvidedCapability) bool {
	return pc.Status.Phase.Finished() && pc.Status.ObservedGeneration >= pc.Generation
}

// Commenced reports whether the capability's controller has started on its current generation.
func Commenced(pc *foundryv1alpha1.ProvidedCapability) bool {
	return pc.Status.Phase == foundryv1alpha1.PhaseStarted || Completed(pc)
}
