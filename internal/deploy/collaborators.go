package deploy

import (
	"context"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	rbacv1 "k8s.io/api/rbac/v1"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
)

// Creators make the cluster match a desired object and return what is
// observed afterwards. Objects in the owner's namespace are owned by it.

type PVCCreator interface {
	CreateOrUpdate(ctx context.Context, owner foundryv1alpha1.CustomResource, desired *corev1.PersistentVolumeClaim) (*corev1.PersistentVolumeClaim, error)
}

// SecretCreator never overwrites keys already present in an existing Secret
// through CreateOrUpdate. Replace is for values issued elsewhere, which the
// cluster copy must follow.
type SecretCreator interface {
	CreateOrUpdate(ctx context.Context, owner foundryv1alpha1.CustomResource, desired *corev1.Secret) (*corev1.Secret, error)
	Replace(ctx context.Context, owner foundryv1alpha1.CustomResource, desired *corev1.Secret) (*corev1.Secret, error)
	Load(ctx context.Context, namespace, name string) (*corev1.Secret, error)
}

// ServiceAccountCreator also grants rules through a Role and RoleBinding of the same name.
type ServiceAccountCreator interface {
	CreateOrUpdate(ctx context.Context, owner foundryv1alpha1.CustomResource, desired *corev1.ServiceAccount, rules []rbacv1.PolicyRule) (*corev1.ServiceAccount, error)
}

type ServiceCreator interface {
	CreateOrUpdate(ctx context.Context, owner foundryv1alpha1.CustomResource, desired *corev1.Service) (*corev1.Service, error)
}

// IngressCreator merges desired paths into an existing Ingress, keeping
// paths that belong to others.
type IngressCreator interface {
	CreateOrUpdate(ctx context.Context, owner foundryv1alpha1.CustomResource, desired *networkingv1.Ingress) (*networkingv1.Ingress, error)
}

type DeploymentCreator interface {
	CreateOrUpdate(ctx context.Context, owner foundryv1alpha1.CustomResource, desired *appsv1.Deployment) (*appsv1.Deployment, error)
}

// PodRunner waits on and runs pods.
type PodRunner interface {
	// WaitForReady returns the first ready pod labelled key=value. A pod whose
	// container terminated with a non-zero exit code is returned with an error.
	WaitForReady(ctx context.Context, namespace, key, value string, timeout time.Duration) (*corev1.Pod, error)
	// RunToCompletion replaces any pod of the same name with pod and waits
	// until it has terminated.
	RunToCompletion(ctx context.Context, owner foundryv1alpha1.CustomResource, pod *corev1.Pod, timeout time.Duration) (*corev1.Pod, error)
	Delete(ctx context.Context, pod *corev1.Pod) error
}

// StatusUpdater persists deployment status on the resource being deployed.
type StatusUpdater interface {
	UpdateServerStatus(ctx context.Context, cr foundryv1alpha1.CustomResource, qualifier string, st foundryv1alpha1.ServerStatus) error
	UpdatePhase(ctx context.Context, cr foundryv1alpha1.CustomResource, phase foundryv1alpha1.Phase) error
	DeploymentFailed(ctx context.Context, cr foundryv1alpha1.CustomResource, qualifier string, cause error) error
}

// ClientRegistration is an identity-provider client to create or update.
type ClientRegistration struct {
	Realm        string
	ClientID     string
	RedirectURIs []string
	WebOrigins   []string
}

type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

type SSORegistrar interface {
	RegisterClient(ctx context.Context, conn SSOConnection, reg ClientRegistration) (ClientCredentials, error)
}

// Collaborators groups everything the orchestrator talks to.
type Collaborators struct {
	PVCs            PVCCreator
	Secrets         SecretCreator
	ServiceAccounts ServiceAccountCreator
	Services        ServiceCreator
	Ingresses       IngressCreator
	Deployments     DeploymentCreator
	Pods            PodRunner
	Status          StatusUpdater
	SSO             SSORegistrar
}
