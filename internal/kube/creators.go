package kube

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
)

// AnnotationOwner marks objects created for a resource in another
// namespace, where owner references cannot point.
const AnnotationOwner = "foundry.platform/owner"

// objects holds what every creator needs.
type objects struct {
	Client client.Client
	Scheme *runtime.Scheme
}

// own links obj to owner: by controller reference in the owner's
// namespace, by annotation elsewhere.
func (o objects) own(owner foundryv1alpha1.CustomResource, obj client.Object) error {
	if obj.GetNamespace() == owner.GetNamespace() {
		return EnsureOwner(owner, obj, o.Scheme)
	}
	ann := obj.GetAnnotations()
	if ann == nil {
		ann = map[string]string{}
	}
	if _, ok := ann[AnnotationOwner]; !ok {
		ann[AnnotationOwner] = foundryv1alpha1.ReferenceOf(owner).String()
		obj.SetAnnotations(ann)
	}
	return nil
}

func (o objects) createOrUpdate(ctx context.Context, obj client.Object, mutate controllerutil.MutateFn) error {
	op, err := controllerutil.CreateOrUpdate(ctx, o.Client, obj, mutate)
	if err != nil {
		return fmt.Errorf("ensure %T %s/%s: %w", obj, obj.GetNamespace(), obj.GetName(), err)
	}
	if op != controllerutil.OperationResultNone {
		log.FromContext(ctx).V(1).Info("object reconciled", "object", client.ObjectKeyFromObject(obj).String(), "operation", op)
	}
	return nil
}

func mergeLabels(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = map[string]string{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func isNew(obj client.Object) bool { return obj.GetResourceVersion() == "" }

type PersistentVolumeClaims struct{ objects }

// CreateOrUpdate creates the claim. Existing claims only grow.
func (c PersistentVolumeClaims) CreateOrUpdate(ctx context.Context, owner foundryv1alpha1.CustomResource, desired *corev1.PersistentVolumeClaim) (*corev1.PersistentVolumeClaim, error) {
	pvc := &corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	err := c.createOrUpdate(ctx, pvc, func() error {
		pvc.Labels = mergeLabels(pvc.Labels, desired.Labels)
		if isNew(pvc) {
			pvc.Spec = *desired.Spec.DeepCopy()
		} else if want, ok := desired.Spec.Resources.Requests[corev1.ResourceStorage]; ok {
			have := pvc.Spec.Resources.Requests[corev1.ResourceStorage]
			if want.Cmp(have) > 0 {
				if pvc.Spec.Resources.Requests == nil {
					pvc.Spec.Resources.Requests = corev1.ResourceList{}
				}
				pvc.Spec.Resources.Requests[corev1.ResourceStorage] = want
			}
		}
		return c.own(owner, pvc)
	})
	return pvc, err
}

type Secrets struct{ objects }

// CreateOrUpdate adds desired keys that the Secret does not have yet.
// Existing values, such as generated passwords, are never replaced.
func (c Secrets) CreateOrUpdate(ctx context.Context, owner foundryv1alpha1.CustomResource, desired *corev1.Secret) (*corev1.Secret, error) {
	secret := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	err := c.createOrUpdate(ctx, secret, func() error {
		secret.Labels = mergeLabels(secret.Labels, desired.Labels)
		if secret.Type == "" {
			secret.Type = desired.Type
		}
		if secret.Data == nil {
			secret.Data = map[string][]byte{}
		}
		for k, v := range desired.Data {
			if _, ok := secret.Data[k]; !ok {
				secret.Data[k] = append([]byte(nil), v...)
			}
		}
		for k, v := range desired.StringData {
			if _, ok := secret.Data[k]; !ok {
				secret.Data[k] = []byte(v)
			}
		}
		return c.own(owner, secret)
	})
	return secret, err
}

// Replace sets every desired key, overwriting existing values. Keys the
// desired Secret does not name are kept.
func (c Secrets) Replace(ctx context.Context, owner foundryv1alpha1.CustomResource, desired *corev1.Secret) (*corev1.Secret, error) {
	secret := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	err := c.createOrUpdate(ctx, secret, func() error {
		secret.Labels = mergeLabels(secret.Labels, desired.Labels)
		if secret.Type == "" {
			secret.Type = desired.Type
		}
		if secret.Data == nil {
			secret.Data = map[string][]byte{}
		}
		for k, v := range desired.Data {
			secret.Data[k] = append([]byte(nil), v...)
		}
		for k, v := range desired.StringData {
			secret.Data[k] = []byte(v)
		}
		return c.own(owner, secret)
	})
	return secret, err
}

func (c Secrets) Load(ctx context.Context, namespace, name string) (*corev1.Secret, error) {
	var secret corev1.Secret
	if err := c.Client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &secret); err != nil {
		return nil, err
	}
	return &secret, nil
}

type ServiceAccounts struct{ objects }

// CreateOrUpdate ensures the ServiceAccount and, when rules are given, a
// Role and RoleBinding of the same name granting them.
func (c ServiceAccounts) CreateOrUpdate(ctx context.Context, owner foundryv1alpha1.CustomResource, desired *corev1.ServiceAccount, rules []rbacv1.PolicyRule) (*corev1.ServiceAccount, error) {
	sa := &corev1.ServiceAccount{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	if err := c.createOrUpdate(ctx, sa, func() error {
		sa.Labels = mergeLabels(sa.Labels, desired.Labels)
		return c.own(owner, sa)
	}); err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return sa, nil
	}

	role := &rbacv1.Role{ObjectMeta: metav1.ObjectMeta{Name: sa.Name, Namespace: sa.Namespace}}
	if err := c.createOrUpdate(ctx, role, func() error {
		role.Labels = mergeLabels(role.Labels, desired.Labels)
		role.Rules = rules
		return c.own(owner, role)
	}); err != nil {
		return nil, err
	}

	binding := &rbacv1.RoleBinding{ObjectMeta: metav1.ObjectMeta{Name: sa.Name, Namespace: sa.Namespace}}
	if err := c.createOrUpdate(ctx, binding, func() error {
		binding.Labels = mergeLabels(binding.Labels, desired.Labels)
		if isNew(binding) {
			binding.RoleRef = rbacv1.RoleRef{APIGroup: rbacv1.GroupName, Kind: "Role", Name: role.Name}
		}
		binding.Subjects = []rbacv1.Subject{{Kind: rbacv1.ServiceAccountKind, Name: sa.Name, Namespace: sa.Namespace}}
		return c.own(owner, binding)
	}); err != nil {
		return nil, err
	}
	return sa, nil
}

type Services struct{ objects }

func (c Services) CreateOrUpdate(ctx context.Context, owner foundryv1alpha1.CustomResource, desired *corev1.Service) (*corev1.Service, error) {
	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	err := c.createOrUpdate(ctx, svc, func() error {
		svc.Labels = mergeLabels(svc.Labels, desired.Labels)
		if desired.Spec.Type == corev1.ServiceTypeExternalName && svc.Spec.Type != corev1.ServiceTypeExternalName {
			svc.Spec.ClusterIP = ""
			svc.Spec.ClusterIPs = nil
		}
		svc.Spec.Type = desired.Spec.Type
		svc.Spec.ExternalName = desired.Spec.ExternalName
		svc.Spec.Selector = desired.Spec.Selector
		svc.Spec.Ports = desired.Spec.Ports
		return c.own(owner, svc)
	})
	return svc, err
}

type Ingresses struct{ objects }

// CreateOrUpdate merges desired rules into the Ingress. Paths are matched
// by host and path; paths owned by others are left alone.
func (c Ingresses) CreateOrUpdate(ctx context.Context, owner foundryv1alpha1.CustomResource, desired *networkingv1.Ingress) (*networkingv1.Ingress, error) {
	ing := &networkingv1.Ingress{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	err := c.createOrUpdate(ctx, ing, func() error {
		created := isNew(ing)
		if created {
			ing.Labels = mergeLabels(ing.Labels, desired.Labels)
		}
		if ing.Spec.IngressClassName == nil {
			ing.Spec.IngressClassName = desired.Spec.IngressClassName
		}
		ing.Spec.TLS = mergeTLS(ing.Spec.TLS, desired.Spec.TLS)
		ing.Spec.Rules = mergeRules(ing.Spec.Rules, desired.Spec.Rules)
		if created {
			return c.own(owner, ing)
		}
		return nil
	})
	return ing, err
}

func mergeTLS(have, want []networkingv1.IngressTLS) []networkingv1.IngressTLS {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h.SecretName == w.SecretName {
				found = true
				break
			}
		}
		if !found {
			have = append(have, w)
		}
	}
	return have
}

func mergeRules(have, want []networkingv1.IngressRule) []networkingv1.IngressRule {
	for _, w := range want {
		i := -1
		for j := range have {
			if have[j].Host == w.Host {
				i = j
				break
			}
		}
		if i < 0 {
			have = append(have, *w.DeepCopy())
			continue
		}
		if have[i].HTTP == nil {
			have[i].HTTP = &networkingv1.HTTPIngressRuleValue{}
		}
		if w.HTTP == nil {
			continue
		}
		for _, wp := range w.HTTP.Paths {
			replaced := false
			for k := range have[i].HTTP.Paths {
				if have[i].HTTP.Paths[k].Path == wp.Path {
					have[i].HTTP.Paths[k] = *wp.DeepCopy()
					replaced = true
					break
				}
			}
			if !replaced {
				have[i].HTTP.Paths = append(have[i].HTTP.Paths, *wp.DeepCopy())
			}
		}
	}
	return have
}

type Deployments struct{ objects }

func (c Deployments) CreateOrUpdate(ctx context.Context, owner foundryv1alpha1.CustomResource, desired *appsv1.Deployment) (*appsv1.Deployment, error) {
	dep := &appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: desired.Name, Namespace: desired.Namespace}}
	err := c.createOrUpdate(ctx, dep, func() error {
		dep.Labels = mergeLabels(dep.Labels, desired.Labels)
		if isNew(dep) {
			dep.Spec.Selector = desired.Spec.Selector.DeepCopy()
		}
		dep.Spec.Replicas = desired.Spec.Replicas
		dep.Spec.Strategy = *desired.Spec.Strategy.DeepCopy()
		dep.Spec.Template = *desired.Spec.Template.DeepCopy()
		return c.own(owner, dep)
	})
	return dep, err
}
