// Package capability resolves a resource's capability requirements to
// ProvidedCapabilities, creating them when no existing one fits.
package capability

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
	"github.com/bayleafwalker/foundry/internal/kube"
	"github.com/bayleafwalker/foundry/internal/naming"
)

// FailureRecorder records a failed resolution on a resource's status.
type FailureRecorder interface {
	DeploymentFailed(ctx context.Context, cr foundryv1alpha1.CustomResource, qualifier string, cause error) error
}

// Resolver finds or creates the ProvidedCapability that satisfies a requirement.
type Resolver struct {
	Store  Store
	Status FailureRecorder
	Scheme *runtime.Scheme

	// ControllerNamespace receives capabilities created at CLUSTER scope.
	// The requesting resource's namespace is used when empty.
	ControllerNamespace string
	// CommencementTimeout bounds the wait after re-syncing parameters.
	CommencementTimeout time.Duration

	// newSuffix names LABELED capabilities; replaced in tests.
	newSuffix func() string
}

// Resolve never returns an error value: failures are reported in Result.Err
// and recorded on the requesting resource.
func (r *Resolver) Resolve(
	ctx context.Context,
	forResource foundryv1alpha1.CustomResource,
	req foundryv1alpha1.CapabilityRequirement,
	timeout time.Duration,
) (res Result) {
	logger := log.FromContext(ctx).WithValues(
		"capability", req.Capability,
		"resource", foundryv1alpha1.ReferenceOf(forResource).String(),
	)
	ctx = log.IntoContext(ctx, logger)

	defer func() {
		if p := recover(); p != nil {
			res = Result{Capability: res.Capability, Err: fmt.Errorf("resolving %s capability panicked: %v", req.Capability, p)}
		}
		if res.Err != nil {
			logger.Info("capability resolution failed", "error", res.Err.Error())
			r.recordFailure(ctx, forResource, req, res)
		}
	}()

	if err := ValidateRequirement(req); err != nil {
		return Result{Err: err}
	}
	scopes := req.EffectiveScopes()

	found, err := r.find(ctx, forResource, req, scopes)
	if err != nil {
		return Result{Err: err}
	}
	created := found == nil
	if !created {
		logger = logger.WithValues("providedCapability", foundryv1alpha1.ReferenceOf(found).String())
		if err := validateMatch(found, req); err != nil {
			return Result{Capability: found, Err: err}
		}
		if r.owns(found, forResource) && !maps.Equal(found.Spec.CapabilityParameters, req.CapabilityParameters) {
			found = r.syncParameters(ctx, found, req)
		}
	} else {
		found, err = r.create(ctx, forResource, req, scopes[0])
		if err != nil {
			return Result{Capability: found, Err: err}
		}
		logger = logger.WithValues("providedCapability", foundryv1alpha1.ReferenceOf(found).String())
		logger.Info("created capability", "scope", scopes[0])
	}

	done, err := r.Store.WaitForCompletion(ctx, found, timeout)
	if err != nil {
		return Result{Capability: found, Created: created, Err: err}
	}
	if done.Status.Phase == foundryv1alpha1.PhaseFailed {
		msg := ""
		if f := done.Status.FirstFailure(); f != nil {
			msg = f.Message
		}
		return Result{Capability: done, Created: created, Err: &FailedError{Capability: foundryv1alpha1.ReferenceOf(done), Message: msg}}
	}
	return Result{Capability: done, Provisioning: NewProvisioningResult(done), Created: created}
}

// ValidateRequirement rejects requirements that can never be resolved.
func ValidateRequirement(req foundryv1alpha1.CapabilityRequirement) error {
	if strings.TrimSpace(string(req.Capability)) == "" {
		return &ConfigurationError{Reason: "capability is required"}
	}
	for _, scope := range req.EffectiveScopes() {
		switch {
		case !scope.Known():
			return &ConfigurationError{Reason: fmt.Sprintf("unknown resolution scope %q", scope)}
		case scope == foundryv1alpha1.CapabilityScopeLabeled && len(req.Selector) == 0:
			return &ConfigurationError{Reason: "LABELED scope requires a selector"}
		case scope == foundryv1alpha1.CapabilityScopeSpecified &&
			(req.SpecifiedCapability == nil || strings.TrimSpace(req.SpecifiedCapability.Name) == ""):
			return &ConfigurationError{Reason: "SPECIFIED scope requires specifiedCapability"}
		}
	}
	return nil
}

// find walks scopes in order and returns the first match.
func (r *Resolver) find(
	ctx context.Context,
	cr foundryv1alpha1.CustomResource,
	req foundryv1alpha1.CapabilityRequirement,
	scopes []foundryv1alpha1.CapabilityScope,
) (*foundryv1alpha1.ProvidedCapability, error) {
	for _, scope := range scopes {
		pc, err := r.findAt(ctx, cr, req, scope)
		if err != nil {
			return nil, err
		}
		if pc != nil {
			log.FromContext(ctx).V(1).Info("found capability", "scope", scope, "name", pc.Name, "namespace", pc.Namespace)
			return pc, nil
		}
	}
	return nil, nil
}

func (r *Resolver) findAt(
	ctx context.Context,
	cr foundryv1alpha1.CustomResource,
	req foundryv1alpha1.CapabilityRequirement,
	scope foundryv1alpha1.CapabilityScope,
) (*foundryv1alpha1.ProvidedCapability, error) {
	switch scope {
	case foundryv1alpha1.CapabilityScopeDedicated:
		return r.Store.FindByName(ctx, cr.GetNamespace(), dedicatedName(cr, req))
	case foundryv1alpha1.CapabilityScopeSpecified:
		ns, name := specifiedKey(cr, req)
		return r.Store.FindByName(ctx, ns, name)
	case foundryv1alpha1.CapabilityScopeNamespace:
		return r.Store.FindByLabels(ctx, cr.GetNamespace(), scopeLabels(req, scope))
	case foundryv1alpha1.CapabilityScopeLabeled, foundryv1alpha1.CapabilityScopeCluster:
		// Selector and cluster matches are not bound to the resource's namespace.
		return r.Store.FindByLabels(ctx, "", scopeLabels(req, scope))
	}
	return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown resolution scope %q", scope)}
}

// validateMatch checks that a found capability may serve req.
func validateMatch(pc *foundryv1alpha1.ProvidedCapability, req foundryv1alpha1.CapabilityRequirement) error {
	supported := pc.Spec.EffectiveScopes()
	requested := req.EffectiveScopes()
	if !intersects(supported, requested) {
		return &ValidationError{
			Capability: foundryv1alpha1.ReferenceOf(pc),
			Field:      "one of the scopes",
			Expected:   scopeList(requested),
			Actual:     scopeList(supported),
		}
	}
	want := strings.TrimSpace(req.Implementation)
	if want != "" && !strings.EqualFold(want, strings.TrimSpace(pc.Spec.Implementation)) {
		actual := pc.Spec.Implementation
		if actual == "" {
			actual = "no implementation"
		}
		return &ValidationError{
			Capability: foundryv1alpha1.ReferenceOf(pc),
			Field:      "implementation",
			Expected:   want,
			Actual:     actual,
		}
	}
	return nil
}

// owns reports whether pc was created on behalf of cr.
func (r *Resolver) owns(pc *foundryv1alpha1.ProvidedCapability, cr foundryv1alpha1.CustomResource) bool {
	return Origin(pc) == foundryv1alpha1.ReferenceOf(cr).String()
}

// syncParameters pushes changed parameters to a capability this resolver
// created and gives its controller a moment to pick them up. Failures are
// logged; the caller continues with whatever state the capability is in.
func (r *Resolver) syncParameters(
	ctx context.Context,
	pc *foundryv1alpha1.ProvidedCapability,
	req foundryv1alpha1.CapabilityRequirement,
) *foundryv1alpha1.ProvidedCapability {
	logger := log.FromContext(ctx)
	desired := pc.DeepCopy()
	desired.Spec.CapabilityParameters = maps.Clone(req.CapabilityParameters)
	patched, err := r.Store.CreateOrPatch(ctx, desired)
	if err != nil {
		logger.Error(err, "failed to sync capability parameters")
		return pc
	}
	commenced, err := r.Store.WaitForCommencement(ctx, patched, r.commencementTimeout())
	if err != nil {
		logger.V(1).Info("capability did not commence after parameter sync", "error", err.Error())
		return patched
	}
	return commenced
}

func (r *Resolver) commencementTimeout() time.Duration {
	if r.CommencementTimeout > 0 {
		return r.CommencementTimeout
	}
	return 5 * time.Second
}

// create persists a new capability at scope and reads it back through the
// same scope's lookup.
func (r *Resolver) create(
	ctx context.Context,
	cr foundryv1alpha1.CustomResource,
	req foundryv1alpha1.CapabilityRequirement,
	scope foundryv1alpha1.CapabilityScope,
) (*foundryv1alpha1.ProvidedCapability, error) {
	ns, name := r.newKey(cr, req, scope)

	labels := scopeLabels(req, scope)
	labels[LabelScope] = scope.Label()

	pc := &foundryv1alpha1.ProvidedCapability{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   ns,
			Labels:      labels,
			Annotations: map[string]string{AnnotationOrigin: foundryv1alpha1.ReferenceOf(cr).String()},
		},
	}
	req.DeepCopyInto(&pc.Spec)

	if scope == foundryv1alpha1.CapabilityScopeDedicated && r.Scheme != nil {
		if err := kube.EnsureOwner(cr, pc, r.Scheme); err != nil {
			return nil, fmt.Errorf("own capability %s/%s: %w", ns, name, err)
		}
	}

	if _, err := r.Store.CreateOrPatch(ctx, pc); err != nil {
		return nil, err
	}
	created, err := r.findAt(ctx, cr, req, scope)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, fmt.Errorf("capability %s/%s was created but is not visible to the %s lookup", ns, name, scope)
	}
	return created, nil
}

// newKey names a capability created at scope.
func (r *Resolver) newKey(
	cr foundryv1alpha1.CustomResource,
	req foundryv1alpha1.CapabilityRequirement,
	scope foundryv1alpha1.CapabilityScope,
) (namespace, name string) {
	impl := strings.ToLower(strings.TrimSpace(req.Implementation))
	capLabel := req.Capability.Label()
	switch scope {
	case foundryv1alpha1.CapabilityScopeDedicated:
		return cr.GetNamespace(), dedicatedName(cr, req)
	case foundryv1alpha1.CapabilityScopeSpecified:
		return specifiedKey(cr, req)
	case foundryv1alpha1.CapabilityScopeLabeled:
		return cr.GetNamespace(), naming.Join(naming.MaxSubdomain, impl, capLabel, r.suffix())
	case foundryv1alpha1.CapabilityScopeCluster:
		ns := r.ControllerNamespace
		if ns == "" {
			ns = cr.GetNamespace()
		}
		return ns, naming.Join(naming.MaxSubdomain, "default", impl, capLabel, "in-cluster")
	default:
		return cr.GetNamespace(), naming.Join(naming.MaxSubdomain, "default", impl, capLabel, "in-namespace")
	}
}

func (r *Resolver) suffix() string {
	if r.newSuffix != nil {
		return r.newSuffix()
	}
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// recordFailure writes the failure onto the requesting resource and, when the
// capability was created for it and has not failed on its own, onto the
// capability too.
func (r *Resolver) recordFailure(ctx context.Context, cr foundryv1alpha1.CustomResource, req foundryv1alpha1.CapabilityRequirement, res Result) {
	if r.Status == nil {
		return
	}
	logger := log.FromContext(ctx)
	qualifier := req.Capability.Label()
	if err := r.Status.DeploymentFailed(ctx, cr, qualifier, res.Err); err != nil {
		logger.Error(err, "failed to record capability failure on resource")
	}
	pc := res.Capability
	if pc == nil || !r.owns(pc, cr) || pc.Status.Phase == foundryv1alpha1.PhaseFailed {
		return
	}
	if err := r.Status.DeploymentFailed(ctx, pc, ProvisioningQualifier, res.Err); err != nil {
		logger.Error(err, "failed to record capability failure on capability")
	}
}

func dedicatedName(cr foundryv1alpha1.CustomResource, req foundryv1alpha1.CapabilityRequirement) string {
	return naming.Join(naming.MaxSubdomain, cr.GetName(), req.Capability.Suffix())
}

func specifiedKey(cr foundryv1alpha1.CustomResource, req foundryv1alpha1.CapabilityRequirement) (string, string) {
	ref := req.SpecifiedCapability
	ns := strings.TrimSpace(ref.Namespace)
	if ns == "" {
		ns = cr.GetNamespace()
	}
	return ns, ref.Name
}

func intersects(a, b []foundryv1alpha1.CapabilityScope) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func scopeList(scopes []foundryv1alpha1.CapabilityScope) string {
	parts := make([]string, 0, len(scopes))
	for _, s := range scopes {
		parts = append(parts, string(s))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
