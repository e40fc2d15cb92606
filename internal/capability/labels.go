package capability

import (
	"strings"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
)

const (
	LabelCapability     = "foundry.platform/capability"
	LabelImplementation = "foundry.platform/implementation"
	LabelScope          = "foundry.platform/scope"

	// AnnotationOrigin records the resource a capability was created for.
	AnnotationOrigin = "foundry.platform/origin"

	// ProvisioningQualifier is the ServerStatus key a capability publishes its connection data under.
	ProvisioningQualifier = "server"
)

// baseLabels identify capabilities of the requested kind and implementation.
func baseLabels(req foundryv1alpha1.CapabilityRequirement) map[string]string {
	labels := map[string]string{LabelCapability: req.Capability.Label()}
	if impl := strings.TrimSpace(req.Implementation); impl != "" {
		labels[LabelImplementation] = strings.ToLower(impl)
	}
	return labels
}

// scopeLabels are the base labels plus what a lookup at scope adds.
func scopeLabels(req foundryv1alpha1.CapabilityRequirement, scope foundryv1alpha1.CapabilityScope) map[string]string {
	labels := baseLabels(req)
	switch scope {
	case foundryv1alpha1.CapabilityScopeLabeled:
		for k, v := range req.Selector {
			labels[k] = v
		}
	case foundryv1alpha1.CapabilityScopeNamespace, foundryv1alpha1.CapabilityScopeCluster:
		labels[LabelScope] = scope.Label()
	}
	return labels
}

// Origin returns the origin annotation of a capability.
func Origin(pc *foundryv1alpha1.ProvidedCapability) string {
	if pc == nil || pc.Annotations == nil {
		return ""
	}
	return pc.Annotations[AnnotationOrigin]
}
