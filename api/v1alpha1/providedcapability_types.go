package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const ProvidedCapabilityKind = "ProvidedCapability"

// ProvidedCapability is a shared backing service (a database, an identity
// provider) that resources resolve by scope instead of deploying their own.
//
// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=pcap
// +kubebuilder:printcolumn:name="Capability",type=string,JSONPath=`.spec.capability`
// +kubebuilder:printcolumn:name="Implementation",type=string,JSONPath=`.spec.implementation`
// +kubebuilder:printcolumn:name="Scope",type=string,JSONPath=`.metadata.labels.foundry\.platform/scope`
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`
type ProvidedCapability struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   CapabilityRequirement    `json:"spec"`
	Status ProvidedCapabilityStatus `json:"status,omitempty"`
}

// CapabilityRequirement is what a resource asks for. A ProvidedCapability
// carries the requirement it was created from as its spec.
type CapabilityRequirement struct {
	Capability StandardCapability `json:"capability"`

	// Implementation pins a vendor, e.g. "postgresql" or "keycloak".
	// +optional
	Implementation string `json:"implementation,omitempty"`

	// ResolutionScopePreference is tried in order. Empty means [NAMESPACE].
	// +optional
	ResolutionScopePreference []CapabilityScope `json:"resolutionScopePreference,omitempty"`

	// Selector is required when LABELED is requested.
	// +optional
	Selector map[string]string `json:"selector,omitempty"`

	// SpecifiedCapability is required when SPECIFIED is requested.
	// +optional
	SpecifiedCapability *ResourceReference `json:"specifiedCapability,omitempty"`

	// +optional
	CapabilityParameters map[string]string `json:"capabilityParameters,omitempty"`

	// ExternallyProvidedService points the capability at a service outside the cluster.
	// +optional
	ExternallyProvidedService *ExternallyProvidedService `json:"externallyProvidedService,omitempty"`
}

// EffectiveScopes returns the scope preference with the default applied.
func (r *CapabilityRequirement) EffectiveScopes() []CapabilityScope {
	if len(r.ResolutionScopePreference) == 0 {
		return []CapabilityScope{CapabilityScopeNamespace}
	}
	return r.ResolutionScopePreference
}

type ExternallyProvidedService struct {
	Host string `json:"host"`
	// +optional
	Port int32 `json:"port,omitempty"`
	// AdminSecretName holds "username" and "password" for the external service.
	// +optional
	AdminSecretName string `json:"adminSecretName,omitempty"`
	// +optional
	RequiresDirectConnection bool `json:"requiresDirectConnection,omitempty"`
}

type ProvidedCapabilityStatus struct {
	DeploymentStatus `json:",inline"`
}

func (in *ProvidedCapability) ResourceKind() string { return ProvidedCapabilityKind }

func (in *ProvidedCapability) DeploymentStatus() *DeploymentStatus {
	return &in.Status.DeploymentStatus
}

// ProvidedCapabilityList contains a list of ProvidedCapability
// +kubebuilder:object:root=true
type ProvidedCapabilityList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ProvidedCapability `json:"items"`
}

func init() {
	SchemeBuilder.Register(&ProvidedCapability{}, &ProvidedCapabilityList{})
}
