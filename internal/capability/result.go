package capability

import (
	"fmt"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
)

// Result is the outcome of a resolution. Err is set on failure; Capability
// is set whenever a capability was found or created, even on failure.
// Created reports that this resolution created the capability.
type Result struct {
	Capability   *foundryv1alpha1.ProvidedCapability
	Provisioning ProvisioningResult
	Created      bool
	Err          error
}

func (r Result) Failed() bool { return r.Err != nil }

// ProvisioningResult is a read-only view of the connection data a capability
// published on its status.
type ProvisioningResult struct {
	Capability      foundryv1alpha1.StandardCapability
	Implementation  string
	Namespace       string
	ServiceName     string
	Port            int32
	AdminSecretName string
	InternalBaseURL string
	ExternalBaseURL string
	SSORealm        string

	parameters map[string]string
}

// NewProvisioningResult reads the published server status of pc.
func NewProvisioningResult(pc *foundryv1alpha1.ProvidedCapability) ProvisioningResult {
	st, _ := pc.Status.ServerStatus(ProvisioningQualifier)
	params := make(map[string]string, len(pc.Spec.CapabilityParameters))
	for k, v := range pc.Spec.CapabilityParameters {
		params[k] = v
	}
	return ProvisioningResult{
		Capability:      pc.Spec.Capability,
		Implementation:  pc.Spec.Implementation,
		Namespace:       pc.Namespace,
		ServiceName:     st.ServiceName,
		Port:            st.Port,
		AdminSecretName: st.AdminSecretName,
		InternalBaseURL: st.InternalBaseURL,
		ExternalBaseURL: st.ExternalBaseURL,
		SSORealm:        st.SSORealm,
		parameters:      params,
	}
}

// ServiceFQDN is the in-cluster DNS name of the capability's service.
func (p ProvisioningResult) ServiceFQDN() string {
	if p.ServiceName == "" {
		return ""
	}
	return fmt.Sprintf("%s.%s.svc.cluster.local", p.ServiceName, p.Namespace)
}

// Parameter returns a capability parameter, or def when unset.
func (p ProvisioningResult) Parameter(key, def string) string {
	if v, ok := p.parameters[key]; ok && v != "" {
		return v
	}
	return def
}
