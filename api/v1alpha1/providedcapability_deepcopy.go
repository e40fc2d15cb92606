package v1alpha1

import (
	"k8s.io/apimachinery/pkg/runtime"
)

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *ProvidedCapability) DeepCopyInto(out *ProvidedCapability) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	in.Spec.DeepCopyInto(&out.Spec)
	in.Status.DeepCopyInto(&out.Status)
}

// DeepCopy copies the receiver, creating a new ProvidedCapability.
func (in *ProvidedCapability) DeepCopy() *ProvidedCapability {
	if in == nil {
		return nil
	}
	out := new(ProvidedCapability)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject copies the receiver, creating a new runtime.Object.
func (in *ProvidedCapability) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *ProvidedCapabilityList) DeepCopyInto(out *ProvidedCapabilityList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]ProvidedCapability, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
}

// DeepCopy copies the receiver, creating a new ProvidedCapabilityList.
func (in *ProvidedCapabilityList) DeepCopy() *ProvidedCapabilityList {
	if in == nil {
		return nil
	}
	out := new(ProvidedCapabilityList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject copies the receiver, creating a new runtime.Object.
func (in *ProvidedCapabilityList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *CapabilityRequirement) DeepCopyInto(out *CapabilityRequirement) {
	*out = *in
	if in.ResolutionScopePreference != nil {
		out.ResolutionScopePreference = make([]CapabilityScope, len(in.ResolutionScopePreference))
		copy(out.ResolutionScopePreference, in.ResolutionScopePreference)
	}
	if in.Selector != nil {
		out.Selector = make(map[string]string, len(in.Selector))
		for k, v := range in.Selector {
			out.Selector[k] = v
		}
	}
	if in.SpecifiedCapability != nil {
		ref := *in.SpecifiedCapability
		out.SpecifiedCapability = &ref
	}
	if in.CapabilityParameters != nil {
		out.CapabilityParameters = make(map[string]string, len(in.CapabilityParameters))
		for k, v := range in.CapabilityParameters {
			out.CapabilityParameters[k] = v
		}
	}
	if in.ExternallyProvidedService != nil {
		svc := *in.ExternallyProvidedService
		out.ExternallyProvidedService = &svc
	}
}

// DeepCopy copies the receiver, creating a new CapabilityRequirement.
func (in *CapabilityRequirement) DeepCopy() *CapabilityRequirement {
	if in == nil {
		return nil
	}
	out := new(CapabilityRequirement)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *ProvidedCapabilityStatus) DeepCopyInto(out *ProvidedCapabilityStatus) {
	*out = *in
	in.DeploymentStatus.DeepCopyInto(&out.DeploymentStatus)
}

// DeepCopy copies the receiver, creating a new ProvidedCapabilityStatus.
func (in *ProvidedCapabilityStatus) DeepCopy() *ProvidedCapabilityStatus {
	if in == nil {
		return nil
	}
	out := new(ProvidedCapabilityStatus)
	in.DeepCopyInto(out)
	return out
}
