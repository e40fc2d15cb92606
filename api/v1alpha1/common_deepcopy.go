package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *FailureRecord) DeepCopyInto(out *FailureRecord) {
	*out = *in
	if in.FailedObject != nil {
		ref := *in.FailedObject
		out.FailedObject = &ref
	}
}

// DeepCopy copies the receiver, creating a new FailureRecord.
func (in *FailureRecord) DeepCopy() *FailureRecord {
	if in == nil {
		return nil
	}
	out := new(FailureRecord)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *ServerStatus) DeepCopyInto(out *ServerStatus) {
	*out = *in
	if in.PersistentVolumeClaimPhases != nil {
		out.PersistentVolumeClaimPhases = make(map[string]string, len(in.PersistentVolumeClaimPhases))
		for k, v := range in.PersistentVolumeClaimPhases {
			out.PersistentVolumeClaimPhases[k] = v
		}
	}
	if in.Failure != nil {
		out.Failure = in.Failure.DeepCopy()
	}
}

// DeepCopy copies the receiver, creating a new ServerStatus.
func (in *ServerStatus) DeepCopy() *ServerStatus {
	if in == nil {
		return nil
	}
	out := new(ServerStatus)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *DeploymentStatus) DeepCopyInto(out *DeploymentStatus) {
	*out = *in
	if in.Controller != nil {
		id := *in.Controller
		out.Controller = &id
	}
	if in.ServerStatuses != nil {
		out.ServerStatuses = make(map[string]ServerStatus, len(in.ServerStatuses))
		for k, v := range in.ServerStatuses {
			var st ServerStatus
			v.DeepCopyInto(&st)
			out.ServerStatuses[k] = st
		}
	}
	if in.Conditions != nil {
		out.Conditions = make([]metav1.Condition, len(in.Conditions))
		for i := range in.Conditions {
			in.Conditions[i].DeepCopyInto(&out.Conditions[i])
		}
	}
}

// DeepCopy copies the receiver, creating a new DeploymentStatus.
func (in *DeploymentStatus) DeepCopy() *DeploymentStatus {
	if in == nil {
		return nil
	}
	out := new(DeploymentStatus)
	in.DeepCopyInto(out)
	return out
}
