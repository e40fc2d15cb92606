package v1alpha1

import (
	"fmt"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// CapabilityScope is where a capability is looked up and, when missing, created.
//
// +kubebuilder:validation:Enum=DEDICATED;SPECIFIED;LABELED;NAMESPACE;CLUSTER
type CapabilityScope string

const (
	CapabilityScopeDedicated CapabilityScope = "DEDICATED"
	CapabilityScopeSpecified CapabilityScope = "SPECIFIED"
	CapabilityScopeLabeled   CapabilityScope = "LABELED"
	CapabilityScopeNamespace CapabilityScope = "NAMESPACE"
	CapabilityScopeCluster   CapabilityScope = "CLUSTER"
)

// Known reports whether s is one of the declared scopes.
func (s CapabilityScope) Known() bool {
	switch s {
	case CapabilityScopeDedicated, CapabilityScopeSpecified, CapabilityScopeLabeled,
		CapabilityScopeNamespace, CapabilityScopeCluster:
		return true
	}
	return false
}

// Label is the lowercase form stored in capability labels.
func (s CapabilityScope) Label() string {
	return strings.ToLower(string(s))
}

// StandardCapability names a kind of backing service.
//
// +kubebuilder:validation:Enum=DBMS;SSO
type StandardCapability string

const (
	CapabilityDBMS StandardCapability = "DBMS"
	CapabilitySSO  StandardCapability = "SSO"
)

// Label is the lowercase form stored in capability labels.
func (c StandardCapability) Label() string {
	return strings.ToLower(string(c))
}

// Suffix is appended to a resource name to derive its dedicated capability name.
func (c StandardCapability) Suffix() string {
	switch c {
	case CapabilityDBMS:
		return "db"
	default:
		return c.Label()
	}
}

// Phase is the lifecycle of a deployment pass.
type Phase string

const (
	PhaseNone       Phase = ""
	PhaseStarted    Phase = "STARTED"
	PhaseSuccessful Phase = "SUCCESSFUL"
	PhaseFailed     Phase = "FAILED"
)

// Finished reports whether the phase is terminal for the current pass.
func (p Phase) Finished() bool {
	return p == PhaseSuccessful || p == PhaseFailed
}

// ResourceReference identifies an object by kind, namespace and name.
type ResourceReference struct {
	Kind      string `json:"kind,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

// ReferenceTo builds a reference to obj.
func ReferenceTo(kind string, obj metav1.Object) ResourceReference {
	return ResourceReference{Kind: kind, Namespace: obj.GetNamespace(), Name: obj.GetName()}
}

func (r ResourceReference) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Kind, r.Namespace, r.Name)
}

// FailureRecord captures the first failure of a deployment pass.
type FailureRecord struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	// FailedObject points at the pod or object that caused the failure, when known.
	FailedObject *ResourceReference `json:"failedObject,omitempty"`
}

// ServerStatus is the observed state of one deployable, keyed by qualifier.
type ServerStatus struct {
	PodName  string `json:"podName,omitempty"`
	PodPhase string `json:"podPhase,omitempty"`

	PersistentVolumeClaimPhases map[string]string `json:"persistentVolumeClaimPhases,omitempty"`

	ServiceName           string `json:"serviceName,omitempty"`
	DelegatingServiceName string `json:"delegatingServiceName,omitempty"`
	IngressName           string `json:"ingressName,omitempty"`
	DeploymentName        string `json:"deploymentName,omitempty"`

	AdminSecretName string `json:"adminSecretName,omitempty"`
	Port            int32  `json:"port,omitempty"`
	InternalBaseURL string `json:"internalBaseUrl,omitempty"`
	ExternalBaseURL string `json:"externalBaseUrl,omitempty"`

	SSORealm    string `json:"ssoRealm,omitempty"`
	SSOClientID string `json:"ssoClientId,omitempty"`

	// SchemaPodName and SchemaPodPhase describe the last schema preparation run.
	SchemaPodName  string `json:"schemaPodName,omitempty"`
	SchemaPodPhase string `json:"schemaPodPhase,omitempty"`

	Failure *FailureRecord `json:"failure,omitempty"`
}

// ControllerIdentity records which controller instance ran the last pass.
type ControllerIdentity struct {
	Namespace string `json:"namespace,omitempty"`
	PodName   string `json:"podName,omitempty"`
}

// DeploymentStatus is shared by every resource the controller deploys.
type DeploymentStatus struct {
	ObservedGeneration int64               `json:"observedGeneration,omitempty"`
	Phase              Phase               `json:"phase,omitempty"`
	Controller         *ControllerIdentity `json:"controller,omitempty"`

	ServerStatuses map[string]ServerStatus `json:"serverStatuses,omitempty"`
	Conditions     []metav1.Condition      `json:"conditions,omitempty"`
}

// ServerStatus returns the status for qualifier, or false when none was recorded.
func (s *DeploymentStatus) ServerStatus(qualifier string) (ServerStatus, bool) {
	if s == nil || s.ServerStatuses == nil {
		return ServerStatus{}, false
	}
	st, ok := s.ServerStatuses[qualifier]
	return st, ok
}

// PutServerStatus stores st under qualifier.
func (s *DeploymentStatus) PutServerStatus(qualifier string, st ServerStatus) {
	if s.ServerStatuses == nil {
		s.ServerStatuses = map[string]ServerStatus{}
	}
	s.ServerStatuses[qualifier] = st
}

// FirstFailure returns the failure record of any qualifier, preferring the
// lexically first qualifier so the result is stable.
func (s *DeploymentStatus) FirstFailure() *FailureRecord {
	if s == nil {
		return nil
	}
	var (
		best    *FailureRecord
		bestKey string
	)
	for k, st := range s.ServerStatuses {
		if st.Failure == nil {
			continue
		}
		if best == nil || k < bestKey {
			best, bestKey = st.Failure, k
		}
	}
	return best
}

// CustomResource is any foundry resource the controller deploys and reports on.
//
// +kubebuilder:object:generate=false
type CustomResource interface {
	metav1.Object
	runtime.Object
	ResourceKind() string
	DeploymentStatus() *DeploymentStatus
}

// ReferenceOf returns the stable identity of cr.
func ReferenceOf(cr CustomResource) ResourceReference {
	return ReferenceTo(cr.ResourceKind(), cr)
}
