package v1alpha1

import (
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const ApplicationKind = "Application"

// Application is a web workload that depends on shared capabilities.
//
// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced,shortName=app
// +kubebuilder:printcolumn:name="Image",type=string,JSONPath=`.spec.image`
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`
type Application struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ApplicationSpec   `json:"spec"`
	Status ApplicationStatus `json:"status,omitempty"`
}

type ApplicationSpec struct {
	Image string `json:"image"`

	// +optional
	Replicas *int32 `json:"replicas,omitempty"`

	// Port defaults to 8080.
	// +optional
	Port int32 `json:"port,omitempty"`

	// WebContextPath defaults to "/<name>".
	// +optional
	WebContextPath string `json:"webContextPath,omitempty"`

	// HealthCheckPath is relative to WebContextPath.
	// +optional
	HealthCheckPath string `json:"healthCheckPath,omitempty"`

	// +optional
	Env []corev1.EnvVar `json:"env,omitempty"`

	// StorageSize requests a persistent volume mounted at /var/lib/app when set.
	// +optional
	StorageSize string `json:"storageSize,omitempty"`

	// +optional
	Database *CapabilityRequirement `json:"database,omitempty"`

	// +optional
	SSO *CapabilityRequirement `json:"sso,omitempty"`

	// +optional
	Ingress *IngressSettings `json:"ingress,omitempty"`

	// Permissions are granted to the application's service account in its namespace.
	// +optional
	Permissions []rbacv1.PolicyRule `json:"permissions,omitempty"`
}

type IngressSettings struct {
	// +optional
	Host string `json:"host,omitempty"`
	// +optional
	TLSSecretName string `json:"tlsSecretName,omitempty"`
	// +optional
	IngressClassName string `json:"ingressClassName,omitempty"`
	// IngressNamespace and IngressName join an existing Ingress instead of creating one.
	// +optional
	IngressNamespace string `json:"ingressNamespace,omitempty"`
	// +optional
	IngressName string `json:"ingressName,omitempty"`
}

type ApplicationStatus struct {
	DeploymentStatus `json:",inline"`
}

func (in *Application) ResourceKind() string { return ApplicationKind }

func (in *Application) DeploymentStatus() *DeploymentStatus {
	return &in.Status.DeploymentStatus
}

// ApplicationList contains a list of Application
// +kubebuilder:object:root=true
type ApplicationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Application `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Application{}, &ApplicationList{})
}
