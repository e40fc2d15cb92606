package deploy

import (
	"errors"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/bayleafwalker/foundry/internal/dbms"
)

// SchemaVersion is the version of the Deployable layout below.
const SchemaVersion = "v1"

// Deployable describes everything one qualifier of a resource needs in the
// cluster. What a container takes part in is stated by its optional
// sections, never inferred.
type Deployable struct {
	SchemaVersion string `json:"schemaVersion"`
	Qualifier     string `json:"qualifier"`
	Replicas      int32  `json:"replicas,omitempty"`

	Containers []Container `json:"containers,omitempty"`

	// ExternalService short-circuits the deployment: only a delegating
	// Service pointing at it is created.
	ExternalService *ExternalService `json:"externalService,omitempty"`

	Secrets        []corev1.Secret     `json:"secrets,omitempty"`
	ServiceAccount *ServiceAccount     `json:"serviceAccount,omitempty"`
	Ingress        *Ingress            `json:"ingress,omitempty"`
	Database       *DatabaseConnection `json:"database,omitempty"`
	SSO            *SSOConnection      `json:"sso,omitempty"`

	// AdminSecretName and SSORealm are published on the status of a
	// resource whose deployable provides a server to others.
	AdminSecretName string `json:"adminSecretName,omitempty"`
	SSORealm        string `json:"ssoRealm,omitempty"`
}

type Container struct {
	Name    string          `json:"name"`
	Image   string          `json:"image"`
	Command []string        `json:"command,omitempty"`
	Args    []string        `json:"args,omitempty"`
	Ports   []Port          `json:"ports,omitempty"`
	Env     []corev1.EnvVar `json:"env,omitempty"`

	HealthCheck *HealthCheck `json:"healthCheck,omitempty"`

	Persistence *Persistence    `json:"persistence,omitempty"`
	Ingress     *IngressPath    `json:"ingress,omitempty"`
	Database    *DatabaseSchema `json:"database,omitempty"`
	SSO         *SSOClient      `json:"sso,omitempty"`
}

type Port struct {
	Name string `json:"name"`
	Port int32  `json:"port"`
}

// HealthCheck is an HTTP GET on Path:Port, or Command when Path is empty.
type HealthCheck struct {
	Path    string   `json:"path,omitempty"`
	Port    int32    `json:"port,omitempty"`
	Command []string `json:"command,omitempty"`
}

type Persistence struct {
	MountPath        string `json:"mountPath"`
	Size             string `json:"size,omitempty"`
	StorageClassName string `json:"storageClassName,omitempty"`
}

// IngressPath exposes Port of the container under Path on the deployable's Ingress.
type IngressPath struct {
	Path string `json:"path"`
	Port int32  `json:"port"`
}

// DatabaseSchema asks for a schema prepared before the container starts.
// SecretName holds the schema user's username and password.
type DatabaseSchema struct {
	Schema     string `json:"schema"`
	SecretName string `json:"secretName"`
}

// SSOClient asks for an identity-provider client registered for the container.
type SSOClient struct {
	ClientID     string `json:"clientId,omitempty"`
	RedirectPath string `json:"redirectPath,omitempty"`
}

type ExternalService struct {
	Host            string `json:"host"`
	Port            int32  `json:"port,omitempty"`
	AdminSecretName string `json:"adminSecretName,omitempty"`
}

type ServiceAccount struct {
	Name  string              `json:"name,omitempty"`
	Rules []rbacv1.PolicyRule `json:"rules,omitempty"`
}

// Ingress places the deployable's paths on an Ingress. Namespace and Name
// select an existing, possibly shared, Ingress.
type Ingress struct {
	Host          string `json:"host"`
	TLSSecretName string `json:"tlsSecretName,omitempty"`
	ClassName     string `json:"className,omitempty"`
	Namespace     string `json:"namespace,omitempty"`
	Name          string `json:"name,omitempty"`
}

// DatabaseConnection is how schema preparation and containers reach the DBMS.
// AdminSecretName must live in the deployable's namespace.
type DatabaseConnection struct {
	Vendor          dbms.Vendor `json:"-"`
	Host            string      `json:"host"`
	Port            int32       `json:"port"`
	Database        string      `json:"database,omitempty"`
	AdminSecretName string      `json:"adminSecretName"`
}

type SSOConnection struct {
	BaseURL              string `json:"baseUrl"`
	ExternalBaseURL      string `json:"externalBaseUrl,omitempty"`
	Realm                string `json:"realm"`
	AdminSecretName      string `json:"adminSecretName"`
	AdminSecretNamespace string `json:"adminSecretNamespace"`
}

// NewDeployable applies defaults to d and validates it.
func NewDeployable(d Deployable) (Deployable, error) {
	if d.SchemaVersion == "" {
		d.SchemaVersion = SchemaVersion
	}
	if d.Replicas == 0 {
		d.Replicas = 1
	}
	return d, d.Validate()
}

// Validate reports every problem that would make the deployable fail in the cluster.
func (d Deployable) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if d.SchemaVersion != "" && d.SchemaVersion != SchemaVersion {
		bad("schemaVersion", "unsupported version %q, expected %q", d.SchemaVersion, SchemaVersion)
	}
	if strings.TrimSpace(d.Qualifier) == "" {
		bad("qualifier", "is required")
	}
	if d.ExternalService != nil {
		if strings.TrimSpace(d.ExternalService.Host) == "" {
			bad("externalService.host", "is required")
		}
		return errors.Join(errs...)
	}
	if len(d.Containers) == 0 {
		bad("containers", "at least one container is required")
	}
	if d.Ingress != nil && strings.TrimSpace(d.Ingress.Host) == "" {
		bad("ingress.host", "is required")
	}

	seen := map[string]bool{}
	for i, c := range d.Containers {
		field := fmt.Sprintf("containers[%d]", i)
		switch {
		case strings.TrimSpace(c.Name) == "":
			bad(field+".name", "is required")
		case seen[c.Name]:
			bad(field+".name", "duplicate container %q", c.Name)
		}
		seen[c.Name] = true
		if strings.TrimSpace(c.Image) == "" {
			bad(field+".image", "is required")
		}
		if c.Persistence != nil {
			if strings.TrimSpace(c.Persistence.MountPath) == "" {
				bad(field+".persistence.mountPath", "is required")
			}
			if c.Persistence.Size != "" {
				if _, err := resource.ParseQuantity(c.Persistence.Size); err != nil {
					bad(field+".persistence.size", "%v", err)
				}
			}
		}
		if c.Ingress != nil {
			if d.Ingress == nil {
				bad(field+".ingress", "container exposes a path but the deployable has no ingress")
			}
			if !strings.HasPrefix(c.Ingress.Path, "/") {
				bad(field+".ingress.path", "must start with '/', got %q", c.Ingress.Path)
			}
		}
		if c.Database != nil {
			if d.Database == nil {
				bad(field+".database", "container needs a schema but the deployable has no database connection")
			}
			if strings.TrimSpace(c.Database.Schema) == "" || strings.TrimSpace(c.Database.SecretName) == "" {
				bad(field+".database", "schema and secretName are required")
			}
		}
		if c.SSO != nil && d.SSO == nil {
			bad(field+".sso", "container needs an SSO client but the deployable has no SSO connection")
		}
	}
	return errors.Join(errs...)
}

// ports lists every container port, in container order.
func (d Deployable) ports() []Port {
	var out []Port
	for _, c := range d.Containers {
		out = append(out, c.Ports...)
	}
	return out
}
