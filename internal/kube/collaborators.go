package kube

import (
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/bayleafwalker/foundry/internal/deploy"
)

// NewCollaborators wires every cluster-facing collaborator of the
// orchestrator. The SSO registrar is left to the caller.
func NewCollaborators(c client.Client, reader client.Reader, scheme *runtime.Scheme, podPollInterval time.Duration) deploy.Collaborators {
	o := objects{Client: c, Scheme: scheme}
	return deploy.Collaborators{
		PVCs:            PersistentVolumeClaims{o},
		Secrets:         Secrets{o},
		ServiceAccounts: ServiceAccounts{o},
		Services:        Services{o},
		Ingresses:       Ingresses{o},
		Deployments:     Deployments{o},
		Pods:            Pods{Client: c, Reader: reader, Scheme: scheme, PollInterval: podPollInterval},
		Status:          StatusClient{Client: c},
	}
}
