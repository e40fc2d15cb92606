package controllers

import (
	"context"
	"errors"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/log"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
	"github.com/bayleafwalker/foundry/internal/capability"
	"github.com/bayleafwalker/foundry/internal/config"
	"github.com/bayleafwalker/foundry/internal/dbms"
	"github.com/bayleafwalker/foundry/internal/deploy"
	"github.com/bayleafwalker/foundry/internal/naming"
)

// Capability parameters understood by the built-in servers.
const (
	ParameterVersion     = "version"
	ParameterDatabase    = "database"
	ParameterStorageSize = "storageSize"
	ParameterHost        = "host"
	ParameterRealm       = "realm"
)

const (
	ssoAdminUser = "admin"
	ssoHTTPPort  = int32(8080)
)

// ProvidedCapabilityReconciler deploys the server behind a ProvidedCapability
// and publishes its connection data under the "server" qualifier.
//
// +kubebuilder:rbac:groups=foundry.platform,resources=providedcapabilities,verbs=get;list;watch;create;update;patch
// +kubebuilder:rbac:groups=foundry.platform,resources=providedcapabilities/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=services;secrets;persistentvolumeclaims;pods,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=networking.k8s.io,resources=ingresses,verbs=get;list;watch;create;update;patch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch;update
type ProvidedCapabilityReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder

	Config       config.Config
	Orchestrator *deploy.Orchestrator

	MaxConcurrentReconciles int
}

func (r *ProvidedCapabilityReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	foundryControllerReconcileTotal.WithLabelValues("ProvidedCapability").Inc()

	logger := log.FromContext(ctx).WithValues(
		"controller", "ProvidedCapability",
		"namespace", req.Namespace,
		"name", req.Name,
	)
	ctx = log.IntoContext(ctx, logger)

	var pc foundryv1alpha1.ProvidedCapability
	if err := r.Get(ctx, req.NamespacedName, &pc); err != nil {
		if client.IgnoreNotFound(err) == nil {
			return ctrl.Result{}, nil
		}
		foundryControllerReconcileErrorTotal.WithLabelValues("ProvidedCapability").Inc()
		return ctrl.Result{}, err
	}
	if !pc.DeletionTimestamp.IsZero() {
		return ctrl.Result{}, nil
	}
	if upToDate(&pc) {
		logger.V(1).Info("capability is up to date", "generation", pc.Generation)
		return ctrl.Result{}, nil
	}
	logger = logger.WithValues("capability", pc.Spec.Capability, "implementation", pc.Spec.Implementation)
	ctx = log.IntoContext(ctx, logger)
	logger.Info("reconciling capability", "generation", pc.Generation)

	d, err := r.deployableFor(&pc)
	if err != nil {
		var cfg *deploy.ConfigurationError
		if !errors.As(err, &cfg) {
			foundryControllerReconcileErrorTotal.WithLabelValues("ProvidedCapability").Inc()
			return ctrl.Result{}, err
		}
		logger.Info("capability cannot be deployed", "error", err.Error())
		if serr := r.Orchestrator.Status.DeploymentFailed(ctx, &pc, capability.ProvisioningQualifier, err); serr != nil {
			return ctrl.Result{}, serr
		}
		r.recordEventf(&pc, corev1.EventTypeWarning, "InvalidCapability", "%v", err)
		return ctrl.Result{}, nil
	}

	start := time.Now()
	res := r.Orchestrator.Execute(ctx, d, &pc, r.Config.DeploymentTimeout)
	deploymentDuration.WithLabelValues(foundryv1alpha1.ProvidedCapabilityKind).Observe(time.Since(start).Seconds())
	deploymentOutcomesTotal.WithLabelValues(foundryv1alpha1.ProvidedCapabilityKind, string(res.Phase)).Inc()

	if res.Failed() {
		r.recordEventf(&pc, corev1.EventTypeWarning, "DeploymentFailed", "%v", res.Err)
		return ctrl.Result{}, nil
	}
	r.recordEventf(&pc, corev1.EventTypeNormal, "Deployed", "%s capability available as %s", pc.Spec.Capability, res.Status.ServiceName)
	return ctrl.Result{}, nil
}

// deployableFor chooses the server by capability kind. Externally provided
// capabilities only get a Service pointing at the external host.
func (r *ProvidedCapabilityReconciler) deployableFor(pc *foundryv1alpha1.ProvidedCapability) (deploy.Deployable, error) {
	if ext := pc.Spec.ExternallyProvidedService; ext != nil {
		return deploy.NewDeployable(deploy.Deployable{
			Qualifier: capability.ProvisioningQualifier,
			ExternalService: &deploy.ExternalService{
				Host:            ext.Host,
				Port:            ext.Port,
				AdminSecretName: ext.AdminSecretName,
			},
		})
	}
	switch pc.Spec.Capability {
	case foundryv1alpha1.CapabilityDBMS:
		return r.dbmsServer(pc)
	case foundryv1alpha1.CapabilitySSO:
		return r.ssoServer(pc)
	default:
		return deploy.Deployable{}, &deploy.ConfigurationError{
			Field:  "capability",
			Reason: fmt.Sprintf("no server implementation for capability %q", pc.Spec.Capability),
		}
	}
}

func parameter(pc *foundryv1alpha1.ProvidedCapability, key string) string {
	return pc.Spec.CapabilityParameters[key]
}

func (r *ProvidedCapabilityReconciler) dbmsServer(pc *foundryv1alpha1.ProvidedCapability) (deploy.Deployable, error) {
	vendor, err := dbms.Lookup(pc.Spec.Implementation)
	if err != nil {
		return deploy.Deployable{}, &deploy.ConfigurationError{Field: "implementation", Reason: err.Error()}
	}
	image, err := vendor.ImageFor(r.Config.DBMS.ImageFor(vendor.Name, vendor.Image), parameter(pc, ParameterVersion))
	if err != nil {
		return deploy.Deployable{}, &deploy.ConfigurationError{Field: "capabilityParameters.version", Reason: err.Error()}
	}

	admin := credentialsSecret(pc.Namespace, naming.Object(pc.Name, capability.ProvisioningQualifier, "admin"), vendor.AdminUser())
	var env []corev1.EnvVar
	if vendor.AdminUserEnv != "" {
		env = append(env, secretKeyEnv(vendor.AdminUserEnv, admin.Name, dbms.SecretUsernameKey))
	}
	env = append(env, secretKeyEnv(vendor.AdminPasswordEnv, admin.Name, dbms.SecretPasswordKey))
	if db := parameter(pc, ParameterDatabase); db != "" && vendor.DatabaseEnv != "" {
		env = append(env, corev1.EnvVar{Name: vendor.DatabaseEnv, Value: db})
	}
	if vendor.DataDirEnv != "" {
		env = append(env, corev1.EnvVar{Name: vendor.DataDirEnv, Value: vendor.DataDir})
	}

	return deploy.NewDeployable(deploy.Deployable{
		Qualifier: capability.ProvisioningQualifier,
		Containers: []deploy.Container{{
			Name:        vendor.Name,
			Image:       image,
			Ports:       []deploy.Port{{Name: "db", Port: vendor.Port}},
			Env:         env,
			HealthCheck: &deploy.HealthCheck{Command: vendor.HealthCheck},
			Persistence: &deploy.Persistence{MountPath: vendor.DataPath, Size: parameter(pc, ParameterStorageSize)},
		}},
		Secrets:         []corev1.Secret{admin},
		AdminSecretName: admin.Name,
	})
}

func (r *ProvidedCapabilityReconciler) ssoServer(pc *foundryv1alpha1.ProvidedCapability) (deploy.Deployable, error) {
	admin := credentialsSecret(pc.Namespace, naming.Object(pc.Name, capability.ProvisioningQualifier, "admin"), ssoAdminUser)
	realm := parameter(pc, ParameterRealm)
	if realm == "" {
		realm = r.Config.SSO.DefaultRealm
	}

	c := deploy.Container{
		Name:  "keycloak",
		Image: r.Config.SSO.Image,
		Args:  []string{"start-dev"},
		Ports: []deploy.Port{{Name: "http", Port: ssoHTTPPort}},
		Env: []corev1.EnvVar{
			secretKeyEnv("KEYCLOAK_ADMIN", admin.Name, dbms.SecretUsernameKey),
			secretKeyEnv("KEYCLOAK_ADMIN_PASSWORD", admin.Name, dbms.SecretPasswordKey),
			{Name: "KC_HTTP_PORT", Value: fmt.Sprint(ssoHTTPPort)},
			{Name: "KC_PROXY_HEADERS", Value: "xforwarded"},
		},
		HealthCheck: &deploy.HealthCheck{Path: "/realms/master", Port: ssoHTTPPort},
	}
	d := deploy.Deployable{
		Qualifier:       capability.ProvisioningQualifier,
		Secrets:         []corev1.Secret{admin},
		AdminSecretName: admin.Name,
		SSORealm:        realm,
	}

	host := parameter(pc, ParameterHost)
	if host == "" && r.Config.DefaultRoutingSuffix != "" {
		host = fmt.Sprintf("%s.%s.%s", pc.Name, pc.Namespace, r.Config.DefaultRoutingSuffix)
	}
	if host != "" {
		d.Ingress = &deploy.Ingress{Host: host}
		c.Ingress = &deploy.IngressPath{Path: "/", Port: ssoHTTPPort}
		c.Env = append(c.Env, corev1.EnvVar{Name: "KC_HOSTNAME", Value: host})
	}
	d.Containers = []deploy.Container{c}
	return deploy.NewDeployable(d)
}

func secretKeyEnv(name, secret, key string) corev1.EnvVar {
	return corev1.EnvVar{
		Name: name,
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: secret},
				Key:                  key,
			},
		},
	}
}

func (r *ProvidedCapabilityReconciler) recordEventf(obj client.Object, eventType, reason, messageFmt string, args ...any) {
	if r.Recorder == nil || obj == nil {
		return
	}
	r.Recorder.Eventf(obj, eventType, reason, messageFmt, args...)
}

func (r *ProvidedCapabilityReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&foundryv1alpha1.ProvidedCapability{}).
		Owns(&appsv1.Deployment{}).
		Owns(&corev1.Service{}).
		WithOptions(controller.Options{MaxConcurrentReconciles: max(r.MaxConcurrentReconciles, 1)}).
		Complete(r)
}
