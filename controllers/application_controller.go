package controllers

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/ptr"
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

const (
	applicationContainer   = "app"
	applicationQualifier   = "server"
	applicationDefaultPort = int32(8080)
	applicationDataPath    = "/var/lib/app"
)

// ApplicationReconciler resolves the capabilities an Application needs and
// deploys it against them.
//
// +kubebuilder:rbac:groups=foundry.platform,resources=applications,verbs=get;list;watch;update;patch
// +kubebuilder:rbac:groups=foundry.platform,resources=applications/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=foundry.platform,resources=providedcapabilities,verbs=get;list;watch;create;update;patch
// +kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=services;secrets;serviceaccounts;persistentvolumeclaims;pods,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=networking.k8s.io,resources=ingresses,verbs=get;list;watch;create;update;patch
// +kubebuilder:rbac:groups=rbac.authorization.k8s.io,resources=roles;rolebindings,verbs=get;list;watch;create;update;patch;bind;escalate
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch;update
type ApplicationReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder

	Config       config.Config
	Resolver     *capability.Resolver
	Orchestrator *deploy.Orchestrator

	// MaxConcurrentReconciles bounds parallel passes; each blocks a worker
	// for up to Config.DeploymentTimeout.
	MaxConcurrentReconciles int
}

func (r *ApplicationReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	foundryControllerReconcileTotal.WithLabelValues("Application").Inc()

	logger := log.FromContext(ctx).WithValues(
		"controller", "Application",
		"namespace", req.Namespace,
		"name", req.Name,
	)
	ctx = log.IntoContext(ctx, logger)

	var app foundryv1alpha1.Application
	if err := r.Get(ctx, req.NamespacedName, &app); err != nil {
		if client.IgnoreNotFound(err) == nil {
			return ctrl.Result{}, nil
		}
		foundryControllerReconcileErrorTotal.WithLabelValues("Application").Inc()
		return ctrl.Result{}, err
	}
	if !app.DeletionTimestamp.IsZero() {
		return ctrl.Result{}, nil
	}
	if upToDate(&app) {
		logger.V(1).Info("application is up to date", "generation", app.Generation)
		return ctrl.Result{}, nil
	}
	logger.Info("reconciling application", "generation", app.Generation)

	// 1) Capabilities
	resolved, result, err := r.resolveCapabilities(ctx, &app)
	if err != nil || resolved == nil {
		return result, err
	}

	// 2) Deployable
	d, err := r.deployableFor(ctx, &app, resolved)
	if err != nil {
		var cfg *deploy.ConfigurationError
		if !errors.As(err, &cfg) {
			foundryControllerReconcileErrorTotal.WithLabelValues("Application").Inc()
			return ctrl.Result{}, err
		}
		logger.Info("application cannot be deployed", "error", err.Error())
		if serr := r.Orchestrator.Status.DeploymentFailed(ctx, &app, applicationQualifier, err); serr != nil {
			return ctrl.Result{}, serr
		}
		r.recordEventf(&app, corev1.EventTypeWarning, "InvalidApplication", "%v", err)
		return ctrl.Result{}, nil
	}

	// 3) Deploy
	start := time.Now()
	res := r.Orchestrator.Execute(ctx, d, &app, r.Config.DeploymentTimeout)
	deploymentDuration.WithLabelValues(foundryv1alpha1.ApplicationKind).Observe(time.Since(start).Seconds())
	deploymentOutcomesTotal.WithLabelValues(foundryv1alpha1.ApplicationKind, string(res.Phase)).Inc()

	if res.Failed() {
		r.recordEventf(&app, corev1.EventTypeWarning, "DeploymentFailed", "%v", res.Err)
		return ctrl.Result{}, nil
	}
	where := res.Status.ExternalBaseURL
	if where == "" {
		where = res.Status.InternalBaseURL
	}
	r.recordEventf(&app, corev1.EventTypeNormal, "Deployed", "Application deployed at %s", where)
	return ctrl.Result{}, nil
}

// resolvedCapabilities holds what the Application's requirements resolved to.
type resolvedCapabilities struct {
	database *capability.ProvisioningResult
	sso      *capability.ProvisioningResult
}

// resolveCapabilities resolves the DBMS requirement, then the SSO
// requirement. A nil result with a nil error means resolution failed and was
// recorded on the Application.
func (r *ApplicationReconciler) resolveCapabilities(ctx context.Context, app *foundryv1alpha1.Application) (*resolvedCapabilities, ctrl.Result, error) {
	logger := log.FromContext(ctx)

	type need struct {
		kind foundryv1alpha1.StandardCapability
		req  *foundryv1alpha1.CapabilityRequirement
		dst  **capability.ProvisioningResult
	}
	out := &resolvedCapabilities{}
	needs := []need{
		{foundryv1alpha1.CapabilityDBMS, app.Spec.Database, &out.database},
		{foundryv1alpha1.CapabilitySSO, app.Spec.SSO, &out.sso},
	}
	total := 0
	for _, n := range needs {
		if n.req != nil {
			total++
		}
	}

	done := 0
	for _, n := range needs {
		if n.req == nil {
			continue
		}
		req := *n.req.DeepCopy()
		req.Capability = n.kind

		start := time.Now()
		res := r.Resolver.Resolve(ctx, app, req, r.Config.CapabilitySyncTimeout)
		capabilityResolutionDuration.WithLabelValues(n.kind.Label()).Observe(time.Since(start).Seconds())
		if res.Created {
			capabilitiesCreatedTotal.WithLabelValues(n.kind.Label()).Inc()
		}

		if res.Failed() {
			capabilityResolutionsTotal.WithLabelValues(n.kind.Label(), "failed").Inc()
			r.recordEventf(app, corev1.EventTypeWarning, "CapabilityResolutionFailed", "%s: %v", n.kind, res.Err)
			if err := r.patchCondition(ctx, app, metav1.Condition{
				Type:    ConditionCapabilitiesResolved,
				Status:  metav1.ConditionFalse,
				Reason:  "ResolutionFailed",
				Message: fmt.Sprintf("%s: %v", n.kind, res.Err),
			}); err != nil {
				foundryControllerReconcileErrorTotal.WithLabelValues("Application").Inc()
				return nil, ctrl.Result{}, err
			}
			// The failure is terminal for this generation.
			return nil, ctrl.Result{}, nil
		}

		capabilityResolutionsTotal.WithLabelValues(n.kind.Label(), "resolved").Inc()
		p := res.Provisioning
		*n.dst = &p
		done++
		logger.V(1).Info("capability resolved",
			"capability", n.kind,
			"providedCapability", foundryv1alpha1.ReferenceOf(res.Capability).String(),
		)
	}

	if err := r.patchCondition(ctx, app, metav1.Condition{
		Type:    ConditionCapabilitiesResolved,
		Status:  metav1.ConditionTrue,
		Reason:  "Resolved",
		Message: capabilitiesResolvedMessage(done, total),
	}); err != nil {
		foundryControllerReconcileErrorTotal.WithLabelValues("Application").Inc()
		return nil, ctrl.Result{}, err
	}
	return out, ctrl.Result{}, nil
}

func (r *ApplicationReconciler) patchCondition(ctx context.Context, app *foundryv1alpha1.Application, cond metav1.Condition) error {
	before := app.DeepCopy()
	setCondition(app, cond)
	return r.Status().Patch(ctx, app, client.MergeFrom(before))
}

// deployableFor describes the Application's single container and the
// capabilities it is wired to.
func (r *ApplicationReconciler) deployableFor(ctx context.Context, app *foundryv1alpha1.Application, caps *resolvedCapabilities) (deploy.Deployable, error) {
	spec := app.Spec
	port := spec.Port
	if port == 0 {
		port = applicationDefaultPort
	}
	contextPath := spec.WebContextPath
	if contextPath == "" {
		contextPath = "/" + app.Name
	}

	c := deploy.Container{
		Name:  applicationContainer,
		Image: spec.Image,
		Ports: []deploy.Port{{Name: "http", Port: port}},
		Env:   spec.Env,
	}
	if spec.HealthCheckPath != "" {
		c.HealthCheck = &deploy.HealthCheck{Path: path.Join(contextPath, spec.HealthCheckPath), Port: port}
	}
	if spec.StorageSize != "" {
		c.Persistence = &deploy.Persistence{MountPath: applicationDataPath, Size: spec.StorageSize}
	}

	d := deploy.Deployable{
		Qualifier: applicationQualifier,
		Replicas:  ptr.Deref(spec.Replicas, 1),
	}
	if len(spec.Permissions) > 0 {
		d.ServiceAccount = &deploy.ServiceAccount{Rules: spec.Permissions}
	}

	if in := spec.Ingress; in != nil {
		host := in.Host
		if host == "" && r.Config.DefaultRoutingSuffix != "" {
			host = fmt.Sprintf("%s.%s.%s", app.Name, app.Namespace, r.Config.DefaultRoutingSuffix)
		}
		d.Ingress = &deploy.Ingress{
			Host:          host,
			TLSSecretName: in.TLSSecretName,
			ClassName:     in.IngressClassName,
			Namespace:     in.IngressNamespace,
			Name:          in.IngressName,
		}
		c.Ingress = &deploy.IngressPath{Path: contextPath, Port: port}
	}

	if db := caps.database; db != nil {
		conn, secrets, err := r.databaseFor(ctx, app, db)
		if err != nil {
			return deploy.Deployable{}, err
		}
		d.Database = conn
		d.Secrets = append(d.Secrets, secrets...)
		c.Database = &deploy.DatabaseSchema{Schema: app.Name, SecretName: naming.Object(app.Name, "db", "schema")}
	}

	if sso := caps.sso; sso != nil {
		realm := sso.SSORealm
		if realm == "" {
			realm = r.Config.SSO.DefaultRealm
		}
		d.SSO = &deploy.SSOConnection{
			BaseURL:              sso.InternalBaseURL,
			ExternalBaseURL:      sso.ExternalBaseURL,
			Realm:                realm,
			AdminSecretName:      sso.AdminSecretName,
			AdminSecretNamespace: sso.Namespace,
		}
		c.SSO = &deploy.SSOClient{RedirectPath: strings.TrimSuffix(contextPath, "/") + "/"}
	}

	d.Containers = []deploy.Container{c}
	return deploy.NewDeployable(d)
}

// databaseFor connects the Application to a resolved DBMS. The admin secret
// is copied into the Application's namespace when the server lives
// elsewhere, since the schema pod can only mount local Secrets.
func (r *ApplicationReconciler) databaseFor(ctx context.Context, app *foundryv1alpha1.Application, db *capability.ProvisioningResult) (*deploy.DatabaseConnection, []corev1.Secret, error) {
	vendor, err := dbms.Lookup(db.Implementation)
	if err != nil {
		return nil, nil, &deploy.ConfigurationError{Field: "database.implementation", Reason: err.Error()}
	}
	if db.AdminSecretName == "" {
		return nil, nil, &deploy.ConfigurationError{Field: "database", Reason: "the DBMS capability publishes no admin secret"}
	}

	adminSecret := db.AdminSecretName
	if db.Namespace != app.Namespace {
		src, err := r.Orchestrator.Secrets.Load(ctx, db.Namespace, db.AdminSecretName)
		if err != nil {
			return nil, nil, fmt.Errorf("load DBMS admin secret %s/%s: %w", db.Namespace, db.AdminSecretName, err)
		}
		adminSecret = naming.Object(app.Name, "db", "admin")
		dst := corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: adminSecret, Namespace: app.Namespace},
			Type:       corev1.SecretTypeOpaque,
			Data:       src.Data,
		}
		if _, err := r.Orchestrator.Secrets.CreateOrUpdate(ctx, app, &dst); err != nil {
			return nil, nil, err
		}
	}

	host := db.ServiceFQDN()
	schema := credentialsSecret(app.Namespace, naming.Object(app.Name, "db", "schema"), dbms.SchemaName(app.Name))
	return &deploy.DatabaseConnection{
		Vendor:          vendor,
		Host:            host,
		Port:            db.Port,
		Database:        db.Parameter("database", ""),
		AdminSecretName: adminSecret,
	}, []corev1.Secret{schema}, nil
}

func (r *ApplicationReconciler) recordEventf(obj client.Object, eventType, reason, messageFmt string, args ...any) {
	if r.Recorder == nil || obj == nil {
		return
	}
	r.Recorder.Eventf(obj, eventType, reason, messageFmt, args...)
}

func (r *ApplicationReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&foundryv1alpha1.Application{}).
		Owns(&appsv1.Deployment{}).
		WithOptions(controller.Options{MaxConcurrentReconciles: max(r.MaxConcurrentReconciles, 1)}).
		Complete(r)
}
