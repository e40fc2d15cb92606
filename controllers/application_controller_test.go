package controllers

import (
	"context"
	"strings"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
	"github.com/bayleafwalker/foundry/internal/capability"
	"github.com/bayleafwalker/foundry/internal/kube"
	"github.com/bayleafwalker/foundry/internal/naming"
)

// sharedDatabase is a namespace-scoped DBMS capability whose server is
// already running.
func sharedDatabase(phase foundryv1alpha1.Phase) *foundryv1alpha1.ProvidedCapability {
	pc := &foundryv1alpha1.ProvidedCapability{
		ObjectMeta: metav1.ObjectMeta{
			Name:       "default-dbms-in-namespace",
			Namespace:  "apps",
			Generation: 1,
			Labels: map[string]string{
				capability.LabelCapability:     foundryv1alpha1.CapabilityDBMS.Label(),
				capability.LabelImplementation: "postgresql",
				capability.LabelScope:          foundryv1alpha1.CapabilityScopeNamespace.Label(),
			},
		},
		Spec: foundryv1alpha1.CapabilityRequirement{
			Capability:           foundryv1alpha1.CapabilityDBMS,
			Implementation:       "postgresql",
			CapabilityParameters: map[string]string{ParameterDatabase: "shared"},
		},
	}
	pc.Status.Phase = phase
	pc.Status.ObservedGeneration = 1
	st := foundryv1alpha1.ServerStatus{
		ServiceName:     "default-dbms-in-namespace-server-service",
		Port:            5432,
		AdminSecretName: "default-dbms-in-namespace-server-admin",
	}
	if phase == foundryv1alpha1.PhaseFailed {
		st.Failure = &foundryv1alpha1.FailureRecord{Message: "database pod crashed"}
	}
	pc.Status.PutServerStatus(capability.ProvisioningQualifier, st)
	return pc
}

func shopApplication() *foundryv1alpha1.Application {
	return &foundryv1alpha1.Application{
		ObjectMeta: metav1.ObjectMeta{Name: "shop", Namespace: "apps", UID: "uid-shop", Generation: 1},
		Spec: foundryv1alpha1.ApplicationSpec{
			Image:           "registry.local/shop:1.0",
			HealthCheckPath: "health",
			Database:        &foundryv1alpha1.CapabilityRequirement{Implementation: "postgresql"},
		},
	}
}

func newApplicationReconciler(cl client.Client, scheme *runtime.Scheme, pods *readyPods, recorder record.EventRecorder) *ApplicationReconciler {
	cfg := testConfig()
	return &ApplicationReconciler{
		Client:   cl,
		Scheme:   scheme,
		Recorder: recorder,
		Config:   cfg,
		Resolver: &capability.Resolver{
			Store:               &capability.KubeStore{Reader: cl, Writer: cl, PollInterval: 10 * time.Millisecond},
			Status:              kube.StatusClient{Client: cl},
			Scheme:              scheme,
			ControllerNamespace: cfg.ControllerNamespace,
		},
		Orchestrator: newTestOrchestrator(cl, scheme, pods),
	}
}

func reconcileApplication(t *testing.T, r *ApplicationReconciler) (ctrl.Result, *foundryv1alpha1.Application) {
	t.Helper()
	ctx := testContext(t)
	key := types.NamespacedName{Namespace: "apps", Name: "shop"}
	res, err := r.Reconcile(ctx, ctrl.Request{NamespacedName: key})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	var got foundryv1alpha1.Application
	if err := r.Get(ctx, key, &got); err != nil {
		t.Fatalf("Get application: %v", err)
	}
	return res, &got
}

func envByName(env []corev1.EnvVar) map[string]corev1.EnvVar {
	out := make(map[string]corev1.EnvVar, len(env))
	for _, e := range env {
		out[e.Name] = e
	}
	return out
}

func TestApplication_DeploysAgainstSharedDatabase(t *testing.T) {
	scheme := testScheme(t)
	cl := newFakeClient(scheme, shopApplication(), sharedDatabase(foundryv1alpha1.PhaseSuccessful))
	pods := &readyPods{}
	recorder := record.NewFakeRecorder(10)
	r := newApplicationReconciler(cl, scheme, pods, recorder)

	_, got := reconcileApplication(t, r)
	if got.Status.Phase != foundryv1alpha1.PhaseSuccessful {
		t.Fatalf("expected SUCCESSFUL, got %q (failure %+v)", got.Status.Phase, got.Status.FirstFailure())
	}
	cond := meta.FindStatusCondition(got.Status.Conditions, ConditionCapabilitiesResolved)
	if cond == nil || cond.Status != metav1.ConditionTrue || cond.Message != "1/1 required capabilities resolved" {
		t.Fatalf("unexpected CapabilitiesResolved condition %+v", cond)
	}
	if !meta.IsStatusConditionTrue(got.Status.Conditions, kube.ConditionReady) {
		t.Fatalf("expected Ready condition, got %+v", got.Status.Conditions)
	}

	ctx := context.Background()
	var schemaSecret corev1.Secret
	if err := cl.Get(ctx, types.NamespacedName{Namespace: "apps", Name: naming.Object("shop", "db", "schema")}, &schemaSecret); err != nil {
		t.Fatalf("expected schema secret: %v", err)
	}
	if string(schemaSecret.Data["username"]) != "shop" {
		t.Fatalf("expected schema user shop, got %q", schemaSecret.Data["username"])
	}

	ran, _ := pods.calls()
	if len(ran) != 1 || ran[0] != naming.Object("shop", "server", "schema-preparation") {
		t.Fatalf("expected one schema preparation pod, got %v", ran)
	}

	var dep appsv1.Deployment
	if err := cl.Get(ctx, types.NamespacedName{Namespace: "apps", Name: naming.Object("shop", "server", "deployment")}, &dep); err != nil {
		t.Fatalf("expected deployment: %v", err)
	}
	c := dep.Spec.Template.Spec.Containers[0]
	env := envByName(c.Env)
	if got := env["DB_ADDR"].Value; got != "default-dbms-in-namespace-server-service.apps.svc.cluster.local" {
		t.Fatalf("unexpected DB_ADDR %q", got)
	}
	if got := env["DB_URL"].Value; got != "postgresql://default-dbms-in-namespace-server-service.apps.svc.cluster.local:5432/shared" {
		t.Fatalf("unexpected DB_URL %q", got)
	}
	if ref := env["DB_PASSWORD"].ValueFrom; ref == nil || ref.SecretKeyRef.Name != schemaSecret.Name {
		t.Fatalf("expected DB_PASSWORD from %s, got %+v", schemaSecret.Name, ref)
	}
	if c.ReadinessProbe == nil || c.ReadinessProbe.HTTPGet == nil || c.ReadinessProbe.HTTPGet.Path != "/shop/health" {
		t.Fatalf("expected HTTP readiness probe on /shop/health, got %+v", c.ReadinessProbe)
	}
	if len(c.Ports) != 1 || c.Ports[0].ContainerPort != 8080 {
		t.Fatalf("expected default port 8080, got %+v", c.Ports)
	}
}

func TestApplication_CopiesAdminSecretFromOtherNamespace(t *testing.T) {
	scheme := testScheme(t)
	db := sharedDatabase(foundryv1alpha1.PhaseSuccessful)
	db.Namespace = "foundry-system"
	db.Labels[capability.LabelScope] = foundryv1alpha1.CapabilityScopeCluster.Label()
	db.Spec.ResolutionScopePreference = []foundryv1alpha1.CapabilityScope{foundryv1alpha1.CapabilityScopeCluster}
	admin := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "default-dbms-in-namespace-server-admin", Namespace: "foundry-system"},
		Data:       map[string][]byte{"username": []byte("postgres"), "password": []byte("s3cret")},
	}
	app := shopApplication()
	app.Spec.Database.ResolutionScopePreference = []foundryv1alpha1.CapabilityScope{foundryv1alpha1.CapabilityScopeCluster}

	cl := newFakeClient(scheme, app, db, admin)
	r := newApplicationReconciler(cl, scheme, &readyPods{}, nil)

	_, got := reconcileApplication(t, r)
	if got.Status.Phase != foundryv1alpha1.PhaseSuccessful {
		t.Fatalf("expected SUCCESSFUL, got %q (failure %+v)", got.Status.Phase, got.Status.FirstFailure())
	}

	var copied corev1.Secret
	name := naming.Object("shop", "db", "admin")
	if err := cl.Get(context.Background(), types.NamespacedName{Namespace: "apps", Name: name}, &copied); err != nil {
		t.Fatalf("expected copied admin secret: %v", err)
	}
	if string(copied.Data["password"]) != "s3cret" {
		t.Fatalf("expected copied password, got %q", copied.Data["password"])
	}
	if len(copied.OwnerReferences) != 1 || copied.OwnerReferences[0].Name != "shop" {
		t.Fatalf("expected copy owned by the application, got %+v", copied.OwnerReferences)
	}
}

func TestApplication_FailedCapabilityIsRecorded(t *testing.T) {
	scheme := testScheme(t)
	cl := newFakeClient(scheme, shopApplication(), sharedDatabase(foundryv1alpha1.PhaseFailed))
	pods := &readyPods{}
	recorder := record.NewFakeRecorder(10)
	r := newApplicationReconciler(cl, scheme, pods, recorder)

	res, got := reconcileApplication(t, r)
	if res.RequeueAfter != 0 {
		t.Fatalf("a failed capability is not retried, got RequeueAfter %s", res.RequeueAfter)
	}
	if got.Status.Phase != foundryv1alpha1.PhaseFailed {
		t.Fatalf("expected FAILED, got %q", got.Status.Phase)
	}
	f := got.Status.FirstFailure()
	if f == nil || !strings.Contains(f.Message, "database pod crashed") {
		t.Fatalf("expected the capability failure on the application, got %+v", f)
	}
	if !meta.IsStatusConditionFalse(got.Status.Conditions, ConditionCapabilitiesResolved) {
		t.Fatalf("expected CapabilitiesResolved=False, got %+v", got.Status.Conditions)
	}
	if ev := <-recorder.Events; !strings.HasPrefix(ev, "Warning CapabilityResolutionFailed") {
		t.Fatalf("unexpected event %q", ev)
	}
	if _, waits := pods.calls(); waits != 0 {
		t.Fatalf("expected no deployment pass")
	}
	var dep appsv1.Deployment
	err := cl.Get(context.Background(), types.NamespacedName{Namespace: "apps", Name: naming.Object("shop", "server", "deployment")}, &dep)
	if client.IgnoreNotFound(err) != nil || err == nil {
		t.Fatalf("expected no deployment, got err=%v", err)
	}
}

func TestApplication_InvalidSpecFailsWithoutDeploying(t *testing.T) {
	scheme := testScheme(t)
	app := shopApplication()
	app.Spec.Image = ""
	app.Spec.Database = nil
	cl := newFakeClient(scheme, app)
	pods := &readyPods{}
	recorder := record.NewFakeRecorder(10)
	r := newApplicationReconciler(cl, scheme, pods, recorder)

	_, got := reconcileApplication(t, r)
	if got.Status.Phase != foundryv1alpha1.PhaseFailed {
		t.Fatalf("expected FAILED, got %q", got.Status.Phase)
	}
	cond := meta.FindStatusCondition(got.Status.Conditions, ConditionCapabilitiesResolved)
	if cond == nil || cond.Message != "No capabilities required" {
		t.Fatalf("unexpected CapabilitiesResolved condition %+v", cond)
	}
	if ev := <-recorder.Events; !strings.HasPrefix(ev, "Warning InvalidApplication") {
		t.Fatalf("unexpected event %q", ev)
	}
	if _, waits := pods.calls(); waits != 0 {
		t.Fatalf("expected no deployment pass")
	}
}

func TestApplication_GenerationGuard(t *testing.T) {
	for _, phase := range []foundryv1alpha1.Phase{foundryv1alpha1.PhaseSuccessful, foundryv1alpha1.PhaseFailed} {
		t.Run(string(phase), func(t *testing.T) {
			scheme := testScheme(t)
			app := shopApplication()
			app.Status.Phase = phase
			app.Status.ObservedGeneration = 1
			cl := newFakeClient(scheme, app, sharedDatabase(foundryv1alpha1.PhaseSuccessful))
			pods := &readyPods{}
			r := newApplicationReconciler(cl, scheme, pods, nil)

			_, got := reconcileApplication(t, r)
			if got.Status.Phase != phase {
				t.Fatalf("expected status untouched at %q, got %q", phase, got.Status.Phase)
			}
			if len(got.Status.Conditions) != 0 {
				t.Fatalf("expected no conditions written, got %+v", got.Status.Conditions)
			}
			if ran, waits := pods.calls(); len(ran) != 0 || waits != 0 {
				t.Fatalf("expected no pod activity, got runs %v and %d waits", ran, waits)
			}
			var list foundryv1alpha1.ProvidedCapabilityList
			if err := cl.List(context.Background(), &list); err != nil {
				t.Fatalf("List capabilities: %v", err)
			}
			if len(list.Items) != 1 {
				t.Fatalf("expected only the existing capability, got %d", len(list.Items))
			}
		})
	}
}

func TestApplication_NewGenerationAfterFailureRedeploys(t *testing.T) {
	scheme := testScheme(t)
	app := shopApplication()
	app.Generation = 2
	app.Status.Phase = foundryv1alpha1.PhaseFailed
	app.Status.ObservedGeneration = 1
	cl := newFakeClient(scheme, app, sharedDatabase(foundryv1alpha1.PhaseSuccessful))
	r := newApplicationReconciler(cl, scheme, &readyPods{}, nil)

	_, got := reconcileApplication(t, r)
	if got.Status.Phase != foundryv1alpha1.PhaseSuccessful || got.Status.ObservedGeneration != 2 {
		t.Fatalf("expected SUCCESSFUL for generation 2, got %q/%d", got.Status.Phase, got.Status.ObservedGeneration)
	}
}

func TestVerifyAPIs(t *testing.T) {
	mapper := meta.NewDefaultRESTMapper([]schema.GroupVersion{foundryv1alpha1.GroupVersion})
	mapper.Add(foundryv1alpha1.GroupVersion.WithKind(foundryv1alpha1.ApplicationKind), meta.RESTScopeNamespace)

	err := VerifyAPIs(mapper)
	if err == nil || !strings.Contains(err.Error(), foundryv1alpha1.ProvidedCapabilityKind) {
		t.Fatalf("expected missing ProvidedCapability to be reported, got %v", err)
	}
	if strings.Contains(err.Error(), "Application.") {
		t.Fatalf("Application is served and must not be reported: %v", err)
	}

	mapper.Add(foundryv1alpha1.GroupVersion.WithKind(foundryv1alpha1.ProvidedCapabilityKind), meta.RESTScopeNamespace)
	if err := VerifyAPIs(mapper); err != nil {
		t.Fatalf("VerifyAPIs: %v", err)
	}
}
