package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
)

// memStore is an in-memory Store whose capabilities complete as soon as they are awaited.
type memStore struct {
	mu      sync.Mutex
	objects map[string]*foundryv1alpha1.ProvidedCapability
	clock   int64

	creates      int
	patches      int
	commenceWait int
	// complete decides the phase a capability reaches when awaited.
	complete func(*foundryv1alpha1.ProvidedCapability)
	// waitErr is returned from WaitForCompletion when set.
	waitErr error
}

func newMemStore(existing ...*foundryv1alpha1.ProvidedCapability) *memStore {
	s := &memStore{objects: map[string]*foundryv1alpha1.ProvidedCapability{}}
	for _, pc := range existing {
		s.put(pc.DeepCopy())
	}
	return s
}

func (s *memStore) put(pc *foundryv1alpha1.ProvidedCapability) {
	s.clock++
	if pc.CreationTimestamp.IsZero() {
		pc.CreationTimestamp = metav1.NewTime(time.Unix(s.clock, 0))
	}
	s.objects[pc.Namespace+"/"+pc.Name] = pc
}

func (s *memStore) FindByName(_ context.Context, namespace, name string) (*foundryv1alpha1.ProvidedCapability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc, ok := s.objects[namespace+"/"+name]; ok {
		return pc.DeepCopy(), nil
	}
	return nil, nil
}

func (s *memStore) FindByLabels(_ context.Context, namespace string, want map[string]string) (*foundryv1alpha1.ProvidedCapability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel := labels.SelectorFromSet(want)
	var matches []*foundryv1alpha1.ProvidedCapability
	for _, pc := range s.objects {
		if namespace != "" && pc.Namespace != namespace {
			continue
		}
		if sel.Matches(labels.Set(pc.Labels)) {
			matches = append(matches, pc)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreationTimestamp.Before(&matches[j].CreationTimestamp)
	})
	return matches[0].DeepCopy(), nil
}

func (s *memStore) CreateOrPatch(_ context.Context, pc *foundryv1alpha1.ProvidedCapability) (*foundryv1alpha1.ProvidedCapability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pc.Namespace + "/" + pc.Name
	if existing, ok := s.objects[key]; ok {
		s.patches++
		existing.Spec = *pc.Spec.DeepCopy()
		existing.Generation++
		return existing.DeepCopy(), nil
	}
	s.creates++
	stored := pc.DeepCopy()
	stored.Generation = 1
	s.put(stored)
	return stored.DeepCopy(), nil
}

func (s *memStore) WaitForCompletion(_ context.Context, pc *foundryv1alpha1.ProvidedCapability, _ time.Duration) (*foundryv1alpha1.ProvidedCapability, error) {
	if s.waitErr != nil {
		return nil, s.waitErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.objects[pc.Namespace+"/"+pc.Name]
	if !Completed(stored) {
		if s.complete != nil {
			s.complete(stored)
		} else {
			succeed(stored)
		}
	}
	return stored.DeepCopy(), nil
}

func (s *memStore) WaitForCommencement(_ context.Context, pc *foundryv1alpha1.ProvidedCapability, _ time.Duration) (*foundryv1alpha1.ProvidedCapability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commenceWait++
	return s.objects[pc.Namespace+"/"+pc.Name].DeepCopy(), nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

func succeed(pc *foundryv1alpha1.ProvidedCapability) {
	pc.Status.Phase = foundryv1alpha1.PhaseSuccessful
	pc.Status.ObservedGeneration = pc.Generation
	pc.Status.PutServerStatus(ProvisioningQualifier, foundryv1alpha1.ServerStatus{
		ServiceName:     pc.Name + "-server-service",
		Port:            5432,
		AdminSecretName: pc.Name + "-admin-secret",
	})
}

type failure struct {
	ref       string
	qualifier string
	err       error
}

type recordingStatus struct {
	failures []failure
}

func (r *recordingStatus) DeploymentFailed(_ context.Context, cr foundryv1alpha1.CustomResource, qualifier string, cause error) error {
	r.failures = append(r.failures, failure{ref: foundryv1alpha1.ReferenceOf(cr).String(), qualifier: qualifier, err: cause})
	return nil
}

func testScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(scheme)
	require.NoError(t, foundryv1alpha1.AddToScheme(scheme))
	return scheme
}

func app(name string) *foundryv1alpha1.Application {
	return &foundryv1alpha1.Application{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "apps", UID: types.UID("uid-" + name)},
	}
}

func capabilityFixture(ns, name string, scope foundryv1alpha1.CapabilityScope, spec foundryv1alpha1.CapabilityRequirement) *foundryv1alpha1.ProvidedCapability {
	pc := &foundryv1alpha1.ProvidedCapability{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Labels: map[string]string{
				LabelCapability: spec.Capability.Label(),
				LabelScope:      scope.Label(),
			},
		},
		Spec: spec,
	}
	if spec.Implementation != "" {
		pc.Labels[LabelImplementation] = spec.Implementation
	}
	succeed(pc)
	return pc
}

func TestResolve_CreatesNamespaceDefaultInEmptyNamespace(t *testing.T) {
	store := newMemStore()
	r := &Resolver{Store: store, Scheme: testScheme(t)}

	res := r.Resolve(context.Background(), app("web"), foundryv1alpha1.CapabilityRequirement{
		Capability:                foundryv1alpha1.CapabilityDBMS,
		ResolutionScopePreference: []foundryv1alpha1.CapabilityScope{foundryv1alpha1.CapabilityScopeNamespace},
	}, time.Second)

	require.NoError(t, res.Err)
	require.NotNil(t, res.Capability)
	assert.Equal(t, 1, store.count())
	assert.Equal(t, "default-dbms-in-namespace", res.Capability.Name)
	assert.Equal(t, "apps", res.Capability.Namespace)
	assert.Equal(t, "dbms", res.Capability.Labels[LabelCapability])
	assert.Equal(t, "namespace", res.Capability.Labels[LabelScope])
	assert.Equal(t, "Application/apps/web", res.Capability.Annotations[AnnotationOrigin])
	assert.Empty(t, res.Capability.OwnerReferences, "shared capabilities must not be owned by one consumer")

	assert.Equal(t, "default-dbms-in-namespace-server-service", res.Provisioning.ServiceName)
	assert.Equal(t, "default-dbms-in-namespace-server-service.apps.svc.cluster.local", res.Provisioning.ServiceFQDN())
	assert.Equal(t, int32(5432), res.Provisioning.Port)
}

func TestResolve_IsIdempotent(t *testing.T) {
	store := newMemStore()
	r := &Resolver{Store: store}
	req := foundryv1alpha1.CapabilityRequirement{Capability: foundryv1alpha1.CapabilityDBMS, Implementation: "postgresql"}

	first := r.Resolve(context.Background(), app("web"), req, time.Second)
	second := r.Resolve(context.Background(), app("web"), req, time.Second)

	require.NoError(t, first.Err)
	require.NoError(t, second.Err)
	assert.Equal(t, foundryv1alpha1.ReferenceOf(first.Capability), foundryv1alpha1.ReferenceOf(second.Capability))
	assert.Equal(t, "default-postgresql-dbms-in-namespace", first.Capability.Name)
	assert.Equal(t, 1, store.creates)
	assert.Equal(t, 0, store.patches)
}

func TestResolve_ScopePriorityPrefersDedicated(t *testing.T) {
	spec := foundryv1alpha1.CapabilityRequirement{
		Capability:                foundryv1alpha1.CapabilityDBMS,
		ResolutionScopePreference: []foundryv1alpha1.CapabilityScope{foundryv1alpha1.CapabilityScopeDedicated, foundryv1alpha1.CapabilityScopeCluster},
	}
	clusterWide := capabilityFixture("infra", "shared-db", foundryv1alpha1.CapabilityScopeCluster, spec)
	dedicated := capabilityFixture("apps", "web-db", foundryv1alpha1.CapabilityScopeDedicated, spec)
	store := newMemStore(clusterWide, dedicated)
	r := &Resolver{Store: store}

	res := r.Resolve(context.Background(), app("web"), spec, time.Second)

	require.NoError(t, res.Err)
	assert.Equal(t, "web-db", res.Capability.Name)
	assert.Equal(t, 0, store.creates)
}

func TestResolve_FallsThroughToClusterScope(t *testing.T) {
	spec := foundryv1alpha1.CapabilityRequirement{
		Capability:                foundryv1alpha1.CapabilityDBMS,
		ResolutionScopePreference: []foundryv1alpha1.CapabilityScope{foundryv1alpha1.CapabilityScopeDedicated, foundryv1alpha1.CapabilityScopeCluster},
	}
	store := newMemStore(capabilityFixture("infra", "shared-db", foundryv1alpha1.CapabilityScopeCluster, spec))
	r := &Resolver{Store: store}

	res := r.Resolve(context.Background(), app("web"), spec, time.Second)

	require.NoError(t, res.Err)
	assert.Equal(t, "infra", res.Capability.Namespace)
	assert.Equal(t, "shared-db", res.Capability.Name)
}

func TestResolve_RejectsScopeMismatch(t *testing.T) {
	// Found by its dedicated name, but the capability only serves CLUSTER requests.
	found := capabilityFixture("apps", "web-db", foundryv1alpha1.CapabilityScopeCluster, foundryv1alpha1.CapabilityRequirement{
		Capability:                foundryv1alpha1.CapabilityDBMS,
		ResolutionScopePreference: []foundryv1alpha1.CapabilityScope{foundryv1alpha1.CapabilityScopeCluster},
	})
	status := &recordingStatus{}
	r := &Resolver{Store: newMemStore(found), Status: status}

	res := r.Resolve(context.Background(), app("web"), foundryv1alpha1.CapabilityRequirement{
		Capability:                foundryv1alpha1.CapabilityDBMS,
		ResolutionScopePreference: []foundryv1alpha1.CapabilityScope{foundryv1alpha1.CapabilityScopeDedicated},
	}, time.Second)

	require.True(t, res.Failed())
	var verr *ValidationError
	require.ErrorAs(t, res.Err, &verr)
	assert.Contains(t, verr.Error(), "expected one of the scopes [DEDICATED] but found [CLUSTER]")
	require.NotNil(t, res.Capability)

	require.Len(t, status.failures, 1, "a capability that was not created for this resource must not be marked failed")
	assert.Equal(t, "Application/apps/web", status.failures[0].ref)
	assert.Equal(t, "dbms", status.failures[0].qualifier)
}

func TestResolve_RejectsImplementationMismatch(t *testing.T) {
	found := capabilityFixture("apps", "web-db", foundryv1alpha1.CapabilityScopeDedicated, foundryv1alpha1.CapabilityRequirement{
		Capability:                foundryv1alpha1.CapabilityDBMS,
		Implementation:            "mysql",
		ResolutionScopePreference: []foundryv1alpha1.CapabilityScope{foundryv1alpha1.CapabilityScopeDedicated},
	})
	r := &Resolver{Store: newMemStore(found)}

	res := r.Resolve(context.Background(), app("web"), foundryv1alpha1.CapabilityRequirement{
		Capability:                foundryv1alpha1.CapabilityDBMS,
		Implementation:            "postgresql",
		ResolutionScopePreference: []foundryv1alpha1.CapabilityScope{foundryv1alpha1.CapabilityScopeDedicated},
	}, time.Second)

	var verr *ValidationError
	require.ErrorAs(t, res.Err, &verr)
	assert.Equal(t, "postgresql", verr.Expected)
	assert.Equal(t, "mysql", verr.Actual)
}

func TestResolve_ConfigurationErrors(t *testing.T) {
	cases := map[string]foundryv1alpha1.CapabilityRequirement{
		"labeled without selector": {
			Capability:                foundryv1alpha1.CapabilityDBMS,
			ResolutionScopePreference: []foundryv1alpha1.CapabilityScope{foundryv1alpha1.CapabilityScopeLabeled},
		},
		"specified without reference": {
			Capability:                foundryv1alpha1.CapabilitySSO,
			ResolutionScopePreference: []foundryv1alpha1.CapabilityScope{foundryv1alpha1.CapabilityScopeSpecified},
		},
		"unknown scope": {
			Capability:                foundryv1alpha1.CapabilityDBMS,
			ResolutionScopePreference: []foundryv1alpha1.CapabilityScope{"GALAXY"},
		},
		"missing capability": {},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			store := newMemStore()
			status := &recordingStatus{}
			r := &Resolver{Store: store, Status: status}

			res := r.Resolve(context.Background(), app("web"), req, time.Second)

			var cerr *ConfigurationError
			require.ErrorAs(t, res.Err, &cerr)
			assert.Equal(t, 0, store.count())
			assert.Len(t, status.failures, 1)
		})
	}
}

func TestResolve_DedicatedIsOwnedByResource(t *testing.T) {
	store := newMemStore()
	r := &Resolver{Store: store, Scheme: testScheme(t)}

	res := r.Resolve(context.Background(), app("web"), foundryv1alpha1.CapabilityRequirement{
		Capability:                foundryv1alpha1.CapabilitySSO,
		ResolutionScopePreference: []foundryv1alpha1.CapabilityScope{foundryv1alpha1.CapabilityScopeDedicated},
	}, time.Second)

	require.NoError(t, res.Err)
	assert.Equal(t, "web-sso", res.Capability.Name)
	require.Len(t, res.Capability.OwnerReferences, 1)
	assert.Equal(t, "web", res.Capability.OwnerReferences[0].Name)
}

func TestResolve_LabeledCopiesSelectorIntoLabels(t *testing.T) {
	store := newMemStore()
	r := &Resolver{Store: store, newSuffix: func() string { return "a1b2c3d4" }}
	req := foundryv1alpha1.CapabilityRequirement{
		Capability:                foundryv1alpha1.CapabilityDBMS,
		Implementation:            "mysql",
		ResolutionScopePreference: []foundryv1alpha1.CapabilityScope{foundryv1alpha1.CapabilityScopeLabeled},
		Selector:                  map[string]string{"tier": "gold"},
	}

	res := r.Resolve(context.Background(), app("web"), req, time.Second)

	require.NoError(t, res.Err)
	assert.Equal(t, "mysql-dbms-a1b2c3d4", res.Capability.Name)
	assert.Equal(t, "gold", res.Capability.Labels["tier"])
	assert.Equal(t, "labeled", res.Capability.Labels[LabelScope])

	again := r.Resolve(context.Background(), app("other"), req, time.Second)
	require.NoError(t, again.Err)
	assert.Equal(t, "mysql-dbms-a1b2c3d4", again.Capability.Name)
	assert.Equal(t, 1, store.creates)
}

func TestResolve_LabeledMatchesAcrossNamespaces(t *testing.T) {
	req := foundryv1alpha1.CapabilityRequirement{
		Capability:                foundryv1alpha1.CapabilityDBMS,
		ResolutionScopePreference: []foundryv1alpha1.CapabilityScope{foundryv1alpha1.CapabilityScopeLabeled},
		Selector:                  map[string]string{"tier": "gold"},
	}
	gold := capabilityFixture("shared-infra", "gold-db", foundryv1alpha1.CapabilityScopeLabeled, req)
	gold.Labels["tier"] = "gold"
	store := newMemStore(gold)
	r := &Resolver{Store: store}

	res := r.Resolve(context.Background(), app("web"), req, time.Second)

	require.NoError(t, res.Err)
	assert.Equal(t, "shared-infra", res.Capability.Namespace)
	assert.Equal(t, "gold-db", res.Capability.Name)
	assert.Equal(t, 0, store.creates)
}

func TestResolve_ClusterScopeCreatesInControllerNamespace(t *testing.T) {
	store := newMemStore()
	r := &Resolver{Store: store, ControllerNamespace: "foundry-system"}

	res := r.Resolve(context.Background(), app("web"), foundryv1alpha1.CapabilityRequirement{
		Capability:                foundryv1alpha1.CapabilitySSO,
		Implementation:            "keycloak",
		ResolutionScopePreference: []foundryv1alpha1.CapabilityScope{foundryv1alpha1.CapabilityScopeCluster},
	}, time.Second)

	require.NoError(t, res.Err)
	assert.Equal(t, "foundry-system", res.Capability.Namespace)
	assert.Equal(t, "default-keycloak-sso-in-cluster", res.Capability.Name)
}

func TestResolve_SpecifiedCreatesExactTarget(t *testing.T) {
	store := newMemStore()
	r := &Resolver{Store: store}

	res := r.Resolve(context.Background(), app("web"), foundryv1alpha1.CapabilityRequirement{
		Capability:                foundryv1alpha1.CapabilityDBMS,
		ResolutionScopePreference: []foundryv1alpha1.CapabilityScope{foundryv1alpha1.CapabilityScopeSpecified},
		SpecifiedCapability:       &foundryv1alpha1.ResourceReference{Namespace: "data", Name: "orders-db"},
	}, time.Second)

	require.NoError(t, res.Err)
	assert.Equal(t, "data", res.Capability.Namespace)
	assert.Equal(t, "orders-db", res.Capability.Name)
}

func TestResolve_ResyncsParametersOfOwnedCapability(t *testing.T) {
	store := newMemStore()
	r := &Resolver{Store: store}
	req := foundryv1alpha1.CapabilityRequirement{
		Capability:           foundryv1alpha1.CapabilityDBMS,
		CapabilityParameters: map[string]string{"version": "^15"},
	}
	require.NoError(t, r.Resolve(context.Background(), app("web"), req, time.Second).Err)

	req.CapabilityParameters = map[string]string{"version": "^16"}
	res := r.Resolve(context.Background(), app("web"), req, time.Second)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, store.patches)
	assert.Equal(t, 1, store.commenceWait)
	assert.Equal(t, "^16", res.Capability.Spec.CapabilityParameters["version"])

	// Another resource sharing the capability does not get to rewrite it.
	req.CapabilityParameters = map[string]string{"version": "^13"}
	res = r.Resolve(context.Background(), app("other"), req, time.Second)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, store.patches)
	assert.Equal(t, "^16", res.Capability.Spec.CapabilityParameters["version"])
}

func TestResolve_TimeoutBecomesFailureOnBothSides(t *testing.T) {
	store := newMemStore()
	store.waitErr = &TimeoutError{Awaiting: "completion", Timeout: time.Second}
	status := &recordingStatus{}
	r := &Resolver{Store: store, Status: status}

	res := r.Resolve(context.Background(), app("web"), foundryv1alpha1.CapabilityRequirement{Capability: foundryv1alpha1.CapabilityDBMS}, time.Second)

	var terr *TimeoutError
	require.ErrorAs(t, res.Err, &terr)
	require.NotNil(t, res.Capability)
	require.Len(t, status.failures, 2)
	assert.Equal(t, "Application/apps/web", status.failures[0].ref)
	assert.Equal(t, "ProvidedCapability/apps/default-dbms-in-namespace", status.failures[1].ref)
	assert.Equal(t, ProvisioningQualifier, status.failures[1].qualifier)
}

func TestResolve_FailedCapabilityIsAFailure(t *testing.T) {
	store := newMemStore()
	store.complete = func(pc *foundryv1alpha1.ProvidedCapability) {
		pc.Status.Phase = foundryv1alpha1.PhaseFailed
		pc.Status.ObservedGeneration = pc.Generation
		pc.Status.PutServerStatus(ProvisioningQualifier, foundryv1alpha1.ServerStatus{
			Failure: &foundryv1alpha1.FailureRecord{Message: "image pull backoff"},
		})
	}
	r := &Resolver{Store: store}

	res := r.Resolve(context.Background(), app("web"), foundryv1alpha1.CapabilityRequirement{Capability: foundryv1alpha1.CapabilityDBMS}, time.Second)

	var ferr *FailedError
	require.ErrorAs(t, res.Err, &ferr)
	assert.Contains(t, ferr.Error(), "image pull backoff")
}

type panickingStore struct{ memStore }

func (p *panickingStore) FindByLabels(context.Context, string, map[string]string) (*foundryv1alpha1.ProvidedCapability, error) {
	panic("boom")
}

func TestResolve_NeverPanics(t *testing.T) {
	r := &Resolver{Store: &panickingStore{}}
	res := r.Resolve(context.Background(), app("web"), foundryv1alpha1.CapabilityRequirement{Capability: foundryv1alpha1.CapabilityDBMS}, time.Second)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "panicked")
}

func TestResolve_StoreErrorIsReported(t *testing.T) {
	r := &Resolver{Store: &erroringStore{err: errors.New("apiserver unavailable")}}
	res := r.Resolve(context.Background(), app("web"), foundryv1alpha1.CapabilityRequirement{Capability: foundryv1alpha1.CapabilityDBMS}, time.Second)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "apiserver unavailable")
}

type erroringStore struct {
	memStore
	err error
}

func (e *erroringStore) FindByLabels(context.Context, string, map[string]string) (*foundryv1alpha1.ProvidedCapability, error) {
	return nil, fmt.Errorf("list capabilities: %w", e.err)
}
