package kube

import (
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
)

func testScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		t.Fatalf("client-go AddToScheme: %v", err)
	}
	if err := foundryv1alpha1.AddToScheme(scheme); err != nil {
		t.Fatalf("foundry AddToScheme: %v", err)
	}
	return scheme
}

func newClient(t *testing.T, funcs *interceptor.Funcs, objs ...client.Object) (client.WithWatch, *runtime.Scheme) {
	t.Helper()
	scheme := testScheme(t)
	b := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		WithStatusSubresource(&foundryv1alpha1.Application{}, &foundryv1alpha1.ProvidedCapability{})
	if funcs != nil {
		b = b.WithInterceptorFuncs(*funcs)
	}
	return b.Build(), scheme
}

func shop() *foundryv1alpha1.Application {
	return &foundryv1alpha1.Application{
		ObjectMeta: metav1.ObjectMeta{Name: "shop", Namespace: "apps", UID: "uid-shop", Generation: 4},
		Spec:       foundryv1alpha1.ApplicationSpec{Image: "registry.local/shop:1.0"},
	}
}
