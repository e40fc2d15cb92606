package kube

import (
	"context"
	"errors"
	"testing"

	"k8s.io/apimachinery/pkg/api/meta"
	"sigs.k8s.io/controller-runtime/pkg/client"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
	"github.com/bayleafwalker/foundry/internal/deploy"
)

func TestStatusClient_PhaseAndServerStatus(t *testing.T) {
	ctx := context.Background()
	cr := shop()
	c, _ := newClient(t, nil, cr)
	status := StatusClient{Client: c}

	if err := status.UpdatePhase(ctx, cr, foundryv1alpha1.PhaseStarted); err != nil {
		t.Fatalf("UpdatePhase(STARTED): %v", err)
	}
	if cr.Status.ObservedGeneration != 0 {
		t.Fatalf("STARTED must not record the observed generation")
	}
	if err := status.UpdateServerStatus(ctx, cr, "server", foundryv1alpha1.ServerStatus{ServiceName: "shop-server-service", Port: 8080}); err != nil {
		t.Fatalf("UpdateServerStatus: %v", err)
	}
	if err := status.UpdatePhase(ctx, cr, foundryv1alpha1.PhaseSuccessful); err != nil {
		t.Fatalf("UpdatePhase(SUCCESSFUL): %v", err)
	}

	var stored foundryv1alpha1.Application
	if err := c.Get(ctx, client.ObjectKeyFromObject(cr), &stored); err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status.Phase != foundryv1alpha1.PhaseSuccessful || stored.Status.ObservedGeneration != 4 {
		t.Fatalf("status = %+v", stored.Status.DeploymentStatus)
	}
	st, ok := stored.Status.ServerStatus("server")
	if !ok || st.ServiceName != "shop-server-service" {
		t.Fatalf("server status = %+v", st)
	}
	if !meta.IsStatusConditionTrue(stored.Status.Conditions, ConditionReady) {
		t.Fatalf("Ready condition not true: %+v", stored.Status.Conditions)
	}
}

func TestStatusClient_DeploymentFailedRecordsFailure(t *testing.T) {
	ctx := context.Background()
	cr := shop()
	c, _ := newClient(t, nil, cr)
	status := StatusClient{Client: c}

	podRef := foundryv1alpha1.ResourceReference{Kind: "Pod", Namespace: "apps", Name: "shop-1"}
	cause := &deploy.StepError{Step: "pod-ready", Object: &podRef, Err: errors.New("crash loop")}
	if err := status.DeploymentFailed(ctx, cr, "server", cause); err != nil {
		t.Fatalf("DeploymentFailed: %v", err)
	}

	var stored foundryv1alpha1.Application
	if err := c.Get(ctx, client.ObjectKeyFromObject(cr), &stored); err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status.Phase != foundryv1alpha1.PhaseFailed {
		t.Fatalf("phase = %q", stored.Status.Phase)
	}
	failure := stored.Status.FirstFailure()
	if failure == nil || failure.FailedObject == nil || *failure.FailedObject != podRef {
		t.Fatalf("failure = %+v", failure)
	}
	cond := meta.FindStatusCondition(stored.Status.Conditions, ConditionReady)
	if cond == nil || cond.Reason != "DeploymentFailed" {
		t.Fatalf("Ready condition = %+v", cond)
	}
}
