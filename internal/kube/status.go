package kube

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
	"github.com/bayleafwalker/foundry/internal/deploy"
)

// StatusClient patches the deployment status of foundry resources. It is
// used by the orchestrator and to record capability resolution failures.
type StatusClient struct {
	Client client.Client
}

func (s StatusClient) patch(ctx context.Context, cr foundryv1alpha1.CustomResource, mutate func(*foundryv1alpha1.DeploymentStatus)) error {
	before, ok := cr.DeepCopyObject().(client.Object)
	if !ok {
		return fmt.Errorf("%T is not a client.Object", cr)
	}
	mutate(cr.DeploymentStatus())
	if err := s.Client.Status().Patch(ctx, cr, client.MergeFrom(before)); err != nil {
		return fmt.Errorf("patch status of %s: %w", foundryv1alpha1.ReferenceOf(cr), err)
	}
	return nil
}

func (s StatusClient) UpdateServerStatus(ctx context.Context, cr foundryv1alpha1.CustomResource, qualifier string, st foundryv1alpha1.ServerStatus) error {
	return s.patch(ctx, cr, func(status *foundryv1alpha1.DeploymentStatus) {
		status.PutServerStatus(qualifier, st)
	})
}

// UpdatePhase records phase. A finished phase also records the generation it answers.
func (s StatusClient) UpdatePhase(ctx context.Context, cr foundryv1alpha1.CustomResource, phase foundryv1alpha1.Phase) error {
	return s.patch(ctx, cr, func(status *foundryv1alpha1.DeploymentStatus) {
		status.Phase = phase
		if phase.Finished() {
			status.ObservedGeneration = cr.GetGeneration()
		}
		SetReadyCondition(status, cr.GetGeneration(), phase, "")
	})
}

// DeploymentFailed stores the failure under qualifier and marks the pass FAILED.
func (s StatusClient) DeploymentFailed(ctx context.Context, cr foundryv1alpha1.CustomResource, qualifier string, cause error) error {
	rec := deploy.FailureRecordFor(cause)
	return s.patch(ctx, cr, func(status *foundryv1alpha1.DeploymentStatus) {
		st, _ := status.ServerStatus(qualifier)
		st.Failure = &rec
		status.PutServerStatus(qualifier, st)
		status.Phase = foundryv1alpha1.PhaseFailed
		status.ObservedGeneration = cr.GetGeneration()
		SetReadyCondition(status, cr.GetGeneration(), foundryv1alpha1.PhaseFailed, rec.Message)
	})
}

const ConditionReady = "Ready"

// SetReadyCondition mirrors phase into the Ready condition.
func SetReadyCondition(status *foundryv1alpha1.DeploymentStatus, generation int64, phase foundryv1alpha1.Phase, message string) {
	cond := metav1.Condition{Type: ConditionReady, ObservedGeneration: generation}
	switch phase {
	case foundryv1alpha1.PhaseSuccessful:
		cond.Status, cond.Reason = metav1.ConditionTrue, "Deployed"
	case foundryv1alpha1.PhaseFailed:
		cond.Status, cond.Reason = metav1.ConditionFalse, "DeploymentFailed"
	default:
		cond.Status, cond.Reason = metav1.ConditionFalse, "Deploying"
	}
	cond.Message = message
	meta.SetStatusCondition(&status.Conditions, cond)
}
