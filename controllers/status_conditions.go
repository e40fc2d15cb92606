package controllers

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
)

const (
	ConditionCapabilitiesResolved = "CapabilitiesResolved"
)

func setCondition(cr foundryv1alpha1.CustomResource, condition metav1.Condition) {
	if cr == nil {
		return
	}
	condition.ObservedGeneration = cr.GetGeneration()
	meta.SetStatusCondition(&cr.DeploymentStatus().Conditions, condition)
}

func capabilitiesResolvedMessage(resolved, total int) string {
	if total <= 0 {
		return "No capabilities required"
	}
	return fmt.Sprintf("%d/%d required capabilities resolved", resolved, total)
}

// upToDate reports whether a pass already finished, successfully or not,
// for the current generation. Only a spec change starts another one.
func upToDate(cr foundryv1alpha1.CustomResource) bool {
	status := cr.DeploymentStatus()
	return status.Phase.Finished() && status.ObservedGeneration == cr.GetGeneration()
}
