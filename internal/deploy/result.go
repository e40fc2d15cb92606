package deploy

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
)

// Result is what a deployment pass observed. After a timeout it holds
// whatever the pass had produced so far.
type Result struct {
	Phase      foundryv1alpha1.Phase
	Deployment *appsv1.Deployment
	Service    *corev1.Service
	Ingress    *networkingv1.Ingress
	Pod        *corev1.Pod
	Status     foundryv1alpha1.ServerStatus
	Err        error
}

func (r Result) Failed() bool { return r.Phase == foundryv1alpha1.PhaseFailed }

func (r Result) Succeeded() bool { return r.Phase == foundryv1alpha1.PhaseSuccessful }
