package controllers

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	foundryControllerReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_controller_reconcile_total",
			Help: "Number of reconciliations by controller.",
		},
		[]string{"controller"},
	)
	foundryControllerReconcileErrorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_controller_reconcile_error_total",
			Help: "Number of reconciliation errors by controller.",
		},
		[]string{"controller"},
	)

	capabilityResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_capability_resolutions_total",
			Help: "Number of capability resolutions by capability and outcome.",
		},
		[]string{"capability", "outcome"},
	)
	capabilitiesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_capabilities_created_total",
			Help: "Number of ProvidedCapabilities created while resolving requirements.",
		},
		[]string{"capability"},
	)
	capabilityResolutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_capability_resolution_duration_seconds",
			Help:    "Time taken to resolve a capability, including waiting for it to be deployed.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"capability"},
	)

	deploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_deployment_duration_seconds",
			Help:    "Time taken by a deployment pass.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"kind"},
	)
	deploymentOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_deployment_outcomes_total",
			Help: "Number of deployment passes by kind and final phase.",
		},
		[]string{"kind", "phase"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		foundryControllerReconcileTotal,
		foundryControllerReconcileErrorTotal,
		capabilityResolutionsTotal,
		capabilitiesCreatedTotal,
		capabilityResolutionDuration,
		deploymentDuration,
		deploymentOutcomesTotal,
	)
}
