package main

import (
	"flag"
	"os"

	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
	"github.com/bayleafwalker/foundry/controllers"
	"github.com/bayleafwalker/foundry/internal/capability"
	"github.com/bayleafwalker/foundry/internal/config"
	"github.com/bayleafwalker/foundry/internal/deploy"
	"github.com/bayleafwalker/foundry/internal/kube"
	"github.com/bayleafwalker/foundry/internal/sso"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(foundryv1alpha1.AddToScheme(scheme))
}

func main() {
	var metricsAddr string
	var probeAddr string
	var enableLeaderElection bool
	var configPath string
	var maxConcurrent int

	pflag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	pflag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	pflag.BoolVar(&enableLeaderElection, "leader-elect", false, "Enable leader election for controller manager.")
	pflag.StringVar(&configPath, "config", "", "Path to the controller configuration file.")
	pflag.IntVar(&maxConcurrent, "max-concurrent-reconciles", 4, "Deployment passes run in parallel per controller.")

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
		setupLog.Error(err, "unable to load configuration", "path", configPath)
		os.Exit(1)
	}
	if opts.Level == nil {
		level, err := cfg.Level()
		if err != nil {
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
			setupLog.Error(err, "invalid log level")
			os.Exit(1)
		}
		opts.Level = level
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "controller.foundry.platform",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	if err := controllers.VerifyAPIs(mgr.GetRESTMapper()); err != nil {
		setupLog.Error(err, "required APIs are not available")
		os.Exit(1)
	}

	// Reads that wait on freshly written objects bypass the informer cache.
	reader := mgr.GetAPIReader()

	collaborators := kube.NewCollaborators(mgr.GetClient(), reader, mgr.GetScheme(), 0)
	collaborators.SSO = sso.Registrar{
		Secrets: collaborators.Secrets,
		Timeout: cfg.SSO.HTTPTimeout,
	}
	orchestrator := &deploy.Orchestrator{
		Collaborators:            collaborators,
		Controller:               foundryv1alpha1.ControllerIdentity{Namespace: cfg.ControllerNamespace, PodName: cfg.ControllerPodName},
		GarbageCollectSchemaPods: cfg.GarbageCollectSchemaPods,
		StorageClassName:         cfg.StorageClassName,
		IngressClassName:         cfg.IngressClassName,
	}
	resolver := &capability.Resolver{
		Store:               &capability.KubeStore{Reader: reader, Writer: mgr.GetClient()},
		Status:              collaborators.Status,
		Scheme:              mgr.GetScheme(),
		ControllerNamespace: cfg.ControllerNamespace,
		CommencementTimeout: cfg.CapabilityCommencementTimeout,
	}

	if err := (&controllers.ProvidedCapabilityReconciler{
		Client:                  mgr.GetClient(),
		Scheme:                  mgr.GetScheme(),
		Recorder:                mgr.GetEventRecorderFor("ProvidedCapability"),
		Config:                  cfg,
		Orchestrator:            orchestrator,
		MaxConcurrentReconciles: maxConcurrent,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "ProvidedCapability")
		os.Exit(1)
	}

	if err := (&controllers.ApplicationReconciler{
		Client:                  mgr.GetClient(),
		Scheme:                  mgr.GetScheme(),
		Recorder:                mgr.GetEventRecorderFor("Application"),
		Config:                  cfg,
		Resolver:                resolver,
		Orchestrator:            orchestrator,
		MaxConcurrentReconciles: maxConcurrent,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Application")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager",
		"controllerNamespace", cfg.ControllerNamespace,
		"capabilitySyncTimeout", cfg.CapabilitySyncTimeout,
		"deploymentTimeout", cfg.DeploymentTimeout,
	)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
