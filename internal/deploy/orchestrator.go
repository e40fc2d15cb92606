// Package deploy turns a Deployable into cluster objects in a fixed order
// and reports what it observed on the owning resource's status.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
)

const (
	LabelDeployment        = "foundry.platform/deployment"
	LabelResource          = "foundry.platform/resource"
	LabelQualifier         = "foundry.platform/qualifier"
	LabelSchemaPreparation = "foundry.platform/schema-preparation"

	DefaultStorageSize = "2Gi"
)

// Orchestrator deploys one Deployable at a time through its collaborators.
type Orchestrator struct {
	Collaborators

	Controller               foundryv1alpha1.ControllerIdentity
	GarbageCollectSchemaPods bool
	StorageClassName         string
	IngressClassName         string
}

type step struct {
	name string
	fn   func(context.Context) error
}

// Execute deploys d for cr and waits at most timeout. When the timeout
// expires the pass is recorded as FAILED and the partial result returned.
// The abandoned pass is cancelled and writes no further status. cr's
// status is updated only when the pass finished in time.
func (o *Orchestrator) Execute(ctx context.Context, d Deployable, cr foundryv1alpha1.CustomResource, timeout time.Duration) Result {
	logger := log.FromContext(ctx).WithValues(
		"qualifier", d.Qualifier,
		"resource", foundryv1alpha1.ReferenceOf(cr).String(),
	)
	ctx = log.IntoContext(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := &pass{
		o:       o,
		d:       d,
		cr:      cr.DeepCopyObject().(foundryv1alpha1.CustomResource),
		timeout: timeout,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.run(ctx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		*cr.DeploymentStatus() = *p.cr.DeploymentStatus().DeepCopy()
		return p.snapshot()
	case <-timer.C:
		logger.Info("deployment timed out; abandoning pass", "timeout", timeout)
		cancel()
		return o.abandon(ctx, cr, p, &TimeoutError{Qualifier: d.Qualifier, Timeout: timeout})
	case <-ctx.Done():
		return o.abandon(ctx, cr, p, ctx.Err())
	}
}

// abandon must be called after the pass context is cancelled. Once the
// pass is marked abandoned its status writes are dropped, so the FAILED
// record written here is the last word for this generation.
func (o *Orchestrator) abandon(ctx context.Context, cr foundryv1alpha1.CustomResource, p *pass, cause error) Result {
	p.mu.Lock()
	p.abandoned = true
	p.mu.Unlock()

	res := p.snapshot()
	res.Phase = foundryv1alpha1.PhaseFailed
	res.Err = cause
	rec := FailureRecordFor(cause)
	res.Status.Failure = &rec

	if o.Status != nil {
		if err := o.Status.DeploymentFailed(context.WithoutCancel(ctx), cr, p.d.Qualifier, cause); err != nil {
			log.FromContext(ctx).Error(err, "failed to record abandoned deployment")
		}
	}
	return res
}

// pass is one execution of a Deployable. Everything outside mu is touched
// by the worker goroutine only.
type pass struct {
	o       *Orchestrator
	d       Deployable
	cr      foundryv1alpha1.CustomResource
	timeout time.Duration

	st             foundryv1alpha1.ServerStatus
	deploymentName string

	// mu also serializes status writes against abandonment.
	mu        sync.Mutex
	res       Result
	abandoned bool
}

var errAbandoned = errors.New("deployment pass abandoned")

// writeStatus runs write unless the pass was abandoned. Without a status
// collaborator nothing is persisted.
func (p *pass) writeStatus(write func(StatusUpdater) error) error {
	if p.o.Status == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.abandoned {
		return errAbandoned
	}
	return write(p.o.Status)
}

func (p *pass) record(f func(*Result)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f(&p.res)
	p.res.Status = *p.st.DeepCopy()
}

func (p *pass) snapshot() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := p.res
	res.Status = *p.res.Status.DeepCopy()
	return res
}

func (p *pass) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.fail(ctx, fmt.Errorf("deployment panicked: %v", r))
		}
	}()

	if err := p.execute(ctx); err != nil {
		p.fail(ctx, err)
		return
	}
	p.record(func(res *Result) { res.Phase = foundryv1alpha1.PhaseSuccessful })
	log.FromContext(ctx).Info("deployment succeeded")
}

func (p *pass) fail(ctx context.Context, err error) {
	logger := log.FromContext(ctx)
	logger.Error(err, "deployment failed")

	rec := FailureRecordFor(err)
	p.st.Failure = &rec
	p.record(func(res *Result) {
		res.Phase = foundryv1alpha1.PhaseFailed
		res.Err = err
	})
	serr := p.writeStatus(func(s StatusUpdater) error {
		return s.DeploymentFailed(ctx, p.cr, p.d.Qualifier, err)
	})
	if serr != nil && !errors.Is(serr, errAbandoned) {
		logger.Error(serr, "failed to record deployment failure")
	}
}

func (p *pass) execute(ctx context.Context) error {
	if err := p.d.Validate(); err != nil {
		return err
	}
	p.deploymentName = p.name("deployment")
	p.st.AdminSecretName = p.d.AdminSecretName
	p.st.SSORealm = p.d.SSORealm

	id := p.o.Controller
	p.cr.DeploymentStatus().Controller = &id
	if err := p.writeStatus(func(s StatusUpdater) error {
		return s.UpdatePhase(ctx, p.cr, foundryv1alpha1.PhaseStarted)
	}); err != nil {
		return &StepError{Step: "status", Err: err}
	}
	p.record(func(res *Result) { res.Phase = foundryv1alpha1.PhaseStarted })

	steps := []step{
		{"persistent-volume-claims", p.ensurePersistentVolumeClaims},
		{"secrets", p.ensureSecrets},
		{"service-account", p.ensureServiceAccount},
		{"service", p.ensureService},
		{"ingress", p.ensureIngress},
		{"sso-clients", p.ensureSSOClients},
		{"database-schemas", p.prepareSchemas},
		{"deployment", p.ensureDeployment},
		{"pod-ready", p.waitForPod},
	}
	if p.d.ExternalService != nil {
		steps = []step{{"external-service", p.ensureExternalService}}
	}

	logger := log.FromContext(ctx)
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			var se *StepError
			if !errors.As(err, &se) {
				err = &StepError{Step: s.name, Err: err}
			}
			return err
		}
		st := *p.st.DeepCopy()
		if err := p.writeStatus(func(s StatusUpdater) error {
			return s.UpdateServerStatus(ctx, p.cr, p.d.Qualifier, st)
		}); err != nil {
			return &StepError{Step: "status", Err: err}
		}
		p.record(func(*Result) {})
		logger.V(1).Info("deployment step finished", "step", s.name)
	}

	if err := p.writeStatus(func(s StatusUpdater) error {
		return s.UpdatePhase(ctx, p.cr, foundryv1alpha1.PhaseSuccessful)
	}); err != nil {
		return &StepError{Step: "status", Err: err}
	}
	return nil
}
