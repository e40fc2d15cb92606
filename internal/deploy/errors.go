package deploy

import (
	"errors"
	"fmt"
	"time"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
)

// ConfigurationError reports a Deployable that cannot be deployed as described.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid deployable: %s %s", e.Field, e.Reason)
}

// StepError wraps the failure of one orchestration step. Object points at
// the pod or object that failed, when known.
type StepError struct {
	Step   string
	Object *foundryv1alpha1.ResourceReference
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// TimeoutError reports a deployment pass that outlived its budget.
type TimeoutError struct {
	Qualifier string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("deployment of %q did not finish within %s", e.Qualifier, e.Timeout)
}

// FailureRecordFor converts err into the record stored on status.
func FailureRecordFor(err error) foundryv1alpha1.FailureRecord {
	rec := foundryv1alpha1.FailureRecord{Message: err.Error()}
	var step *StepError
	if errors.As(err, &step) {
		rec.Detail = "failed at step " + step.Step
		if step.Object != nil {
			ref := *step.Object
			rec.FailedObject = &ref
		}
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		rec.Detail = "timed out"
	}
	return rec
}
