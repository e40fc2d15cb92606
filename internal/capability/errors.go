package capability

import (
	"fmt"
	"time"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
)

// ConfigurationError reports a requirement that can never be resolved as written.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid capability requirement: " + e.Reason
}

// ValidationError reports a found capability that does not fit the requirement.
type ValidationError struct {
	Capability foundryv1alpha1.ResourceReference
	Field      string
	Expected   string
	Actual     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("capability %s rejected: expected %s %s but found %s", e.Capability, e.Field, e.Expected, e.Actual)
}

// TimeoutError reports a capability that did not reach the awaited state in time.
type TimeoutError struct {
	Capability foundryv1alpha1.ResourceReference
	Awaiting   string
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s of capability %s", e.Timeout, e.Awaiting, e.Capability)
}

// FailedError reports a capability whose own deployment failed.
type FailedError struct {
	Capability foundryv1alpha1.ResourceReference
	Message    string
}

func (e *FailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("capability %s failed", e.Capability)
	}
	return fmt.Sprintf("capability %s failed: %s", e.Capability, e.Message)
}
