package controllers

import (
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"

	foundryv1alpha1 "github.com/bayleafwalker/foundry/api/v1alpha1"
)

// VerifyAPIs checks that the API server serves every kind the reconcilers
// watch. It runs once at startup so a missing CRD fails fast instead of
// surfacing as watch errors.
func VerifyAPIs(mapper meta.RESTMapper) error {
	var errs []error
	for _, kind := range []string{foundryv1alpha1.ProvidedCapabilityKind, foundryv1alpha1.ApplicationKind} {
		gk := foundryv1alpha1.GroupVersion.WithKind(kind).GroupKind()
		if _, err := mapper.RESTMapping(gk, foundryv1alpha1.GroupVersion.Version); err != nil {
			errs = append(errs, fmt.Errorf("%s is not served by the API server (are the CRDs installed?): %w", gk, err))
		}
	}
	return errors.Join(errs...)
}
