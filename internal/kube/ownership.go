// Package kube implements the deployment collaborators on top of a
// controller-runtime client.
package kube

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

// EnsureOwner makes owner the controller of owned unless owned already has a
// controller. The first owner to claim an object keeps it.
func EnsureOwner(owner, owned client.Object, scheme *runtime.Scheme) error {
	if ref := metav1.GetControllerOf(owned); ref != nil {
		return nil
	}
	return controllerutil.SetControllerReference(owner, owned, scheme)
}

// OwnedBy reports whether owned names owner as its controller.
func OwnedBy(owned, owner metav1.Object) bool {
	ref := metav1.GetControllerOf(owned)
	return ref != nil && ref.UID == owner.GetUID() && ref.Name == owner.GetName()
}
