package deploy

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
)

// TerminationFailure reports a pod that failed, or any of its containers
// that terminated with a non-zero exit code.
func TerminationFailure(pod *corev1.Pod) error {
	if pod == nil {
		return nil
	}
	statuses := append(append([]corev1.ContainerStatus(nil), pod.Status.InitContainerStatuses...), pod.Status.ContainerStatuses...)
	for _, cs := range statuses {
		if t := cs.State.Terminated; t != nil && t.ExitCode != 0 {
			return fmt.Errorf("container %s in pod %s terminated with exit code %d: %s", cs.Name, pod.Name, t.ExitCode, reasonOf(t))
		}
	}
	if pod.Status.Phase == corev1.PodFailed {
		return fmt.Errorf("pod %s failed: %s", pod.Name, pod.Status.Reason)
	}
	return nil
}

func reasonOf(t *corev1.ContainerStateTerminated) string {
	if t.Message != "" {
		return t.Message
	}
	return t.Reason
}

// PodReady reports whether the pod's Ready condition is true.
func PodReady(pod *corev1.Pod) bool {
	if pod == nil || pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}
