package health

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/convergd/convergd/internal/cluster"
)

func registerBuiltins(e *Evaluator) {
	e.checks["Deployment"] = checkDeployment
	e.checks["StatefulSet"] = checkStatefulSet
	e.checks["DaemonSet"] = checkDaemonSet
	e.checks["Job"] = checkJob
	e.checks["Pod"] = checkPod
	e.checks["PersistentVolumeClaim"] = checkPVC
	e.checks["Namespace"] = checkNamespace
	e.checks["CustomResourceDefinition"] = checkCRD

	// Data and policy kinds carry no convergence signal of their own;
	// they are healthy once the backend accepted them. Registering them
	// keeps strict mode usable for ordinary trees.
	for _, kind := range []string{
		"ConfigMap", "Secret", "Service", "ServiceAccount",
		"Role", "RoleBinding", "ClusterRole", "ClusterRoleBinding",
		"NetworkPolicy", "ResourceQuota", "LimitRange",
	} {
		e.checks[kind] = readyOncePresent
	}
}

func readyOncePresent(cluster.LiveObject) Result {
	return Result{Status: StatusReady, Reason: "present"}
}

func checkDeployment(obj cluster.LiveObject) Result {
	if cond, ok := condition(obj, string(appsv1.DeploymentProgressing)); ok {
		if cond.Status == string(corev1.ConditionFalse) && cond.Reason == "ProgressDeadlineExceeded" {
			return Result{Status: StatusFailed, Reason: "progress deadline exceeded"}
		}
	}
	if behind, res := observedBehind(obj); behind {
		return res
	}
	desired := nestedInt(obj.Spec, 1, "spec", "replicas")
	ready := nestedInt(obj.Status, 0, "readyReplicas")
	updated := nestedInt(obj.Status, 0, "updatedReplicas")
	if ready < desired || updated < desired {
		return Result{Status: StatusProgressing, Reason: fmt.Sprintf("%d/%d replicas ready", ready, desired)}
	}
	if cond, ok := condition(obj, string(appsv1.DeploymentAvailable)); ok && cond.Status != string(corev1.ConditionTrue) {
		return Result{Status: StatusProgressing, Reason: "not yet available"}
	}
	return Result{Status: StatusReady}
}

func checkStatefulSet(obj cluster.LiveObject) Result {
	if behind, res := observedBehind(obj); behind {
		return res
	}
	desired := nestedInt(obj.Spec, 1, "spec", "replicas")
	ready := nestedInt(obj.Status, 0, "readyReplicas")
	if ready < desired {
		return Result{Status: StatusProgressing, Reason: fmt.Sprintf("%d/%d replicas ready", ready, desired)}
	}
	current, _ := nestedString(obj.Status, "currentRevision")
	update, _ := nestedString(obj.Status, "updateRevision")
	if update != "" && current != update {
		return Result{Status: StatusProgressing, Reason: "rollout in progress"}
	}
	return Result{Status: StatusReady}
}

func checkDaemonSet(obj cluster.LiveObject) Result {
	if behind, res := observedBehind(obj); behind {
		return res
	}
	desired := nestedInt(obj.Status, 0, "desiredNumberScheduled")
	ready := nestedInt(obj.Status, 0, "numberReady")
	if ready < desired {
		return Result{Status: StatusProgressing, Reason: fmt.Sprintf("%d/%d pods ready", ready, desired)}
	}
	return Result{Status: StatusReady}
}

// checkJob treats a failed Job as terminal: the failure is the
// operator's verdict and is propagated, never retried away.
func checkJob(obj cluster.LiveObject) Result {
	if cond, ok := condition(obj, string(batchv1.JobFailed)); ok && cond.Status == string(corev1.ConditionTrue) {
		reason := cond.Reason
		if reason == "" {
			reason = "job failed"
		}
		return Result{Status: StatusFailed, Reason: reason}
	}
	if cond, ok := condition(obj, string(batchv1.JobComplete)); ok && cond.Status == string(corev1.ConditionTrue) {
		return Result{Status: StatusReady}
	}
	return Result{Status: StatusProgressing, Reason: "job running"}
}

func checkPod(obj cluster.LiveObject) Result {
	phase, _ := nestedString(obj.Status, "phase")
	switch phase {
	case string(corev1.PodSucceeded):
		return Result{Status: StatusReady}
	case string(corev1.PodFailed):
		return Result{Status: StatusFailed, Reason: "pod failed"}
	case string(corev1.PodRunning):
		if cond, ok := condition(obj, string(corev1.PodReady)); ok && cond.Status == string(corev1.ConditionTrue) {
			return Result{Status: StatusReady}
		}
		return Result{Status: StatusProgressing, Reason: "pod not ready"}
	default:
		return Result{Status: StatusProgressing, Reason: "pod pending"}
	}
}

func checkPVC(obj cluster.LiveObject) Result {
	phase, _ := nestedString(obj.Status, "phase")
	switch phase {
	case string(corev1.ClaimBound):
		return Result{Status: StatusReady}
	case string(corev1.ClaimLost):
		return Result{Status: StatusFailed, Reason: "claim lost"}
	default:
		return Result{Status: StatusProgressing, Reason: "claim pending"}
	}
}

func checkNamespace(obj cluster.LiveObject) Result {
	phase, _ := nestedString(obj.Status, "phase")
	if phase == "" || phase == string(corev1.NamespaceActive) {
		return Result{Status: StatusReady}
	}
	return Result{Status: StatusProgressing, Reason: "namespace terminating"}
}

func checkCRD(obj cluster.LiveObject) Result {
	if cond, ok := condition(obj, "Established"); ok && cond.Status == string(corev1.ConditionTrue) {
		return Result{Status: StatusReady}
	}
	return Result{Status: StatusProgressing, Reason: "not established"}
}

// observedBehind reports whether the operator has not yet seen the
// latest declared generation.
func observedBehind(obj cluster.LiveObject) (bool, Result) {
	observed := nestedInt(obj.Status, -1, "observedGeneration")
	if observed >= 0 && obj.Generation > 0 && observed < obj.Generation {
		return true, Result{Status: StatusProgressing, Reason: "observed generation behind"}
	}
	return false, Result{}
}

func condition(obj cluster.LiveObject, condType string) (cluster.Condition, bool) {
	for _, c := range obj.Conditions {
		if c.Type == condType {
			return c, true
		}
	}
	return cluster.Condition{}, false
}

func nestedInt(m map[string]any, def int64, path ...string) int64 {
	v, ok := nested(m, path...)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return def
	}
}

func nestedString(m map[string]any, path ...string) (string, bool) {
	v, ok := nested(m, path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func nested(m map[string]any, path ...string) (any, bool) {
	var cur any = m
	for _, p := range path {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
