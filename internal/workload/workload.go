/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package workload

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/wesleyemery/rightsizer-metrics/pkg/metrics"
)

const (
	KindDeployment  = "Deployment"
	KindStatefulSet = "StatefulSet"
	KindDaemonSet   = "DaemonSet"
	KindJob         = "Job"
	KindCronJob     = "CronJob"
	KindPod         = "Pod"
)

// Target selects the pods whose workloads are listed
type Target struct {
	// Cluster is copied into every descriptor
	Cluster string
	// Namespace limits the listing to one namespace, empty means all namespaces
	Namespace         string
	Selector          labels.Selector
	ExcludeNamespaces []string
	// Kinds limits the listing to the given workload kinds, empty means all
	Kinds []string
}

// Lister builds workload descriptors from the pods running in a cluster
type Lister struct {
	client client.Client
	log    logr.Logger
}

// NewLister creates a lister reading pods and their owners through c
func NewLister(c client.Client, log logr.Logger) *Lister {
	return &Lister{client: c, log: log}
}

// Workloads returns one descriptor per workload container, sorted by workload and container.
// Only running pods are considered.
func (l *Lister) Workloads(ctx context.Context, target Target) ([]metrics.WorkloadDescriptor, error) {
	pods, err := l.listPods(ctx, target)
	if err != nil {
		return nil, err
	}

	groups := l.groupPodsByWorkload(ctx, pods)

	keys := make([]workloadKey, 0, len(groups))
	for key := range groups {
		if !kindIncluded(key.kind, target.Kinds) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	var workloads []metrics.WorkloadDescriptor
	for _, key := range keys {
		group := groups[key]
		for _, container := range containerNames(group) {
			podNames := make([]string, 0, len(group))
			for _, pod := range group {
				podNames = append(podNames, pod.Name)
			}
			sort.Strings(podNames)

			workloads = append(workloads, metrics.WorkloadDescriptor{
				Cluster:   target.Cluster,
				Namespace: key.namespace,
				Kind:      key.kind,
				Name:      key.name,
				Container: container,
				Pods:      podNames,
			})
		}
	}

	l.log.V(1).Info("Listed workloads", "cluster", target.Cluster, "pods", len(pods), "workloads", len(keys))
	return workloads, nil
}

func (l *Lister) listPods(ctx context.Context, target Target) ([]corev1.Pod, error) {
	selector := target.Selector
	if selector == nil {
		selector = labels.Everything()
	}

	var podList corev1.PodList
	listOpts := []client.ListOption{
		client.MatchingLabelsSelector{Selector: selector},
	}
	if target.Namespace != "" {
		listOpts = append(listOpts, client.InNamespace(target.Namespace))
	}
	if err := l.client.List(ctx, &podList, listOpts...); err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	var pods []corev1.Pod
	for _, pod := range podList.Items {
		if pod.Status.Phase != corev1.PodRunning {
			continue
		}
		if isNamespaceExcluded(pod.Namespace, target.ExcludeNamespaces) {
			continue
		}
		pods = append(pods, pod)
	}
	return pods, nil
}

type workloadKey struct {
	namespace string
	kind      string
	name      string
}

func (k workloadKey) less(o workloadKey) bool {
	if k.namespace != o.namespace {
		return k.namespace < o.namespace
	}
	if k.kind != o.kind {
		return k.kind < o.kind
	}
	return k.name < o.name
}

// groupPodsByWorkload groups pods by their top level owner
func (l *Lister) groupPodsByWorkload(ctx context.Context, pods []corev1.Pod) map[workloadKey][]corev1.Pod {
	groups := make(map[workloadKey][]corev1.Pod)
	for _, pod := range pods {
		kind, name := l.owner(ctx, &pod)
		key := workloadKey{namespace: pod.Namespace, kind: kind, name: name}
		groups[key] = append(groups[key], pod)
	}
	return groups
}

// owner resolves the workload a pod belongs to.
// ReplicaSets resolve to their Deployment and Jobs to their CronJob when they have one.
func (l *Lister) owner(ctx context.Context, pod *corev1.Pod) (kind, name string) {
	for _, ref := range pod.OwnerReferences {
		switch ref.Kind {
		case "ReplicaSet":
			var rs appsv1.ReplicaSet
			if err := l.client.Get(ctx, types.NamespacedName{Namespace: pod.Namespace, Name: ref.Name}, &rs); err != nil {
				l.log.V(1).Info("Unable to get ReplicaSet", "namespace", pod.Namespace, "name", ref.Name, "error", err.Error())
				return "ReplicaSet", ref.Name
			}
			for _, rsOwner := range rs.OwnerReferences {
				if rsOwner.Kind == KindDeployment {
					return KindDeployment, rsOwner.Name
				}
			}
			return "ReplicaSet", ref.Name
		case KindJob:
			var job batchv1.Job
			if err := l.client.Get(ctx, types.NamespacedName{Namespace: pod.Namespace, Name: ref.Name}, &job); err == nil {
				for _, jobOwner := range job.OwnerReferences {
					if jobOwner.Kind == KindCronJob {
						return KindCronJob, jobOwner.Name
					}
				}
			}
			return KindJob, ref.Name
		case KindStatefulSet, KindDaemonSet, KindCronJob:
			return ref.Kind, ref.Name
		}
	}
	if len(pod.OwnerReferences) > 0 {
		ref := pod.OwnerReferences[0]
		return ref.Kind, ref.Name
	}
	return KindPod, pod.Name
}

// containerNames returns the sorted union of container names of pods
func containerNames(pods []corev1.Pod) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, pod := range pods {
		for _, c := range pod.Spec.Containers {
			if _, ok := seen[c.Name]; ok {
				continue
			}
			seen[c.Name] = struct{}{}
			names = append(names, c.Name)
		}
	}
	sort.Strings(names)
	return names
}

func isNamespaceExcluded(namespace string, excludeList []string) bool {
	for _, excludeNs := range excludeList {
		if namespace == excludeNs {
			return true
		}
	}
	return false
}

func kindIncluded(kind string, kinds []string) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
