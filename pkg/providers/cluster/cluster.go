/*
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

// Package cluster wraps the Kubernetes API surface the reconciler needs:
// namespace and workload enumeration, HPA minimum lookup and the scale
// subresource. Every call is bounded by the configured timeout.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"
	"github.com/patrickmn/go-cache"
	autoscalingv1 "k8s.io/api/autoscaling/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// Workload kinds use the short spellings the replica-state file has always
// been keyed with.
const (
	KindDeployment  = "deploy"
	KindStatefulSet = "statefulset"
)

// Workload identifies one scalable controller object within a namespace.
type Workload struct {
	Kind string
	Name string
}

func (w Workload) String() string {
	return w.Kind + "/" + w.Name
}

// listRetries covers the transient API server hiccups worth absorbing in a
// batch run; anything that survives them is reported to the caller.
var listRetries = []retry.Option{
	retry.Attempts(3),
	retry.Delay(200 * time.Millisecond),
	retry.LastErrorOnly(true),
}

type Provider struct {
	kube    kubernetes.Interface
	log     logr.Logger
	timeout time.Duration
	// hpaCache memoizes per-namespace HPA indexes for the run; HPAs do not
	// change fast enough to matter within one tick.
	hpaCache *cache.Cache
}

func NewProvider(kube kubernetes.Interface, log logr.Logger, timeout time.Duration) *Provider {
	return &Provider{
		kube:     kube,
		log:      log.WithName("cluster"),
		timeout:  timeout,
		hpaCache: cache.New(5*time.Minute, 10*time.Minute),
	}
}

// NewClient builds a typed clientset from an explicit kubeconfig path with
// an optional context override.
func NewClient(kubeconfig, kubeContext string) (kubernetes.Interface, error) {
	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig},
		&clientcmd.ConfigOverrides{CurrentContext: kubeContext},
	).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig %s, %w", kubeconfig, err)
	}
	kube, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("constructing kubernetes client, %w", err)
	}
	return kube, nil
}

func (p *Provider) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.timeout)
}

// ListNamespaces returns every namespace name in the cluster, sorted.
func (p *Provider) ListNamespaces(ctx context.Context) ([]string, error) {
	var names []string
	err := retry.Do(func() error {
		ctx, cancel := p.bounded(ctx)
		defer cancel()
		list, err := p.kube.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		names = names[:0]
		for _, ns := range list.Items {
			names = append(names, ns.Name)
		}
		return nil
	}, listRetries...)
	if err != nil {
		return nil, fmt.Errorf("listing namespaces, %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// ListWorkloads enumerates the Deployments then StatefulSets of a namespace,
// each group sorted by name, fixing the visit order within a tick.
func (p *Provider) ListWorkloads(ctx context.Context, ns string) ([]Workload, error) {
	var workloads []Workload
	err := retry.Do(func() error {
		ctx, cancel := p.bounded(ctx)
		defer cancel()
		deployments, err := p.kube.AppsV1().Deployments(ns).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		statefulsets, err := p.kube.AppsV1().StatefulSets(ns).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		workloads = workloads[:0]
		for _, d := range deployments.Items {
			workloads = append(workloads, Workload{Kind: KindDeployment, Name: d.Name})
		}
		for _, s := range statefulsets.Items {
			workloads = append(workloads, Workload{Kind: KindStatefulSet, Name: s.Name})
		}
		return nil
	}, listRetries...)
	if err != nil {
		return nil, fmt.Errorf("listing workloads in %s, %w", ns, err)
	}
	sort.Slice(workloads, func(i, j int) bool {
		if workloads[i].Kind != workloads[j].Kind {
			return workloads[i].Kind == KindDeployment
		}
		return workloads[i].Name < workloads[j].Name
	})
	return workloads, nil
}

// HPAIndex maps each HPA-targeted workload of a namespace to the autoscaler
// minimum (floored at 1). Results are memoized for the run.
func (p *Provider) HPAIndex(ctx context.Context, ns string) (map[Workload]int32, error) {
	if cached, ok := p.hpaCache.Get(ns); ok {
		return cached.(map[Workload]int32), nil
	}
	index := map[Workload]int32{}
	err := retry.Do(func() error {
		ctx, cancel := p.bounded(ctx)
		defer cancel()
		list, err := p.kube.AutoscalingV2().HorizontalPodAutoscalers(ns).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		for _, hpa := range list.Items {
			if workload, ok := targetOf(hpa); ok {
				min := int32(1)
				if hpa.Spec.MinReplicas != nil && *hpa.Spec.MinReplicas > 1 {
					min = *hpa.Spec.MinReplicas
				}
				index[workload] = min
			}
		}
		return nil
	}, listRetries...)
	if err != nil {
		return nil, fmt.Errorf("listing HPAs in %s, %w", ns, err)
	}
	p.hpaCache.SetDefault(ns, index)
	return index, nil
}

func targetOf(hpa autoscalingv2.HorizontalPodAutoscaler) (Workload, bool) {
	switch hpa.Spec.ScaleTargetRef.Kind {
	case "Deployment":
		return Workload{Kind: KindDeployment, Name: hpa.Spec.ScaleTargetRef.Name}, true
	case "StatefulSet":
		return Workload{Kind: KindStatefulSet, Name: hpa.Spec.ScaleTargetRef.Name}, true
	}
	return Workload{}, false
}

// GetReplicas reads spec.replicas through the scale subresource.
func (p *Provider) GetReplicas(ctx context.Context, ns string, workload Workload) (int32, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()
	scale, err := p.getScale(ctx, ns, workload)
	if err != nil {
		return 0, fmt.Errorf("reading scale of %s in %s, %w", workload, ns, err)
	}
	return scale.Spec.Replicas, nil
}

// Scale sets spec.replicas through the scale subresource.
func (p *Provider) Scale(ctx context.Context, ns string, workload Workload, replicas int32) error {
	ctx, cancel := p.bounded(ctx)
	defer cancel()
	scale, err := p.getScale(ctx, ns, workload)
	if err != nil {
		return fmt.Errorf("reading scale of %s in %s, %w", workload, ns, err)
	}
	scale.Spec.Replicas = replicas
	switch workload.Kind {
	case KindDeployment:
		_, err = p.kube.AppsV1().Deployments(ns).UpdateScale(ctx, workload.Name, scale, metav1.UpdateOptions{})
	case KindStatefulSet:
		_, err = p.kube.AppsV1().StatefulSets(ns).UpdateScale(ctx, workload.Name, scale, metav1.UpdateOptions{})
	default:
		return fmt.Errorf("unknown workload kind %q", workload.Kind)
	}
	if err != nil {
		return fmt.Errorf("scaling %s in %s to %d, %w", workload, ns, replicas, err)
	}
	return nil
}

func (p *Provider) getScale(ctx context.Context, ns string, workload Workload) (*autoscalingv1.Scale, error) {
	switch workload.Kind {
	case KindDeployment:
		return p.kube.AppsV1().Deployments(ns).GetScale(ctx, workload.Name, metav1.GetOptions{})
	case KindStatefulSet:
		return p.kube.AppsV1().StatefulSets(ns).GetScale(ctx, workload.Name, metav1.GetOptions{})
	}
	return nil, fmt.Errorf("unknown workload kind %q", workload.Kind)
}
