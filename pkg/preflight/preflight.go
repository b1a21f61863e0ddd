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

// Package preflight is the gate CI runs before any scaling job: kubeconfig
// present, cluster reachable, RBAC sufficient, namespaces real. Each failure
// class has its own exit code so the wrapper can report precisely.
package preflight

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	authorizationv1 "k8s.io/api/authorization/v1"

	"github.com/ontimeops/exception-ontime/pkg/errors"
	"github.com/ontimeops/exception-ontime/pkg/options"
	"github.com/ontimeops/exception-ontime/pkg/request"
	"github.com/ontimeops/exception-ontime/pkg/utils/filesys"
)

// accessCheck is one SelfSubjectAccessReview probe.
type accessCheck struct {
	verb        string
	resource    string
	subresource string
}

var (
	// basicChecks grant read visibility; any one of them passing is enough
	// for the reconciler to enumerate a namespace.
	basicChecks = []accessCheck{
		{verb: "list", resource: "pods"},
		{verb: "get", resource: "deployments"},
		{verb: "get", resource: "statefulsets"},
	}
	// strictChecks are the mutations the reconciler performs; required only
	// with STRICT_PATCH.
	strictChecks = []accessCheck{
		{verb: "patch", resource: "deployments", subresource: "scale"},
		{verb: "patch", resource: "statefulsets", subresource: "scale"},
	}
	// namePattern distinguishes literal namespace names from the regexes a
	// managed-ns file may also contain.
	namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
)

type Preflight struct {
	kube kubernetes.Interface
	log  logr.Logger
	opts *options.Options
}

func New(log logr.Logger, kube kubernetes.Interface, opts *options.Options) *Preflight {
	return &Preflight{kube: kube, log: log.WithName("preflight"), opts: opts}
}

// CheckKubeconfig verifies the configured kubeconfig path exists and is
// non-empty. It runs before any client is built.
func CheckKubeconfig(opts *options.Options) error {
	if opts.KubeconfigFile == "" {
		return errors.InvalidInput("KUBECONFIG_FILE is not set")
	}
	info, err := os.Stat(opts.KubeconfigFile)
	if err != nil {
		return errors.InvalidInput("kubeconfig %s is not readable, %v", opts.KubeconfigFile, err)
	}
	if info.Size() == 0 {
		return errors.InvalidInput("kubeconfig %s is empty", opts.KubeconfigFile)
	}
	return nil
}

// Run performs the reachability, RBAC and namespace checks in order.
func (p *Preflight) Run(ctx context.Context) error {
	version, err := p.kube.Discovery().ServerVersion()
	if err != nil {
		return errors.WithCode(errors.ExitUnreachable, fmt.Errorf("probing cluster version, %w", err))
	}
	p.log.Info("cluster reachable", "version", version.GitVersion)

	namespaces, err := p.collectNamespaces()
	if err != nil {
		return err
	}
	if len(namespaces) == 0 {
		return errors.InvalidInput("no namespaces to check; set EXEC_NS_LIST, EXEC_WORKLOAD_LIST or MANAGED_NS_FILE")
	}
	p.log.Info("checking namespaces", "count", len(namespaces), "strict_patch", p.opts.StrictPatch)

	if err := p.checkAccess(ctx, namespaces); err != nil {
		return err
	}
	if err := p.checkExistence(ctx, namespaces); err != nil {
		return err
	}
	p.log.Info("preflight passed", "namespaces", len(namespaces))
	return nil
}

// collectNamespaces resolves the namespace set: EXEC_NS_LIST first, then the
// namespaces of EXEC_WORKLOAD_LIST, then the literal names of the managed
// file (regex patterns in it cannot be checked for existence and are
// skipped).
func (p *Preflight) collectNamespaces() ([]string, error) {
	if list := splitNSList(p.opts.NSList); len(list) > 0 {
		return list, nil
	}
	if strings.TrimSpace(p.opts.WorkloadList) != "" {
		refs, err := request.ParseWorkloadList(p.opts.WorkloadList)
		if err != nil {
			return nil, errors.MissingInput("parsing EXEC_WORKLOAD_LIST, %v", err)
		}
		seen := map[string]struct{}{}
		var namespaces []string
		for _, ref := range refs {
			if _, ok := seen[ref.Namespace]; !ok {
				seen[ref.Namespace] = struct{}{}
				namespaces = append(namespaces, ref.Namespace)
			}
		}
		sort.Strings(namespaces)
		return namespaces, nil
	}
	if p.opts.ManagedNSFile != "" {
		if _, err := os.Stat(p.opts.ManagedNSFile); err == nil {
			lines, err := filesys.ReadPatternFile(p.opts.ManagedNSFile)
			if err != nil {
				return nil, errors.InvalidInput("reading %s, %v", p.opts.ManagedNSFile, err)
			}
			var namespaces []string
			for _, line := range lines {
				if namePattern.MatchString(line) {
					namespaces = append(namespaces, line)
				}
			}
			sort.Strings(namespaces)
			return namespaces, nil
		}
	}
	return nil, nil
}

func splitNSList(value string) []string {
	parts := regexp.MustCompile(`[,\s]+`).Split(strings.TrimSpace(value), -1)
	seen := map[string]struct{}{}
	var namespaces []string
	for _, part := range parts {
		if part == "" {
			continue
		}
		if _, ok := seen[part]; !ok {
			seen[part] = struct{}{}
			namespaces = append(namespaces, part)
		}
	}
	sort.Strings(namespaces)
	return namespaces
}

// checkAccess fans the SelfSubjectAccessReview probes out concurrently; the
// probes are read-only against the authorization API so parallelism is safe.
func (p *Preflight) checkAccess(ctx context.Context, namespaces []string) error {
	checks := basicChecks
	if p.opts.StrictPatch {
		checks = append(append([]accessCheck{}, basicChecks...), strictChecks...)
	}

	type denial struct {
		ns    string
		check accessCheck
	}
	var mu sync.Mutex
	var denials []denial

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for _, ns := range namespaces {
		for _, check := range checks {
			ns, check := ns, check
			group.Go(func() error {
				allowed, err := p.canI(ctx, ns, check)
				if err != nil {
					return fmt.Errorf("access review %s %s in %s, %w", check.verb, check.resource, ns, err)
				}
				if !allowed {
					mu.Lock()
					denials = append(denials, denial{ns: ns, check: check})
					mu.Unlock()
				}
				return nil
			})
		}
	}
	if err := group.Wait(); err != nil {
		return errors.WithCode(errors.ExitUnreachable, err)
	}

	// A namespace passes basic when any basic probe was allowed, and strict
	// when any scale-patch probe was.
	deniedBasic := map[string]int{}
	deniedStrict := map[string]int{}
	for _, d := range denials {
		if d.check.subresource == "scale" {
			deniedStrict[d.ns]++
		} else {
			deniedBasic[d.ns]++
		}
	}
	var failures []string
	for _, ns := range namespaces {
		if deniedBasic[ns] == len(basicChecks) {
			failures = append(failures, fmt.Sprintf("%s: no basic access (list pods or get deployments/statefulsets)", ns))
		}
		if p.opts.StrictPatch && deniedStrict[ns] == len(strictChecks) {
			failures = append(failures, fmt.Sprintf("%s: no patch on deployments/scale or statefulsets/scale", ns))
		}
	}
	if len(failures) > 0 {
		return errors.WithCode(errors.ExitRBACDenied, fmt.Errorf("RBAC checks failed:\n  %s", strings.Join(failures, "\n  ")))
	}
	return nil
}

func (p *Preflight) canI(ctx context.Context, ns string, check accessCheck) (bool, error) {
	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Namespace:   ns,
				Verb:        check.verb,
				Resource:    check.resource,
				Subresource: check.subresource,
				Group:       groupOf(check.resource),
			},
		},
	}
	result, err := p.kube.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return false, err
	}
	return result.Status.Allowed, nil
}

func groupOf(resource string) string {
	if resource == "deployments" || resource == "statefulsets" {
		return "apps"
	}
	return ""
}

// checkExistence verifies every namespace resolves. A namespace the caller
// cannot even Get is "unknown", fatal unless ALLOW_UNKNOWN_NS.
func (p *Preflight) checkExistence(ctx context.Context, namespaces []string) error {
	var unknown []string
	for _, ns := range namespaces {
		_, err := p.kube.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
		switch {
		case err == nil:
		case apierrors.IsNotFound(err):
			return errors.InvalidInput("namespace %s does not exist", ns)
		default:
			unknown = append(unknown, ns)
			p.log.Info("namespace existence unknown", "namespace", ns, "error", err.Error())
		}
	}
	if len(unknown) > 0 && !p.opts.AllowUnknownNS {
		return errors.InvalidInput("cannot verify namespaces %s (set ALLOW_UNKNOWN_NS=true to proceed)", strings.Join(unknown, ", "))
	}
	return nil
}
