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

package preflight_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	authorizationv1 "k8s.io/api/authorization/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	ktesting "k8s.io/client-go/testing"

	"github.com/ontimeops/exception-ontime/pkg/errors"
	"github.com/ontimeops/exception-ontime/pkg/options"
	"github.com/ontimeops/exception-ontime/pkg/preflight"
)

func TestPreflight(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Preflight")
}

func namespace(name string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

// denyAccess installs a SelfSubjectAccessReview responder that denies the
// probes selected by fn and allows everything else.
func denyAccess(client *fake.Clientset, fn func(attrs *authorizationv1.ResourceAttributes) bool) {
	client.PrependReactor("create", "selfsubjectaccessreviews", func(action ktesting.Action) (bool, runtime.Object, error) {
		review := action.(ktesting.CreateAction).GetObject().(*authorizationv1.SelfSubjectAccessReview).DeepCopy()
		review.Status.Allowed = !fn(review.Spec.ResourceAttributes)
		return true, review, nil
	})
}

func allowAll(client *fake.Clientset) {
	denyAccess(client, func(*authorizationv1.ResourceAttributes) bool { return false })
}

func run(client *fake.Clientset, opts *options.Options) error {
	return preflight.New(logr.Discard(), client, opts).Run(context.Background())
}

var _ = Describe("CheckKubeconfig", func() {
	It("should fail when no kubeconfig is configured", func() {
		err := preflight.CheckKubeconfig(&options.Options{})
		Expect(errors.CodeOf(err)).To(Equal(errors.ExitInvalidInput))
	})
	It("should fail on a missing file", func() {
		err := preflight.CheckKubeconfig(&options.Options{KubeconfigFile: filepath.Join(GinkgoT().TempDir(), "absent")})
		Expect(errors.CodeOf(err)).To(Equal(errors.ExitInvalidInput))
	})
	It("should fail on an empty file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "kubeconfig")
		Expect(os.WriteFile(path, nil, 0o600)).To(Succeed())
		err := preflight.CheckKubeconfig(&options.Options{KubeconfigFile: path})
		Expect(errors.CodeOf(err)).To(Equal(errors.ExitInvalidInput))
	})
	It("should pass on a non-empty file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "kubeconfig")
		Expect(os.WriteFile(path, []byte("apiVersion: v1\n"), 0o600)).To(Succeed())
		Expect(preflight.CheckKubeconfig(&options.Options{KubeconfigFile: path})).To(Succeed())
	})
})

var _ = Describe("Run", func() {
	It("should pass when access is granted and namespaces exist", func() {
		client := fake.NewSimpleClientset(namespace("team-a"), namespace("team-b"))
		allowAll(client)
		Expect(run(client, &options.Options{NSList: "team-a, team-b"})).To(Succeed())
	})
	It("should fail unreachable when the version probe errors", func() {
		client := fake.NewSimpleClientset(namespace("team-a"))
		client.PrependReactor("get", "version", func(ktesting.Action) (bool, runtime.Object, error) {
			return true, nil, fmt.Errorf("connection refused")
		})
		err := run(client, &options.Options{NSList: "team-a"})
		Expect(errors.CodeOf(err)).To(Equal(errors.ExitUnreachable))
	})
	It("should fail invalid-input with no namespaces to check", func() {
		client := fake.NewSimpleClientset()
		err := run(client, &options.Options{})
		Expect(errors.CodeOf(err)).To(Equal(errors.ExitInvalidInput))
		Expect(err.Error()).To(ContainSubstring("no namespaces"))
	})
	It("should fail invalid-input when a namespace does not exist", func() {
		client := fake.NewSimpleClientset(namespace("team-a"))
		allowAll(client)
		err := run(client, &options.Options{NSList: "team-a team-ghost"})
		Expect(errors.CodeOf(err)).To(Equal(errors.ExitInvalidInput))
		Expect(err.Error()).To(ContainSubstring("team-ghost"))
	})
})

var _ = Describe("RBAC probes", func() {
	It("should pass when at least one basic probe is allowed", func() {
		client := fake.NewSimpleClientset(namespace("team-a"))
		denyAccess(client, func(attrs *authorizationv1.ResourceAttributes) bool {
			return attrs.Resource == "pods" // get deployments/statefulsets still allowed
		})
		Expect(run(client, &options.Options{NSList: "team-a"})).To(Succeed())
	})
	It("should fail denied when every basic probe is denied", func() {
		client := fake.NewSimpleClientset(namespace("team-a"))
		denyAccess(client, func(attrs *authorizationv1.ResourceAttributes) bool {
			return attrs.Subresource == ""
		})
		err := run(client, &options.Options{NSList: "team-a"})
		Expect(errors.CodeOf(err)).To(Equal(errors.ExitRBACDenied))
		Expect(err.Error()).To(ContainSubstring("team-a"))
	})
	It("should require the scale-patch probes only with strict patch", func() {
		client := fake.NewSimpleClientset(namespace("team-a"))
		denyAccess(client, func(attrs *authorizationv1.ResourceAttributes) bool {
			return attrs.Subresource == "scale"
		})
		Expect(run(client, &options.Options{NSList: "team-a"})).To(Succeed())

		err := run(client, &options.Options{NSList: "team-a", StrictPatch: true})
		Expect(errors.CodeOf(err)).To(Equal(errors.ExitRBACDenied))
		Expect(err.Error()).To(ContainSubstring("scale"))
	})
	It("should fail unreachable when a review call errors", func() {
		client := fake.NewSimpleClientset(namespace("team-a"))
		client.PrependReactor("create", "selfsubjectaccessreviews", func(ktesting.Action) (bool, runtime.Object, error) {
			return true, nil, fmt.Errorf("apiserver timeout")
		})
		err := run(client, &options.Options{NSList: "team-a"})
		Expect(errors.CodeOf(err)).To(Equal(errors.ExitUnreachable))
	})
})

var _ = Describe("Namespace resolution", func() {
	It("should prefer the explicit namespace list and dedupe it", func() {
		client := fake.NewSimpleClientset(namespace("team-a"))
		allowAll(client)
		Expect(run(client, &options.Options{
			NSList:       "team-a,team-a  team-a",
			WorkloadList: "team-ghost | api\n",
		})).To(Succeed())
	})
	It("should fall back to the workload list namespaces", func() {
		client := fake.NewSimpleClientset(namespace("team-a"), namespace("team-b"))
		allowAll(client)
		Expect(run(client, &options.Options{
			WorkloadList: "team-a | api\nteam-b | worker\nteam-a | other\n",
		})).To(Succeed())
	})
	It("should fall back to the literal names of the managed file, skipping regexes", func() {
		managed := filepath.Join(GinkgoT().TempDir(), "managed-ns.txt")
		Expect(os.WriteFile(managed, []byte("# managed\nteam-a\nteam-.*\n"), 0o644)).To(Succeed())
		client := fake.NewSimpleClientset(namespace("team-a"))
		allowAll(client)
		Expect(run(client, &options.Options{ManagedNSFile: managed})).To(Succeed())
	})
})

var _ = Describe("Unknown namespaces", func() {
	withGetError := func() *fake.Clientset {
		client := fake.NewSimpleClientset(namespace("team-a"))
		allowAll(client)
		client.PrependReactor("get", "namespaces", func(ktesting.Action) (bool, runtime.Object, error) {
			return true, nil, fmt.Errorf("etcd leader changed")
		})
		return client
	}

	It("should fail when existence cannot be verified", func() {
		err := run(withGetError(), &options.Options{NSList: "team-a"})
		Expect(errors.CodeOf(err)).To(Equal(errors.ExitInvalidInput))
		Expect(err.Error()).To(ContainSubstring("ALLOW_UNKNOWN_NS"))
	})
	It("should pass with ALLOW_UNKNOWN_NS", func() {
		Expect(run(withGetError(), &options.Options{NSList: "team-a", AllowUnknownNS: true})).To(Succeed())
	})
})
