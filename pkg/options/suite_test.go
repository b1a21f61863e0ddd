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

package options_test

import (
	"testing"
	"time"

	"github.com/imdario/mergo"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/multierr"

	"github.com/ontimeops/exception-ontime/pkg/options"
)

func TestOptions(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Options")
}

var _ = Describe("New", func() {
	It("should bind the environment contract", func() {
		GinkgoT().Setenv("RAW_ROOT", "/tmp/exceptions/raw")
		GinkgoT().Setenv("EXEC_ON_247", "yes")
		GinkgoT().Setenv("EXEC_REQUESTER", "  alice  ")
		GinkgoT().Setenv("ACTION", "Weekend_Close")
		GinkgoT().Setenv("KUBECTL_TIMEOUT", "30")

		opts := options.New()
		Expect(opts.RawRoot).To(Equal("/tmp/exceptions/raw"))
		Expect(opts.On247).To(BeTrue())
		Expect(opts.Requester).To(Equal("alice"))
		Expect(opts.Action).To(Equal(options.ActionWeekendClose))
		Expect(opts.KubectlTimeout).To(Equal(30 * time.Second))
	})
	It("should honor the legacy bulk jitter spelling", func() {
		GinkgoT().Setenv("JITTER_MAX_S", "9")
		Expect(options.New().JitterUpBulk).To(Equal(9 * time.Second))
	})
	It("should let the canonical jitter variable win over the legacy one", func() {
		GinkgoT().Setenv("JITTER_MAX_S", "9")
		GinkgoT().Setenv("JITTER_UP_BULK_S", "3")
		Expect(options.New().JitterUpBulk).To(Equal(3 * time.Second))
	})
	It("should resolve the kubeconfig fallback chain", func() {
		GinkgoT().Setenv("KUBECONFIG_FILE", "")
		GinkgoT().Setenv("USER_KUBECONFIG", "/home/ci/.kube/user")
		GinkgoT().Setenv("KUBECONFIG", "/home/ci/.kube/config")
		Expect(options.New().KubeconfigFile).To(Equal("/home/ci/.kube/user"))
	})
})

var _ = Describe("Validate", func() {
	// withOverrides merges test overrides onto a valid baseline.
	withOverrides := func(overrides options.Options) *options.Options {
		opts := &options.Options{
			Action:          options.ActionAuto,
			DefaultUp:       1,
			DownHPAHandling: options.DownHPASkip,
			KubectlTimeout:  10 * time.Second,
		}
		Expect(mergo.Merge(opts, &overrides, mergo.WithOverride)).To(Succeed())
		return opts
	}
	newValid := func() *options.Options { return withOverrides(options.Options{}) }

	It("should accept a well-formed configuration", func() {
		Expect(newValid().Validate()).To(Succeed())
	})
	It("should reject an unknown action", func() {
		Expect(withOverrides(options.Options{Action: "sometimes"}).Validate()).To(MatchError(ContainSubstring("ACTION")))
	})
	It("should aggregate every problem", func() {
		opts := newValid()
		opts.Action = "sometimes"
		opts.DefaultUp = 0
		opts.TargetDown = -1
		opts.RetainDays = -1
		opts.KubectlTimeout = 0
		Expect(multierr.Errors(opts.Validate())).To(HaveLen(5))
	})
	It("should reject negative jitter bounds", func() {
		opts := newValid()
		opts.JitterDown = -time.Second
		Expect(opts.Validate()).To(MatchError(ContainSubstring("JITTER_DOWN_S")))
	})
})
