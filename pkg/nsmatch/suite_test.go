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

package nsmatch_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ontimeops/exception-ontime/pkg/nsmatch"
)

func TestNSMatch(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "NSMatch")
}

func writeFile(name, content string) string {
	path := filepath.Join(GinkgoT().TempDir(), name)
	Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
	return path
}

var _ = Describe("Matcher", func() {
	It("should include matches of any pattern, sorted", func() {
		include := writeFile("managed.txt", "# teams\nteam-.*\nops\n")
		matcher, err := nsmatch.NewMatcher(include, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(matcher.Match([]string{"ops", "kube-system", "team-b", "team-a"})).To(Equal([]string{"ops", "team-a", "team-b"}))
	})
	It("should let deny win over include", func() {
		include := writeFile("managed.txt", "team-.*\n")
		deny := writeFile("deny.txt", "team-b\n")
		matcher, err := nsmatch.NewMatcher(include, deny)
		Expect(err).ToNot(HaveOccurred())
		Expect(matcher.Match([]string{"team-a", "team-b", "team-b-staging"})).To(Equal([]string{"team-a"}))
	})
	It("should treat a missing deny file as no denies", func() {
		include := writeFile("managed.txt", "team-.*\n")
		matcher, err := nsmatch.NewMatcher(include, filepath.Join(GinkgoT().TempDir(), "absent.txt"))
		Expect(err).ToNot(HaveOccurred())
		Expect(matcher.Match([]string{"team-a"})).To(Equal([]string{"team-a"}))
	})
	It("should fail on a missing include file", func() {
		_, err := nsmatch.NewMatcher(filepath.Join(GinkgoT().TempDir(), "absent.txt"), "")
		Expect(err).To(HaveOccurred())
	})
	It("should fail on an include file with only comments", func() {
		include := writeFile("managed.txt", "# nothing here\n")
		_, err := nsmatch.NewMatcher(include, "")
		Expect(err).To(MatchError(ContainSubstring("no patterns")))
	})
	It("should fail on an invalid pattern", func() {
		include := writeFile("managed.txt", "team-[\n")
		_, err := nsmatch.NewMatcher(include, "")
		Expect(err).To(MatchError(ContainSubstring("compiling namespace pattern")))
	})
})
