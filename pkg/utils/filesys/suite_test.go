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

package filesys_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ontimeops/exception-ontime/pkg/utils/filesys"
)

func TestFilesys(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Filesys")
}

var _ = Describe("WriteAtomic", func() {
	It("should create missing parent directories", func() {
		path := filepath.Join(GinkgoT().TempDir(), "a", "b", "out.txt")
		Expect(filesys.WriteAtomic(path, []byte("hello"))).To(Succeed())
		Expect(os.ReadFile(path)).To(Equal([]byte("hello")))
	})
	It("should replace an existing file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "out.txt")
		Expect(filesys.WriteAtomic(path, []byte("one"))).To(Succeed())
		Expect(filesys.WriteAtomic(path, []byte("two"))).To(Succeed())
		Expect(os.ReadFile(path)).To(Equal([]byte("two")))
	})
})

var _ = Describe("WriteJSONLines", func() {
	type row struct {
		Name string `json:"name"`
	}
	It("should write one JSON object per line", func() {
		path := filepath.Join(GinkgoT().TempDir(), "rows.jsonl")
		Expect(filesys.WriteJSONLines(path, []row{{Name: "a"}, {Name: "b"}})).To(Succeed())
		Expect(os.ReadFile(path)).To(Equal([]byte("{\"name\":\"a\"}\n{\"name\":\"b\"}\n")))
	})
	It("should write an empty file for no records", func() {
		path := filepath.Join(GinkgoT().TempDir(), "empty.jsonl")
		Expect(filesys.WriteJSONLines(path, []row{})).To(Succeed())
		Expect(os.ReadFile(path)).To(BeEmpty())
	})
})

var _ = Describe("ReadLines", func() {
	It("should skip blank lines and keep 1-based numbering", func() {
		path := filepath.Join(GinkgoT().TempDir(), "in.txt")
		Expect(os.WriteFile(path, []byte("first\n\n  \nfourth\n"), 0o644)).To(Succeed())
		var got []string
		var nums []int
		Expect(filesys.ReadLines(path, func(n int, line string) error {
			nums = append(nums, n)
			got = append(got, line)
			return nil
		})).To(Succeed())
		Expect(got).To(Equal([]string{"first", "fourth"}))
		Expect(nums).To(Equal([]int{1, 4}))
	})
	It("should surface the callback error", func() {
		path := filepath.Join(GinkgoT().TempDir(), "in.txt")
		Expect(os.WriteFile(path, []byte("x\n"), 0o644)).To(Succeed())
		Expect(filesys.ReadLines(path, func(int, string) error {
			return os.ErrClosed
		})).To(MatchError(os.ErrClosed))
	})
	It("should fail on a missing file", func() {
		Expect(filesys.ReadLines(filepath.Join(GinkgoT().TempDir(), "absent"), func(int, string) error { return nil })).ToNot(Succeed())
	})
})

var _ = Describe("ReadPatternFile", func() {
	It("should drop comment lines", func() {
		path := filepath.Join(GinkgoT().TempDir(), "patterns.txt")
		Expect(os.WriteFile(path, []byte("# include everything team-ish\nteam-.*\n\nops\n"), 0o644)).To(Succeed())
		Expect(filesys.ReadPatternFile(path)).To(Equal([]string{"team-.*", "ops"}))
	})
})
