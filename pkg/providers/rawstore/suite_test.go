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

package rawstore_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ontimeops/exception-ontime/pkg/exceptions"
	"github.com/ontimeops/exception-ontime/pkg/providers/rawstore"
)

func TestRawStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "RawStore")
}

var now = time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)

// newStore roots the store under an /exceptions/raw segment so the retention
// guard accepts it, like every real deployment.
func newStore(clk *clocktesting.FakeClock) (*rawstore.Store, string) {
	root := filepath.Join(GinkgoT().TempDir(), "exceptions", "raw")
	Expect(os.MkdirAll(root, 0o755)).To(Succeed())
	return rawstore.NewStore(clk, logr.Discard(), root), root
}

var _ = Describe("ReqIDs", func() {
	It("should embed the UTC instant and stay unique", func() {
		a := rawstore.NewReqID(now)
		b := rawstore.NewReqID(now)
		Expect(a).To(HavePrefix("exc-20250110T080000Z-"))
		Expect(a).ToNot(Equal(b))
	})
})

var _ = Describe("Publish", func() {
	It("should write the jsonl, csv and meta trio under the dated directory", func() {
		store, root := newStore(clocktesting.NewFakeClock(now))
		batch := rawstore.Batch{
			ReqID:     "exc-20250110T080000Z-ab12",
			Build:     "42",
			CreatedAt: "2025-01-10T08:00:00Z",
			CreatedBy: "alice",
			Job:       "register-exception",
			BuildURL:  "https://ci/job/42",
			Records: []exceptions.RawRecord{{
				ReqID: "exc-20250110T080000Z-ab12", Seq: 1,
				Namespace: "team-a", Workload: "api",
				On247: true, Requester: "alice", Reason: "release",
				EndDate: "2025-01-31", EndInput: "20250131",
				Status: exceptions.StatusDraft,
			}},
		}
		files, err := store.Publish(batch, "2025-01-10")
		Expect(err).ToNot(HaveOccurred())
		Expect(files.JSONL).To(Equal(filepath.Join(root, "2025-01-10", "raw-exc-20250110T080000Z-ab12-42.jsonl")))

		jsonl, err := os.ReadFile(files.JSONL)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(jsonl)).To(ContainSubstring(`"on_exception_247":true`))

		csv, err := os.ReadFile(files.CSV)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(csv)).To(HavePrefix("req_id,seq,ns,workload,on_exception_247,on_exception_out_worktime,"))
		Expect(string(csv)).To(ContainSubstring("team-a,api,true,false,alice,release,2025-01-31,20250131"))

		meta, err := os.ReadFile(files.Meta)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(meta)).To(ContainSubstring("created_by=alice\n"))
		Expect(string(meta)).To(ContainSubstring("job=register-exception\n"))
	})
})

var _ = Describe("ListJSONL", func() {
	It("should return files within the lookback window in stable order", func() {
		clk := clocktesting.NewFakeClock(now)
		store, root := newStore(clk)

		fresh := filepath.Join(root, "2025-01-10", "raw-exc-b-1.jsonl")
		fresher := filepath.Join(root, "2025-01-09", "raw-exc-a-1.jsonl")
		stale := filepath.Join(root, "2024-10-01", "raw-exc-old-1.jsonl")
		ignored := filepath.Join(root, "2025-01-10", "notes.txt")
		for _, path := range []string{fresh, fresher, stale, ignored} {
			Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
			Expect(os.WriteFile(path, []byte("{}\n"), 0o644)).To(Succeed())
		}
		Expect(os.Chtimes(stale, now.AddDate(0, 0, -100), now.AddDate(0, 0, -100))).To(Succeed())

		files, err := store.ListJSONL(90)
		Expect(err).ToNot(HaveOccurred())
		Expect(files).To(Equal([]string{fresher, fresh}))
	})
})

var _ = Describe("GuardRoot", func() {
	It("should refuse empty, slash and foreign roots", func() {
		Expect(rawstore.GuardRoot("")).ToNot(Succeed())
		Expect(rawstore.GuardRoot("/")).ToNot(Succeed())
		Expect(rawstore.GuardRoot("/data/somewhere/else")).ToNot(Succeed())
	})
	It("should accept a real raw store root", func() {
		Expect(rawstore.GuardRoot("/data/exceptions/raw")).To(Succeed())
	})
})

var _ = Describe("Retention", func() {
	var clk *clocktesting.FakeClock
	var store *rawstore.Store
	var root string
	var expired, fresh string

	BeforeEach(func() {
		clk = clocktesting.NewFakeClock(now)
		store, root = newStore(clk)

		expired = filepath.Join(root, "2024-09-01", "raw-exc-old-1.jsonl")
		fresh = filepath.Join(root, "2025-01-09", "raw-exc-new-1.jsonl")
		for _, path := range []string{expired, fresh} {
			Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
			Expect(os.WriteFile(path, []byte("{}\n"), 0o644)).To(Succeed())
		}
		Expect(os.Chtimes(expired, now.AddDate(0, 0, -131), now.AddDate(0, 0, -131))).To(Succeed())
	})

	It("should delete expired files and their emptied day directory", func() {
		Expect(store.Retention(90, false)).To(Succeed())
		Expect(expired).ToNot(BeAnExistingFile())
		Expect(filepath.Dir(expired)).ToNot(BeADirectory())
		Expect(fresh).To(BeAnExistingFile())
	})
	It("should only list victims in dry run", func() {
		Expect(store.Retention(90, true)).To(Succeed())
		Expect(expired).To(BeAnExistingFile())
	})
	It("should skip the sweep when the lock is held", func() {
		Expect(os.Mkdir(filepath.Join(root, ".retention.lock"), 0o755)).To(Succeed())
		done := make(chan error, 1)
		go func() {
			done <- store.Retention(90, false)
		}()
		// The contender sleeps 59 times between its 60 attempts; walk it
		// through the budget.
		for i := 0; i < 59; i++ {
			Eventually(clk.HasWaiters).Should(BeTrue())
			clk.Step(time.Second)
		}
		Eventually(done).Should(Receive(Succeed()))
		Expect(expired).To(BeAnExistingFile())
	})
	It("should never touch files outside its naming contract", func() {
		foreign := filepath.Join(root, "2024-09-01", "handwritten-notes.md")
		Expect(os.WriteFile(foreign, []byte("keep"), 0o644)).To(Succeed())
		Expect(os.Chtimes(foreign, now.AddDate(0, 0, -131), now.AddDate(0, 0, -131))).To(Succeed())
		Expect(store.Retention(90, false)).To(Succeed())
		Expect(foreign).To(BeAnExistingFile())
	})
})
