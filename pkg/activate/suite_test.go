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

package activate_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/ontimeops/exception-ontime/pkg/activate"
	"github.com/ontimeops/exception-ontime/pkg/errors"
	"github.com/ontimeops/exception-ontime/pkg/exceptions"
)

func TestActivate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Activate")
}

var today = time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

func writePolished(outDir string, lines ...string) {
	Expect(os.MkdirAll(outDir, 0o755)).To(Succeed())
	path := filepath.Join(outDir, "polished_exceptions.jsonl")
	Expect(os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)).To(Succeed())
}

func readActive(outDir string) []exceptions.ActiveRecord {
	data, err := os.ReadFile(filepath.Join(outDir, activate.ActiveJSONL))
	Expect(err).ToNot(HaveOccurred())
	var records []exceptions.ActiveRecord
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var r exceptions.ActiveRecord
		Expect(json.Unmarshal([]byte(line), &r)).To(Succeed())
		records = append(records, r)
	}
	return records
}

var _ = Describe("Run", func() {
	var outDir string

	BeforeEach(func() {
		outDir = filepath.Join(GinkgoT().TempDir(), "out")
	})

	It("should fail with a missing-input error when dedupe has not run", func() {
		err := activate.New(logr.Discard(), outDir, 60).Run(today)
		Expect(err).To(HaveOccurred())
		Expect(errors.CodeOf(err)).To(Equal(errors.ExitMissingInput))
	})
	It("should project live records and drop expired or far-future ones", func() {
		writePolished(outDir,
			`{"ns":"team-a","workload":"api","mode_effective":"247","end_date":"2025-01-20","days_left":10}`,
			`{"ns":"team-a","workload":"gone","mode_effective":"247","end_date":"2025-01-09","days_left":-1}`,
			`{"ns":"team-a","workload":"far","mode_effective":"247","end_date":"2025-06-01","days_left":142}`,
		)
		Expect(activate.New(logr.Discard(), outDir, 60).Run(today)).To(Succeed())

		records := readActive(outDir)
		Expect(records).To(HaveLen(1))
		Expect(records[0].Workload).To(Equal("api"))
		Expect(records[0].DaysLeft).To(Equal(10))
	})
	It("should accept an exception ending today", func() {
		writePolished(outDir,
			`{"ns":"team-a","workload":"api","mode_effective":"out_worktime","end_date":"2025-01-10"}`,
		)
		Expect(activate.New(logr.Discard(), outDir, 60).Run(today)).To(Succeed())
		records := readActive(outDir)
		Expect(records).To(HaveLen(1))
		Expect(records[0].DaysLeft).To(Equal(0))
	})
	It("should normalize wildcard spellings and collapse them to the latest end", func() {
		writePolished(outDir,
			`{"ns":"team-a","workload":"ALL","mode_effective":"out_worktime","end_date":"2025-01-15"}`,
			`{"ns":"team-a","workload":"*","mode_effective":"247","end_date":"2025-01-20"}`,
		)
		Expect(activate.New(logr.Discard(), outDir, 60).Run(today)).To(Succeed())

		records := readActive(outDir)
		Expect(records).To(HaveLen(1))
		Expect(records[0].Workload).To(Equal(exceptions.Wildcard))
		Expect(records[0].Mode).To(Equal(exceptions.Mode247))
		Expect(records[0].EndDate).To(Equal("2025-01-20"))
	})
	It("should keep wildcard and specific records side by side", func() {
		writePolished(outDir,
			`{"ns":"team-a","workload":"ALL","mode_effective":"out_worktime","end_date":"2025-01-15"}`,
			`{"ns":"team-a","workload":"api","mode_effective":"247","end_date":"2025-01-20"}`,
		)
		Expect(activate.New(logr.Discard(), outDir, 60).Run(today)).To(Succeed())
		Expect(readActive(outDir)).To(HaveLen(2))
	})
	It("should skip unparseable lines and records without a usable mode", func() {
		writePolished(outDir,
			`not json`,
			`{"ns":"team-a","workload":"api","mode_effective":"whenever","end_date":"2025-01-20"}`,
			`{"ns":"team-a","workload":"ok","mode_effective":"247","end_date":"2025-01-20"}`,
		)
		Expect(activate.New(logr.Discard(), outDir, 60).Run(today)).To(Succeed())
		records := readActive(outDir)
		Expect(records).To(HaveLen(1))
		Expect(records[0].Workload).To(Equal("ok"))
	})
	It("should write the Markdown preview with the policy window in the title", func() {
		writePolished(outDir,
			`{"ns":"team-a","workload":"api","mode_effective":"247","end_date":"2025-01-20"}`,
		)
		Expect(activate.New(logr.Discard(), outDir, 60).Run(today)).To(Succeed())

		data, err := os.ReadFile(filepath.Join(outDir, activate.ActiveMD))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(HavePrefix("**Active exceptions @ 2025-01-10 (MAX_DAYS=60)**\n\n"))
		Expect(string(data)).To(ContainSubstring("team-a"))
	})
})

var _ = Describe("Load", func() {
	var outDir string

	BeforeEach(func() {
		outDir = filepath.Join(GinkgoT().TempDir(), "out")
		Expect(os.MkdirAll(outDir, 0o755)).To(Succeed())
	})

	It("should return an empty map when the file is absent", func() {
		active, err := activate.Load(outDir)
		Expect(err).ToNot(HaveOccurred())
		Expect(active).To(BeEmpty())
	})
	It("should key records by namespace and normalized workload", func() {
		path := filepath.Join(outDir, activate.ActiveJSONL)
		Expect(os.WriteFile(path, []byte(strings.Join([]string{
			`{"ns":"team-a","workload":"api","mode":"247","end_date":"2025-01-20"}`,
			`{"ns":"team-a","workload":"ALL","mode":"out_worktime","end_date":"2025-01-15"}`,
			`{"ns":"team-b","workload":"x","mode":"sometimes","end_date":"2025-01-15"}`,
		}, "\n")+"\n"), 0o644)).To(Succeed())

		active, err := activate.Load(outDir)
		Expect(err).ToNot(HaveOccurred())
		Expect(active).To(HaveLen(2))
		Expect(active).To(HaveKey("team-a|api"))
		Expect(active).To(HaveKey("team-a|" + exceptions.Wildcard))
	})
})
