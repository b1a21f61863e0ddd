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

// Package rawstore owns the dated tree of immutable raw record files: the
// builder publishes batches into it, the retention sweep ages them out, and
// the deduplicator enumerates the lookback window from it.
package rawstore

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/ontimeops/exception-ontime/pkg/exceptions"
	"github.com/ontimeops/exception-ontime/pkg/metrics"
	"github.com/ontimeops/exception-ontime/pkg/utils/filesys"
)

// csvHeader is the column contract of the raw CSV twin. The JSONL file is
// the machine input; the CSV exists for humans paging through a day.
var csvHeader = []string{
	"req_id", "seq", "ns", "workload", "on_exception_247", "on_exception_out_worktime",
	"requester", "reason", "end_date", "end_input", "created_at", "created_by",
	"source_job", "source_build", "status", "hash",
}

type Store struct {
	root string
	clk  clock.Clock
	log  logr.Logger
}

func NewStore(clk clock.Clock, log logr.Logger, root string) *Store {
	return &Store{root: root, clk: clk, log: log.WithName("rawstore")}
}

func (s *Store) Root() string {
	return s.root
}

// NewReqID mints a batch id: the UTC instant plus a short random suffix so
// two builds in the same second cannot collide.
func NewReqID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return fmt.Sprintf("exc-%s-%s", now.UTC().Format("20060102T150405Z"), suffix)
}

// Batch is one validated registration materialized as records.
type Batch struct {
	ReqID   string
	Build   string
	Records []exceptions.RawRecord
	// Meta provenance
	CreatedAt string
	CreatedBy string
	Job       string
	BuildURL  string
}

// PublishedFiles reports where a batch landed.
type PublishedFiles struct {
	JSONL string
	CSV   string
	Meta  string
}

// Publish writes the batch under <root>/<today>/raw-<req_id>-<build>.* with
// each file going through temp-and-rename. The trio is not published
// atomically as a set; consumers key off the JSONL alone.
func (s *Store) Publish(batch Batch, today string) (PublishedFiles, error) {
	dayDir := filepath.Join(s.root, today)
	base := fmt.Sprintf("raw-%s-%s", batch.ReqID, batch.Build)
	files := PublishedFiles{
		JSONL: filepath.Join(dayDir, base+".jsonl"),
		CSV:   filepath.Join(dayDir, base+".csv"),
		Meta:  filepath.Join(dayDir, base+".meta"),
	}

	if err := filesys.WriteJSONLines(files.JSONL, batch.Records); err != nil {
		return PublishedFiles{}, err
	}
	if err := filesys.WriteAtomic(files.CSV, encodeCSV(batch.Records)); err != nil {
		return PublishedFiles{}, err
	}

	meta := fmt.Sprintf("created_at=%s\ncreated_by=%s\njob=%s\nbuild=%s\nfiles=%s\n",
		batch.CreatedAt, batch.CreatedBy, batch.Job, batch.BuildURL,
		strings.Join([]string{filepath.Base(files.JSONL), filepath.Base(files.CSV)}, ","))
	if err := filesys.WriteAtomic(files.Meta, []byte(meta)); err != nil {
		return PublishedFiles{}, err
	}

	metrics.RawRecords.Add(float64(len(batch.Records)))
	s.log.Info("published raw batch", "req_id", batch.ReqID, "records", len(batch.Records), "jsonl", files.JSONL)
	return files, nil
}

func encodeCSV(records []exceptions.RawRecord) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(csvHeader)
	for _, r := range records {
		_ = w.Write([]string{
			r.ReqID, strconv.Itoa(r.Seq), r.Namespace, r.Workload,
			strconv.FormatBool(r.On247), strconv.FormatBool(r.OnOutWorktime),
			r.Requester, r.Reason, r.EndDate, r.EndInput, r.CreatedAt, r.CreatedBy,
			r.SourceJob, r.SourceBuild, r.Status, r.Hash,
		})
	}
	w.Flush()
	return buf.Bytes()
}

// ListJSONL returns every raw-*.jsonl under the root whose modification time
// falls within the lookback window, sorted lexicographically by full path so
// reruns fold files in a stable order. A file whose mtime cannot be read is
// included rather than silently dropped.
func (s *Store) ListJSONL(lookbackDays int) ([]string, error) {
	cutoff := s.clk.Now().Add(-time.Duration(lookbackDays) * 24 * time.Hour)
	var files []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasPrefix(name, "raw-") || !strings.HasSuffix(name, ".jsonl") {
			return nil
		}
		if info, err := d.Info(); err == nil && info.ModTime().Before(cutoff) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking raw store %s, %w", s.root, err)
	}
	sort.Strings(files)
	return files, nil
}
