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

package dedupe

import (
	"bytes"
	"encoding/csv"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ontimeops/exception-ontime/pkg/exceptions"
	"github.com/ontimeops/exception-ontime/pkg/utils/filesys"
)

// setSeparator joins set-valued fields inside a single CSV cell.
const setSeparator = ";"

var polishedHeader = []string{
	"ns", "workload", "mode_effective", "modes", "end_date", "days_left",
	"requesters", "reasons", "patchers", "sources_count", "last_updated_at",
}

func (d *Deduper) writeOutputs(polished []exceptions.PolishedRecord, invalids []exceptions.InvalidRecord, today time.Time) error {
	if err := filesys.WriteJSONLines(filepath.Join(d.outDir, PolishedJSONL), polished); err != nil {
		return err
	}
	if err := filesys.WriteAtomic(filepath.Join(d.outDir, PolishedCSV), encodePolishedCSV(polished)); err != nil {
		return err
	}
	if err := filesys.WriteJSONLines(filepath.Join(d.outDir, InvalidJSONL), invalids); err != nil {
		return err
	}
	return d.writeDigests(polished, today)
}

func encodePolishedCSV(records []exceptions.PolishedRecord) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(polishedHeader)
	for _, r := range records {
		_ = w.Write([]string{
			r.Namespace, r.Workload, r.ModeEffective,
			strings.Join(r.Modes, setSeparator),
			r.EndDate, strconv.Itoa(r.DaysLeft),
			strings.Join(r.Requesters, setSeparator),
			strings.Join(r.Reasons, setSeparator),
			strings.Join(r.Patchers, setSeparator),
			strconv.Itoa(r.SourcesCount),
			r.LastUpdatedAt,
		})
	}
	w.Flush()
	return buf.Bytes()
}
