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

// Package activate projects the polished set onto "active today". Wildcard
// workload tokens are normalized here, but precedence between a wildcard and
// a specific record is deliberately NOT resolved: the wildcard can expire
// independently, so the reconciler decides at scale time against its own
// notion of today.
package activate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/olekukonko/tablewriter"

	"github.com/ontimeops/exception-ontime/pkg/errors"
	"github.com/ontimeops/exception-ontime/pkg/exceptions"
	"github.com/ontimeops/exception-ontime/pkg/metrics"
	"github.com/ontimeops/exception-ontime/pkg/providers/calendar"
	"github.com/ontimeops/exception-ontime/pkg/utils/filesys"
)

const (
	ActiveJSONL = "active_exceptions.jsonl"
	ActiveMD    = "active_exceptions.md"
)

type Activator struct {
	log     logr.Logger
	outDir  string
	maxDays int
}

func New(log logr.Logger, outDir string, maxDays int) *Activator {
	return &Activator{log: log.WithName("activate"), outDir: outDir, maxDays: maxDays}
}

// Run reads polished_exceptions.jsonl and publishes the day's active set
// plus its Markdown preview. A missing polished file is a missing required
// input: the dedupe stage has not run.
func (a *Activator) Run(today time.Time) error {
	path := filepath.Join(a.outDir, "polished_exceptions.jsonl")
	if _, err := os.Stat(path); err != nil {
		return errors.MissingInput("polished input %s not found (run dedupe first), %v", path, err)
	}

	active := map[string]exceptions.ActiveRecord{}
	err := filesys.ReadLines(path, func(n int, line string) error {
		var record exceptions.PolishedRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			a.log.Info("skipping unparseable polished line", "line", n, "error", err.Error())
			return nil
		}
		a.project(record, today, active)
		return nil
	})
	if err != nil {
		return err
	}

	records := sorted(active)
	metrics.ActiveRecords.Add(float64(len(records)))
	if err := filesys.WriteJSONLines(filepath.Join(a.outDir, ActiveJSONL), records); err != nil {
		return err
	}
	if err := filesys.WriteAtomic(filepath.Join(a.outDir, ActiveMD), preview(records, today, a.maxDays)); err != nil {
		return err
	}
	a.log.Info("active set published", "records", len(records), "today", today.Format(calendar.DateLayout))
	return nil
}

// project folds one polished record into the active map when it is live
// today. Several wildcard rows for one namespace collapse to the one with
// the latest end date; specific duplicates (which polished input should not
// contain) resolve the same way.
func (a *Activator) project(record exceptions.PolishedRecord, today time.Time, active map[string]exceptions.ActiveRecord) {
	ns := strings.TrimSpace(record.Namespace)
	wl := exceptions.NormalizeWorkload(record.Workload)
	if ns == "" || wl == "" {
		return
	}
	if record.ModeEffective != exceptions.Mode247 && record.ModeEffective != exceptions.ModeOutWorktime {
		return
	}
	end, err := calendar.ParseDate(record.EndDate)
	if err != nil {
		return
	}
	daysLeft := calendar.DaysBetween(today, end)
	if daysLeft < 0 || daysLeft > a.maxDays {
		return
	}

	next := exceptions.ActiveRecord{
		Namespace:  ns,
		Workload:   wl,
		Mode:       record.ModeEffective,
		EndDate:    end.Format(calendar.DateLayout),
		DaysLeft:   daysLeft,
		Requesters: record.Requesters,
		Patchers:   record.Patchers,
	}
	key := ns + "|" + wl
	if prev, ok := active[key]; ok && prev.EndDate >= next.EndDate {
		return
	}
	active[key] = next
}

func sorted(active map[string]exceptions.ActiveRecord) []exceptions.ActiveRecord {
	records := make([]exceptions.ActiveRecord, 0, len(active))
	for _, record := range active {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if a, b := strings.ToLower(records[i].Namespace), strings.ToLower(records[j].Namespace); a != b {
			return a < b
		}
		return strings.ToLower(records[i].Workload) < strings.ToLower(records[j].Workload)
	})
	return records
}

func preview(records []exceptions.ActiveRecord, today time.Time, maxDays int) []byte {
	var buf strings.Builder
	fmt.Fprintf(&buf, "**Active exceptions @ %s (MAX_DAYS=%d)**\n\n", today.Format(calendar.DateLayout), maxDays)

	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"NS", "Workload", "Mode", "End", "D-left"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	for _, r := range records {
		table.Append([]string{r.Namespace, r.Workload, r.Mode, r.EndDate, strconv.Itoa(r.DaysLeft)})
	}
	table.Render()
	return []byte(buf.String())
}

// Load reads an active_exceptions.jsonl into the keyed map the reconciler
// consults. Records without a usable mode are dropped here so the decision
// path only sees live shapes. A missing file is an empty map: scaling with
// no exceptions is valid, everything closes outside business hours.
func Load(outDir string) (map[string]exceptions.ActiveRecord, error) {
	path := filepath.Join(outDir, ActiveJSONL)
	active := map[string]exceptions.ActiveRecord{}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return active, nil
		}
		return nil, fmt.Errorf("checking active file %s, %w", path, err)
	}
	err := filesys.ReadLines(path, func(_ int, line string) error {
		var record exceptions.ActiveRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil
		}
		ns := strings.TrimSpace(record.Namespace)
		wl := exceptions.NormalizeWorkload(record.Workload)
		if ns == "" || wl == "" {
			return nil
		}
		if record.Mode != exceptions.Mode247 && record.Mode != exceptions.ModeOutWorktime {
			return nil
		}
		record.Namespace, record.Workload = ns, wl
		active[ns+"|"+wl] = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}
