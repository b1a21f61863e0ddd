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

// Package dedupe folds every raw record inside the lookback window into one
// polished record per (namespace, workload) key. It is a pure function of
// the raw store content and the effective date: rerunning it produces
// byte-identical outputs.
package dedupe

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/ontimeops/exception-ontime/pkg/exceptions"
	"github.com/ontimeops/exception-ontime/pkg/metrics"
	"github.com/ontimeops/exception-ontime/pkg/options"
	"github.com/ontimeops/exception-ontime/pkg/providers/calendar"
	"github.com/ontimeops/exception-ontime/pkg/providers/rawstore"
	"github.com/ontimeops/exception-ontime/pkg/utils/filesys"
	"github.com/ontimeops/exception-ontime/pkg/utils/mkdirlock"
)

// outputLockAttempts bounds how long a run waits for a concurrent one before
// assuming the other run will produce the same outputs and exiting cleanly.
const outputLockAttempts = 120

const (
	PolishedJSONL = "polished_exceptions.jsonl"
	PolishedCSV   = "polished_exceptions.csv"
	InvalidJSONL  = "invalid.jsonl"
)

type Deduper struct {
	store  *rawstore.Store
	clk    clock.Clock
	log    logr.Logger
	outDir string

	maxDays    int
	filterNS   string
	filterWL   string
	dumpRaw    bool
	dumpGroups bool
}

func New(clk clock.Clock, log logr.Logger, store *rawstore.Store, opts *options.Options) *Deduper {
	return &Deduper{
		store:      store,
		clk:        clk,
		log:        log.WithName("dedupe"),
		outDir:     opts.OutDir,
		maxDays:    opts.MaxDays,
		filterNS:   opts.FilterNS,
		filterWL:   opts.FilterWL,
		dumpRaw:    opts.DebugDumpRaw,
		dumpGroups: opts.DebugDumpGroups,
	}
}

// candidate is one accepted raw record, reduced to the fields aggregation
// needs.
type candidate struct {
	end          time.Time
	hasEnd       bool
	modes        sets.Set[string]
	requester    string
	reason       string
	patcher      string
	createdAt    time.Time
	hasCreatedAt bool
	createdAtRaw string
	source       string
}

// group is every candidate for one (ns, workload) key, spelled exactly as
// submitted. Wildcard tokens are normalized later, by the activator.
type group struct {
	ns       string
	workload string
	records  []candidate
}

// Run executes the whole stage: acquire the output lock, fold the lookback
// window, aggregate per group, publish polished + invalid + digest files.
// Lock contention is a clean no-op by design.
func (d *Deduper) Run(lookbackDays int, today time.Time) error {
	if err := filesys.EnsureDir(d.outDir); err != nil {
		return err
	}
	lock := mkdirlock.New(d.clk, filepath.Join(d.outDir, ".lock"))
	if !lock.TryAcquire(outputLockAttempts) {
		metrics.LockContention.WithLabelValues("dedupe").Inc()
		d.log.Info("output lock held, assuming another run is active, exiting without writes")
		return nil
	}
	defer lock.Release()

	files, err := d.store.ListJSONL(lookbackDays)
	if err != nil {
		return err
	}
	d.log.Info("folding raw files", "files", len(files), "lookback_days", lookbackDays, "max_days", d.maxDays, "today", today.Format(calendar.DateLayout))

	groups, invalids := d.fold(files)
	polished, groupInvalids := d.aggregate(groups, today)
	invalids = append(invalids, groupInvalids...)

	if err := d.writeOutputs(polished, invalids, today); err != nil {
		return err
	}
	d.log.Info("dedupe complete", "groups", len(groups), "polished", len(polished), "invalid", len(invalids))
	return nil
}

// fold streams every file line by line, validating and accumulating into
// groups. Bad lines land in the invalid list and never abort the run.
func (d *Deduper) fold(files []string) (map[string]*group, []exceptions.InvalidRecord) {
	groups := map[string]*group{}
	var invalids []exceptions.InvalidRecord

	reject := func(inv exceptions.InvalidRecord) {
		metrics.InvalidRecords.WithLabelValues(inv.Reason).Inc()
		invalids = append(invalids, inv)
	}

	for _, path := range files {
		err := filesys.ReadLines(path, func(n int, line string) error {
			metrics.RawLines.Inc()
			var record exceptions.RawRecord
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				reject(exceptions.InvalidRecord{Reason: exceptions.ReasonJSONParseError, File: path, Line: n, Error: err.Error()})
				return nil
			}
			ns := strings.TrimSpace(record.Namespace)
			wl := strings.TrimSpace(record.Workload)
			if !d.keep(ns, wl) {
				return nil
			}
			if ns == "" || wl == "" {
				reject(exceptions.InvalidRecord{Reason: exceptions.ReasonMissingNSOrWorkload, File: path, Line: n})
				return nil
			}
			if !record.HasMode() {
				reject(exceptions.InvalidRecord{Reason: exceptions.ReasonNoMode, File: path, Line: n, Namespace: ns, Workload: wl})
				return nil
			}

			cand := newCandidate(record, path, n)
			if d.dumpRaw {
				d.log.Info("raw record", "file", filepath.Base(path), "line", n,
					"ns", ns, "workload", wl, "modes", sets.List(cand.modes),
					"end", lo.Ternary(cand.hasEnd, cand.end.Format(calendar.DateLayout), ""),
					"requester", cand.requester, "source", cand.source)
			}

			key := ns + "|" + wl
			g, ok := groups[key]
			if !ok {
				g = &group{ns: ns, workload: wl}
				groups[key] = g
			}
			g.records = append(g.records, cand)
			return nil
		})
		if err != nil {
			// A file that disappears mid-run (retention) is not worth
			// failing the whole fold over.
			d.log.Error(err, "reading raw file", "path", path)
		}
	}
	return groups, invalids
}

func newCandidate(record exceptions.RawRecord, path string, line int) candidate {
	cand := candidate{
		modes:     sets.New(record.Modes()...),
		requester: strings.TrimSpace(record.Requester),
		reason:    strings.TrimSpace(record.Reason),
		patcher:   strings.TrimSpace(record.CreatedBy),
	}

	// Prefer the user-supplied end over the normalized one; both forms parse.
	for _, value := range []string{record.EndInput, record.EndDate} {
		if end, err := calendar.ParseDate(value); err == nil {
			cand.end, cand.hasEnd = end, true
			break
		}
	}

	cand.createdAtRaw = strings.TrimSpace(record.CreatedAt)
	if ts, err := time.Parse(time.RFC3339, cand.createdAtRaw); err == nil {
		cand.createdAt, cand.hasCreatedAt = ts, true
	}

	seq := lo.Ternary(record.Seq > 0, record.Seq, line)
	reqID := lo.Ternary(record.ReqID != "", record.ReqID, "?")
	cand.source = fmt.Sprintf("%s:%s#%d", filepath.Base(path), reqID, seq)
	return cand
}

func (d *Deduper) keep(ns, wl string) bool {
	if d.filterNS != "" && ns != d.filterNS {
		return false
	}
	if d.filterWL != "" && wl != d.filterWL {
		return false
	}
	return true
}

// aggregate chooses each group's effective end date and folds the matching
// candidates into one polished record. Groups with no end date inside the
// policy window become invalid records instead.
func (d *Deduper) aggregate(groups map[string]*group, today time.Time) ([]exceptions.PolishedRecord, []exceptions.InvalidRecord) {
	var polished []exceptions.PolishedRecord
	var invalids []exceptions.InvalidRecord

	for _, key := range sortedKeys(groups) {
		g := groups[key]
		if d.dumpGroups {
			d.dumpGroup(key, g, today)
		}

		valid := lo.Filter(g.records, func(c candidate, _ int) bool {
			if !c.hasEnd {
				return false
			}
			dl := calendar.DaysBetween(today, c.end)
			return dl >= 0 && dl <= d.maxDays
		})

		if len(valid) > 0 {
			end := latestEnd(valid)
			record := aggregateFor(g, end, matching(valid, end), today)
			metrics.PolishedRecords.Inc()
			polished = append(polished, record)
			continue
		}

		withEnd := lo.Filter(g.records, func(c candidate, _ int) bool { return c.hasEnd })
		if len(withEnd) == 0 {
			metrics.InvalidRecords.WithLabelValues(exceptions.ReasonMissingEndDate).Inc()
			invalids = append(invalids, exceptions.InvalidRecord{
				Reason: exceptions.ReasonMissingEndDate, Namespace: g.ns, Workload: g.workload,
			})
			continue
		}
		end := latestEnd(withEnd)
		metrics.InvalidRecords.WithLabelValues(exceptions.ReasonAllOutsideWindow).Inc()
		invalids = append(invalids, exceptions.InvalidRecord{
			Reason:     exceptions.ReasonAllOutsideWindow,
			Namespace:  g.ns,
			Workload:   g.workload,
			LatestEnd:  end.Format(calendar.DateLayout),
			WindowDays: d.maxDays,
		})
	}
	return polished, invalids
}

// aggregateFor unions the chosen candidates into the polished record for end.
// Several records with the same end date collapse here; earlier end dates
// were already subsumed by the max-end selection.
func aggregateFor(g *group, end time.Time, chosen []candidate, today time.Time) exceptions.PolishedRecord {
	modes := sets.New[string]()
	requesters := sets.New[string]()
	reasons := sets.New[string]()
	patchers := sets.New[string]()
	sourceSeen := sets.New[string]()
	var sources []string
	var lastUpdated time.Time
	var lastUpdatedRaw string
	hasLastUpdated := false

	for _, c := range chosen {
		modes = modes.Union(c.modes)
		if c.requester != "" {
			requesters.Insert(c.requester)
		}
		if c.reason != "" {
			reasons.Insert(c.reason)
		}
		if c.patcher != "" {
			patchers.Insert(c.patcher)
		}
		if c.source != "" && !sourceSeen.Has(c.source) {
			sourceSeen.Insert(c.source)
			sources = append(sources, c.source)
		}
		if c.hasCreatedAt && (!hasLastUpdated || c.createdAt.After(lastUpdated)) {
			lastUpdated, hasLastUpdated = c.createdAt, true
			lastUpdatedRaw = c.createdAtRaw
		} else if !hasLastUpdated && c.createdAtRaw > lastUpdatedRaw {
			// Textual fallback when no timestamp in the group parsed.
			lastUpdatedRaw = c.createdAtRaw
		}
	}
	sort.Strings(sources)

	return exceptions.PolishedRecord{
		Namespace:     g.ns,
		Workload:      g.workload,
		ModeEffective: exceptions.EffectiveMode(sets.List(modes)),
		Modes:         sets.List(modes),
		EndDate:       end.Format(calendar.DateLayout),
		DaysLeft:      calendar.DaysBetween(today, end),
		Requesters:    sets.List(requesters),
		Reasons:       sets.List(reasons),
		Patchers:      sets.List(patchers),
		Sources:       sources,
		SourcesCount:  len(sources),
		LastUpdatedAt: lastUpdatedRaw,
	}
}

func latestEnd(candidates []candidate) time.Time {
	return lo.MaxBy(candidates, func(a, b candidate) bool { return a.end.After(b.end) }).end
}

func matching(candidates []candidate, end time.Time) []candidate {
	return lo.Filter(candidates, func(c candidate, _ int) bool { return c.end.Equal(end) })
}

// sortedKeys orders group keys case-insensitively, the record order of every
// output file.
func sortedKeys(groups map[string]*group) []string {
	keys := lo.Keys(groups)
	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})
	return keys
}

func (d *Deduper) dumpGroup(key string, g *group, today time.Time) {
	d.log.Info("group", "key", key, "records", len(g.records))
	for i, c := range g.records {
		values := []interface{}{
			"index", i + 1, "modes", sets.List(c.modes),
			"requester", c.requester, "reason", c.reason, "patcher", c.patcher,
			"created_at", c.createdAtRaw, "source", c.source,
		}
		if c.hasEnd {
			values = append(values, "end", c.end.Format(calendar.DateLayout), "days_left", calendar.DaysBetween(today, c.end))
		}
		d.log.Info("group candidate", values...)
	}
}
