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

// Package request models a registration payload as it arrives from the CI
// form: mode flags, requester, reason, end date and the workload list. The
// validate stage checks it without side effects; the build stage re-validates
// before publishing raw records.
package request

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/ontimeops/exception-ontime/pkg/options"
	"github.com/ontimeops/exception-ontime/pkg/providers/calendar"
)

// WorkloadRef is one parsed `<ns> | <workload>` line.
type WorkloadRef struct {
	Namespace string
	Workload  string
}

// Payload is the registration request assembled from the EXEC_* environment.
type Payload struct {
	On247         bool
	OnOutWorktime bool
	Requester     string
	Reason        string
	// EndInput is the user-supplied string, preserved verbatim in raw
	// records; EndDate is its normalized YYYY-MM-DD form, empty until
	// Validate succeeds on the date.
	EndInput string
	EndDate  string
	// RawWorkloadList is the unparsed block; Workloads is filled by Validate.
	RawWorkloadList string
	Workloads       []WorkloadRef
}

// FromOptions lifts the registration fields out of the bound environment.
func FromOptions(opts *options.Options) *Payload {
	return &Payload{
		On247:           opts.On247,
		OnOutWorktime:   opts.OnOutWorktime,
		Requester:       opts.Requester,
		Reason:          opts.Reason,
		EndInput:        opts.EndDate,
		RawWorkloadList: opts.WorkloadList,
	}
}

// Validate checks the whole payload and aggregates every problem found
// rather than stopping at the first, so the requester fixes the form once.
// On success EndDate and Workloads are populated.
func (p *Payload) Validate(today time.Time, maxDaysAllowed int) (err error) {
	if !p.On247 && !p.OnOutWorktime {
		err = multierr.Append(err, fmt.Errorf("at least one of EXEC_ON_247 or EXEC_ON_OUT must be true"))
	}
	if p.Requester == "" {
		err = multierr.Append(err, fmt.Errorf("EXEC_REQUESTER is required"))
	}
	if p.Reason == "" {
		err = multierr.Append(err, fmt.Errorf("EXEC_REASON is required"))
	}

	if p.EndInput == "" {
		err = multierr.Append(err, fmt.Errorf("EXEC_END_DATE is required"))
	} else if end, parseErr := calendar.ParseDate(p.EndInput); parseErr != nil {
		err = multierr.Append(err, fmt.Errorf("EXEC_END_DATE %q is not a valid YYYYMMDD or YYYY-MM-DD date", p.EndInput))
	} else if end.Before(today) {
		err = multierr.Append(err, fmt.Errorf("EXEC_END_DATE %s is in the past (today is %s)", end.Format(calendar.DateLayout), today.Format(calendar.DateLayout)))
	} else if calendar.DaysBetween(today, end) > maxDaysAllowed {
		err = multierr.Append(err, fmt.Errorf("EXEC_END_DATE %s exceeds the %d day policy window (today is %s)", end.Format(calendar.DateLayout), maxDaysAllowed, today.Format(calendar.DateLayout)))
	} else {
		p.EndDate = end.Format(calendar.DateLayout)
	}

	workloads, listErr := ParseWorkloadList(p.RawWorkloadList)
	err = multierr.Append(err, listErr)
	if listErr == nil && len(workloads) == 0 {
		err = multierr.Append(err, fmt.Errorf("EXEC_WORKLOAD_LIST must contain at least one `namespace | workload` line"))
	}
	p.Workloads = workloads
	return err
}

// ParseWorkloadList parses the strict newline-separated form. Each
// non-empty, non-comment line must contain a `|` with non-empty namespace
// and workload around it; every bad line is reported.
func ParseWorkloadList(block string) ([]WorkloadRef, error) {
	var refs []WorkloadRef
	var err error
	for n, raw := range strings.Split(strings.ReplaceAll(block, "\r", ""), "\n") {
		line := strings.TrimSpace(StripInlineComment(raw))
		if line == "" {
			continue
		}
		left, right, found := strings.Cut(line, "|")
		if !found {
			err = multierr.Append(err, fmt.Errorf("workload list line %d: missing '|' separator: %q", n+1, strings.TrimSpace(raw)))
			continue
		}
		ns, wl := strings.TrimSpace(left), strings.TrimSpace(right)
		if ns == "" {
			err = multierr.Append(err, fmt.Errorf("workload list line %d: empty namespace (left side): %q", n+1, strings.TrimSpace(raw)))
			continue
		}
		if wl == "" {
			err = multierr.Append(err, fmt.Errorf("workload list line %d: empty workload (right side): %q", n+1, strings.TrimSpace(raw)))
			continue
		}
		refs = append(refs, WorkloadRef{Namespace: ns, Workload: wl})
	}
	return refs, err
}

// Namespaces returns the distinct namespaces of the parsed workload lines.
func (p *Payload) Namespaces() []string {
	seen := map[string]struct{}{}
	var namespaces []string
	for _, ref := range p.Workloads {
		if _, ok := seen[ref.Namespace]; !ok {
			seen[ref.Namespace] = struct{}{}
			namespaces = append(namespaces, ref.Namespace)
		}
	}
	return namespaces
}

// StripInlineComment drops everything from the first '#' that is not inside
// single or double quotes. The CI form allows trailing comments on workload
// lines.
func StripInlineComment(s string) string {
	inSingle, inDouble := false, false
	for i, ch := range s {
		switch {
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
		case ch == '"' && !inSingle:
			inDouble = !inDouble
		case ch == '#' && !inSingle && !inDouble:
			return s[:i]
		}
	}
	return s
}
