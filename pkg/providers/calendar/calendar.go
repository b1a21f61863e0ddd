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

// Package calendar is the single time authority for the pipeline: the local
// wall clock in the configured zone, the effective calendar date (with the
// TODAY override used by tests and simulated runs), and the holiday set.
package calendar

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"
)

const (
	// DateLayout is the canonical calendar-date form used in every record.
	DateLayout = "2006-01-02"
	// compactLayout is the form end dates arrive in from CI job parameters.
	compactLayout = "20060102"
)

type Provider struct {
	clk      clock.Clock
	location *time.Location
	override string
}

// NewProvider resolves the configured zone and captures the optional
// TODAY=YYYY-MM-DD override. The override shifts the effective date only;
// time-of-day decisions always come from the real clock.
func NewProvider(clk clock.Clock, tz string, todayOverride string) (*Provider, error) {
	location, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("loading time zone %q, %w", tz, err)
	}
	if todayOverride != "" {
		if _, err := ParseDate(todayOverride); err != nil {
			return nil, fmt.Errorf("parsing TODAY override, %w", err)
		}
	}
	return &Provider{clk: clk, location: location, override: todayOverride}, nil
}

// Now returns the current instant in the configured zone.
func (p *Provider) Now() time.Time {
	return p.clk.Now().In(p.location)
}

// Today returns the effective calendar date as a UTC midnight, honoring the
// override when set.
func (p *Provider) Today() time.Time {
	if p.override != "" {
		today, _ := ParseDate(p.override)
		return today
	}
	year, month, day := p.Now().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// TodayString returns Today in the canonical YYYY-MM-DD form.
func (p *Provider) TodayString() string {
	return p.Today().Format(DateLayout)
}

// Location exposes the configured zone for window arithmetic.
func (p *Provider) Location() *time.Location {
	return p.location
}

// ParseDate accepts YYYY-MM-DD or YYYYMMDD and returns the date as a UTC
// midnight so that day arithmetic is exact.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{DateLayout, compactLayout} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD or YYYYMMDD)", value)
}

// NormalizeDate rewrites either accepted form into YYYY-MM-DD.
func NormalizeDate(value string) (string, error) {
	t, err := ParseDate(value)
	if err != nil {
		return "", err
	}
	return t.Format(DateLayout), nil
}

// DaysBetween returns to-from in whole days. Both arguments are expected to
// be UTC midnights from ParseDate or Today.
func DaysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

// LoadHolidays reads one ISO date per line, skipping blanks and # comments.
// A missing or unset file means no holidays rather than an error.
func LoadHolidays(path string) (sets.Set[string], error) {
	holidays := sets.New[string]()
	if path == "" {
		return holidays, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return holidays, nil
		}
		return nil, fmt.Errorf("opening holidays file, %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		normalized, err := NormalizeDate(line)
		if err != nil {
			continue
		}
		holidays.Insert(normalized)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading holidays file, %w", err)
	}
	return holidays, nil
}
