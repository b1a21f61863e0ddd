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

// Package exceptions defines the records that flow between the pipeline
// stages: raw registration events, polished (deduplicated) records, the
// day's active projection, and the invalid-record log entries.
package exceptions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

const (
	// Mode247 keeps a workload up across every action window.
	Mode247 = "247"
	// ModeOutWorktime keeps a workload up through the extended-hours windows.
	ModeOutWorktime = "out_worktime"

	// Wildcard is the canonical namespace-wide workload selector. All other
	// accepted spellings normalize to this one.
	Wildcard = "_ALL_"

	// StatusDraft is the only status a raw record is ever written with.
	StatusDraft = "draft"
)

// wildcardTokens are the accepted namespace-wide selectors, compared
// case-insensitively.
var wildcardTokens = []string{"ALL", "_ALL_", "__ALL__", "*", "ALL-OF-WORKLOAD"}

// IsWildcard reports whether the workload selector targets every workload in
// its namespace.
func IsWildcard(workload string) bool {
	return lo.Contains(wildcardTokens, strings.ToUpper(strings.TrimSpace(workload)))
}

// NormalizeWorkload trims the selector and folds every wildcard spelling into
// Wildcard.
func NormalizeWorkload(workload string) string {
	if IsWildcard(workload) {
		return Wildcard
	}
	return strings.TrimSpace(workload)
}

// RawRecord is one immutable registration event. Records are published as
// JSON lines by the builder and never modified afterwards.
type RawRecord struct {
	ReqID         string `json:"req_id"`
	Seq           int    `json:"seq"`
	Namespace     string `json:"ns"`
	Workload      string `json:"workload"`
	On247         bool   `json:"on_exception_247"`
	OnOutWorktime bool   `json:"on_exception_out_worktime"`
	Requester     string `json:"requester"`
	Reason        string `json:"reason"`
	EndDate       string `json:"end_date"`
	EndInput      string `json:"end_input"`
	CreatedAt     string `json:"created_at"`
	CreatedBy     string `json:"created_by"`
	SourceJob     string `json:"source_job"`
	SourceBuild   string `json:"source_build"`
	Status        string `json:"status"`
	Hash          string `json:"hash"`
}

// UnmarshalJSON accepts both the corrected mode keys and the historical
// misspelled ones ("on_exeption_*"). When a record carries both, the flags
// combine with OR, matching how the previous readers coalesced them.
func (r *RawRecord) UnmarshalJSON(data []byte) error {
	type alias RawRecord
	aux := struct {
		*alias
		Legacy247         *bool `json:"on_exeption_247"`
		LegacyOutWorktime *bool `json:"on_exeption_out_worktime"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Legacy247 != nil && *aux.Legacy247 {
		r.On247 = true
	}
	if aux.LegacyOutWorktime != nil && *aux.LegacyOutWorktime {
		r.OnOutWorktime = true
	}
	return nil
}

// Modes returns the mode strings this record declares, in precedence order.
func (r RawRecord) Modes() []string {
	var modes []string
	if r.On247 {
		modes = append(modes, Mode247)
	}
	if r.OnOutWorktime {
		modes = append(modes, ModeOutWorktime)
	}
	return modes
}

// HasMode reports whether at least one of the mode flags is set.
func (r RawRecord) HasMode() bool {
	return r.On247 || r.OnOutWorktime
}

// ContentHash fingerprints the fields a requester controls. Two submissions
// of the same request hash identically regardless of batch or timing.
func (r RawRecord) ContentHash() string {
	preimage := strings.Join([]string{
		r.Namespace,
		r.Workload,
		r.EndDate,
		strconv.FormatBool(r.On247),
		strconv.FormatBool(r.OnOutWorktime),
		r.Requester,
		r.Reason,
	}, "|")
	sum := sha256.Sum256([]byte(preimage))
	return hex.EncodeToString(sum[:])
}

// PolishedRecord is the aggregate of every raw record for one
// (namespace, workload) key within the lookback window.
type PolishedRecord struct {
	Namespace     string   `json:"ns"`
	Workload      string   `json:"workload"`
	ModeEffective string   `json:"mode_effective"`
	Modes         []string `json:"modes"`
	EndDate       string   `json:"end_date"`
	DaysLeft      int      `json:"days_left"`
	Requesters    []string `json:"requesters"`
	Reasons       []string `json:"reasons"`
	Patchers      []string `json:"patchers"`
	Sources       []string `json:"sources"`
	SourcesCount  int      `json:"sources_count"`
	LastUpdatedAt string   `json:"last_updated_at"`
}

// ActiveRecord is the projection of a polished record onto the current day.
// Wildcard records keep their namespace-wide meaning; precedence against
// specific records is resolved by the reconciler, not here.
type ActiveRecord struct {
	Namespace  string   `json:"ns"`
	Workload   string   `json:"workload"`
	Mode       string   `json:"mode"`
	EndDate    string   `json:"end_date"`
	DaysLeft   int      `json:"days_left"`
	Requesters []string `json:"requesters,omitempty"`
	Patchers   []string `json:"patchers,omitempty"`
}

// Invalid-record reasons emitted by the deduplicator.
const (
	ReasonJSONParseError      = "json_parse_error"
	ReasonMissingNSOrWorkload = "missing_ns_or_workload"
	ReasonNoMode              = "no_mode"
	ReasonAllOutsideWindow    = "all_outside_window"
	ReasonMissingEndDate      = "missing_end_date"
)

// InvalidRecord captures a raw line or group that could not contribute to the
// polished set, with enough context to trace it back.
type InvalidRecord struct {
	Reason     string `json:"reason"`
	File       string `json:"file,omitempty"`
	Line       int    `json:"line,omitempty"`
	Error      string `json:"error,omitempty"`
	Namespace  string `json:"ns,omitempty"`
	Workload   string `json:"workload,omitempty"`
	LatestEnd  string `json:"latest_end,omitempty"`
	WindowDays int    `json:"window_days,omitempty"`
}

// EffectiveMode folds a mode set into the single mode the reconciler obeys:
// any 24/7 contributor dominates extended hours.
func EffectiveMode(modes []string) string {
	return lo.Ternary(lo.Contains(modes, Mode247), Mode247, ModeOutWorktime)
}

// ModeHuman renders a mode for the human-facing digests.
func ModeHuman(mode string) string {
	switch mode {
	case Mode247:
		return "24/7"
	case ModeOutWorktime:
		return "Ngoài giờ"
	default:
		return mode
	}
}
