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

// Package options binds the process environment that drives every stage.
// The variable names are part of the external contract; flags exist so an
// operator can override any of them ad hoc, with the environment supplying
// the defaults.
package options

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/ontimeops/exception-ontime/pkg/utils/env"
)

const (
	ActionAuto            = "auto"
	ActionWeekdayPrestart = "weekday_prestart"
	ActionWeekdayEnterOut = "weekday_enter_out"
	ActionWeekendPre      = "weekend_pre"
	ActionWeekendClose    = "weekend_close"
	ActionNoop            = "noop"

	HolidayModeHardOff = "hard_off"

	DownHPASkip  = "skip"
	DownHPAForce = "force"
)

var validActions = []string{
	ActionAuto,
	ActionWeekdayPrestart,
	ActionWeekdayEnterOut,
	ActionWeekendPre,
	ActionWeekendClose,
	ActionNoop,
}

// Options carries the full environment contract. Each stage reads the fields
// it needs; nothing here is stage-private.
type Options struct {
	// Paths
	RawRoot       string
	OutDir        string
	StateRoot     string
	ManagedNSFile string
	DenyNSFile    string
	HolidaysFile  string

	// Policy
	RetainDays     int
	LookbackDays   int
	MaxDays        int
	MaxDaysAllowed int
	TimeZone       string
	Today          string
	HolidayMode    string

	// Action
	Action          string
	TargetDown      int
	DefaultUp       int
	DownHPAHandling string

	// Concurrency
	JitterUpBulk     time.Duration
	JitterUpExc      time.Duration
	JitterDown       time.Duration
	HystMin          int // minutes; kept for compatibility, unused by the window predicates
	KubectlTimeout   time.Duration
	MaxActionsPerRun int

	// Registration payload (env only; never flag-driven)
	On247        bool
	OnOutWorktime bool
	Requester    string
	Reason       string
	EndDate      string
	WorkloadList string
	NSList       string

	// Auth
	KubeconfigFile string
	KubeContext    string
	StrictPatch    bool
	AllowUnknownNS bool

	// Debug
	Debug           bool
	DryRun          bool
	RetentionDryRun bool
	FilterNS        string
	FilterWL        string
	DebugDumpRaw    bool
	DebugDumpGroups bool

	// Observability
	MetricsFile string

	// CI provenance
	BuildUser   string
	JobName     string
	BuildNumber string
	BuildURL    string
}

// New fills an Options from the environment.
func New() *Options {
	return &Options{
		RawRoot:       env.WithDefaultString("RAW_ROOT", "/data/exceptions/raw"),
		OutDir:        env.WithDefaultString("OUT_DIR", "/data/exceptions/out"),
		StateRoot:     env.WithDefaultString("STATE_ROOT", "/data/exceptions/state"),
		ManagedNSFile: env.WithDefaultString("MANAGED_NS_FILE", "managed-ns.txt"),
		DenyNSFile:    env.WithDefaultString("DENY_NS_FILE", "deny-ns.txt"),
		HolidaysFile:  env.WithDefaultString("HOLIDAYS_FILE", "holidays.txt"),

		RetainDays:     env.WithDefaultInt("RETAIN_DAYS", 90),
		LookbackDays:   env.WithDefaultInt("LOOKBACK_DAYS", 90),
		MaxDays:        env.WithDefaultInt("MAX_DAYS", 60),
		MaxDaysAllowed: env.WithDefaultInt("MAX_DAYS_ALLOWED", 60),
		TimeZone:       env.WithDefaultString("TZ", "Asia/Bangkok"),
		Today:          strings.TrimSpace(env.WithDefaultString("TODAY", "")),
		HolidayMode:    strings.ToLower(env.WithDefaultString("HOLIDAY_MODE", HolidayModeHardOff)),

		Action:          strings.ToLower(env.WithDefaultString("ACTION", ActionAuto)),
		TargetDown:      env.WithDefaultInt("TARGET_DOWN", 0),
		DefaultUp:       env.WithDefaultInt("DEFAULT_UP", 1),
		DownHPAHandling: strings.ToLower(env.WithDefaultString("DOWN_HPA_HANDLING", DownHPASkip)),

		// JITTER_MAX_S is the legacy spelling of the bulk bound.
		JitterUpBulk:     env.WithDefaultDuration("JITTER_UP_BULK_S", env.WithDefaultDuration("JITTER_MAX_S", 5*time.Second)),
		JitterUpExc:      env.WithDefaultDuration("JITTER_UP_EXC_S", 2*time.Second),
		JitterDown:       env.WithDefaultDuration("JITTER_DOWN_S", time.Second),
		HystMin:          env.WithDefaultInt("HYST_MIN", 3),
		KubectlTimeout:   env.WithDefaultDuration("KUBECTL_TIMEOUT", 10*time.Second),
		MaxActionsPerRun: env.WithDefaultInt("MAX_ACTIONS_PER_RUN", 0),

		On247:         env.WithDefaultBool("EXEC_ON_247", false),
		OnOutWorktime: env.WithDefaultBool("EXEC_ON_OUT", false),
		Requester:     strings.TrimSpace(env.WithDefaultString("EXEC_REQUESTER", "")),
		Reason:        strings.TrimSpace(env.WithDefaultString("EXEC_REASON", "")),
		EndDate:       strings.TrimSpace(env.WithDefaultString("EXEC_END_DATE", "")),
		WorkloadList:  env.WithDefaultString("EXEC_WORKLOAD_LIST", ""),
		NSList:        env.WithDefaultString("EXEC_NS_LIST", ""),

		KubeconfigFile: firstNonEmpty(os.Getenv("KUBECONFIG_FILE"), os.Getenv("USER_KUBECONFIG"), os.Getenv("KUBECONFIG")),
		KubeContext:    strings.TrimSpace(env.WithDefaultString("KUBE_CONTEXT", "")),
		StrictPatch:    env.WithDefaultBool("STRICT_PATCH", false),
		AllowUnknownNS: env.WithDefaultBool("ALLOW_UNKNOWN_NS", false),

		Debug:           env.WithDefaultBool("DEBUG", false),
		DryRun:          env.WithDefaultBool("DRY_RUN", false),
		RetentionDryRun: env.WithDefaultBool("RETENTION_DRY_RUN", false),
		FilterNS:        strings.TrimSpace(env.WithDefaultString("FILTER_NS", "")),
		FilterWL:        strings.TrimSpace(env.WithDefaultString("FILTER_WL", "")),
		DebugDumpRaw:    env.WithDefaultBool("DEBUG_DUMP_RAW", false),
		DebugDumpGroups: env.WithDefaultBool("DEBUG_DUMP_GROUPS", false),

		MetricsFile: env.WithDefaultString("METRICS_FILE", ""),

		BuildUser:   firstNonEmpty(os.Getenv("BUILD_USER_ID"), os.Getenv("BUILD_USER"), "unknown"),
		JobName:     env.WithDefaultString("JOB_NAME", ""),
		BuildNumber: env.WithDefaultString("BUILD_NUMBER", "local"),
		BuildURL:    env.WithDefaultString("BUILD_URL", ""),
	}
}

// AddFlags registers operator-facing overrides. Registration payload fields
// stay environment-only: they are request data, not configuration.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.RawRoot, "raw-root", o.RawRoot, "Root directory of the dated raw record tree")
	fs.StringVar(&o.OutDir, "out-dir", o.OutDir, "Directory receiving polished, active and digest outputs")
	fs.StringVar(&o.StateRoot, "state-root", o.StateRoot, "Directory holding replicas.json")
	fs.StringVar(&o.ManagedNSFile, "managed-ns-file", o.ManagedNSFile, "File of include regexes for managed namespaces")
	fs.StringVar(&o.DenyNSFile, "deny-ns-file", o.DenyNSFile, "File of deny regexes subtracted from managed namespaces")
	fs.StringVar(&o.HolidaysFile, "holidays-file", o.HolidaysFile, "File of ISO holiday dates")
	fs.IntVar(&o.RetainDays, "retain-days", o.RetainDays, "Age in days after which raw records are garbage collected")
	fs.IntVar(&o.LookbackDays, "lookback-days", o.LookbackDays, "How many days of raw records deduplication folds")
	fs.IntVar(&o.MaxDays, "max-days", o.MaxDays, "Policy window for polished and active records")
	fs.IntVar(&o.MaxDaysAllowed, "max-days-allowed", o.MaxDaysAllowed, "Policy window for validating new registrations")
	fs.StringVar(&o.TimeZone, "time-zone", o.TimeZone, "IANA zone for all local-time decisions")
	fs.StringVar(&o.Today, "today", o.Today, "Override the effective calendar date (YYYY-MM-DD)")
	fs.StringVar(&o.HolidayMode, "holiday-mode", o.HolidayMode, "hard_off scales everything down on holidays")
	fs.StringVar(&o.Action, "action", o.Action, "Reconciler action; auto resolves from the wall clock")
	fs.IntVar(&o.TargetDown, "target-down", o.TargetDown, "Replica count scale-down targets")
	fs.IntVar(&o.DefaultUp, "default-up", o.DefaultUp, "Scale-up target when neither HPA nor saved state applies")
	fs.StringVar(&o.DownHPAHandling, "down-hpa-handling", o.DownHPAHandling, "skip leaves HPA-managed workloads alone on non-forcing downs")
	fs.DurationVar(&o.JitterUpBulk, "jitter-up-bulk", o.JitterUpBulk, "Upper bound of the random delay before bulk scale-ups")
	fs.DurationVar(&o.JitterUpExc, "jitter-up-exc", o.JitterUpExc, "Upper bound of the random delay before exception scale-ups")
	fs.DurationVar(&o.JitterDown, "jitter-down", o.JitterDown, "Upper bound of the random delay before scale-downs")
	fs.IntVar(&o.HystMin, "hyst-min", o.HystMin, "Minutes of hysteresis around window edges (reserved)")
	fs.DurationVar(&o.KubectlTimeout, "kubectl-timeout", o.KubectlTimeout, "Per-call cluster API timeout")
	fs.IntVar(&o.MaxActionsPerRun, "max-actions-per-run", o.MaxActionsPerRun, "Stop after this many scale actions (0 = unlimited)")
	fs.StringVar(&o.KubeconfigFile, "kubeconfig", o.KubeconfigFile, "Path to the kubeconfig used for cluster access")
	fs.StringVar(&o.KubeContext, "kube-context", o.KubeContext, "Kubeconfig context override")
	fs.BoolVar(&o.StrictPatch, "strict-patch", o.StrictPatch, "Preflight additionally requires patch on */scale")
	fs.BoolVar(&o.AllowUnknownNS, "allow-unknown-ns", o.AllowUnknownNS, "Preflight warns instead of failing on unknown namespaces")
	fs.BoolVar(&o.Debug, "debug", o.Debug, "Verbose logging")
	fs.BoolVar(&o.DryRun, "dry-run", o.DryRun, "Decide but do not mutate the cluster or state")
	fs.BoolVar(&o.RetentionDryRun, "retention-dry-run", o.RetentionDryRun, "List retention victims without deleting")
	fs.StringVar(&o.FilterNS, "filter-ns", o.FilterNS, "Restrict deduplication to this exact namespace")
	fs.StringVar(&o.FilterWL, "filter-wl", o.FilterWL, "Restrict deduplication to this exact workload")
	fs.BoolVar(&o.DebugDumpRaw, "debug-dump-raw", o.DebugDumpRaw, "Log every accepted raw record")
	fs.BoolVar(&o.DebugDumpGroups, "debug-dump-groups", o.DebugDumpGroups, "Log group contents before aggregation")
	fs.StringVar(&o.MetricsFile, "metrics-file", o.MetricsFile, "Write run counters here in Prometheus text format")
}

// Validate checks structural validity. Per-stage required inputs are checked
// by the stages themselves so that, e.g., dedupe does not demand a
// registration payload.
func (o *Options) Validate() (err error) {
	if !lo.Contains(validActions, o.Action) {
		err = multierr.Append(err, fmt.Errorf("ACTION must be one of %s", strings.Join(validActions, ", ")))
	}
	if o.DefaultUp < 1 {
		err = multierr.Append(err, fmt.Errorf("DEFAULT_UP must be >= 1"))
	}
	if o.TargetDown < 0 {
		err = multierr.Append(err, fmt.Errorf("TARGET_DOWN must be >= 0"))
	}
	for name, days := range map[string]int{
		"RETAIN_DAYS":      o.RetainDays,
		"LOOKBACK_DAYS":    o.LookbackDays,
		"MAX_DAYS":         o.MaxDays,
		"MAX_DAYS_ALLOWED": o.MaxDaysAllowed,
	} {
		if days < 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be >= 0", name))
		}
	}
	for name, d := range map[string]time.Duration{
		"JITTER_UP_BULK_S": o.JitterUpBulk,
		"JITTER_UP_EXC_S":  o.JitterUpExc,
		"JITTER_DOWN_S":    o.JitterDown,
	} {
		if d < 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be >= 0", name))
		}
	}
	if o.KubectlTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("KUBECTL_TIMEOUT must be > 0"))
	}
	if o.MaxActionsPerRun < 0 {
		err = multierr.Append(err, fmt.Errorf("MAX_ACTIONS_PER_RUN must be >= 0"))
	}
	return err
}

type optionsKey struct{}

func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

func FromContext(ctx context.Context) *Options {
	retval := ctx.Value(optionsKey{})
	if retval == nil {
		panic("options doesn't exist in context")
	}
	return retval.(*Options)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
