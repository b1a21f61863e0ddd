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

// Package scale is the reconciler tick: resolve the current action window,
// enumerate the managed workloads, and move each one to the replica count
// the active exception set implies. Failures on one workload never abort
// the run; decisions are idempotent so overlapping ticks are harmless.
package scale

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/ontimeops/exception-ontime/pkg/errors"
	"github.com/ontimeops/exception-ontime/pkg/exceptions"
	"github.com/ontimeops/exception-ontime/pkg/metrics"
	"github.com/ontimeops/exception-ontime/pkg/options"
	"github.com/ontimeops/exception-ontime/pkg/providers/calendar"
	"github.com/ontimeops/exception-ontime/pkg/providers/cluster"
	"github.com/ontimeops/exception-ontime/pkg/providers/state"
)

// forcingActions are the closes: they scale down even HPA-managed workloads
// regardless of DOWN_HPA_HANDLING, because leaving things up overnight is
// exactly what the schedule exists to prevent.
var forcingActions = sets.New(options.ActionWeekdayEnterOut, options.ActionWeekendClose)

const modeNone = "none"

// errBudgetReached stops the namespace walk when MAX_ACTIONS_PER_RUN is hit;
// it never escapes Run.
var errBudgetReached = fmt.Errorf("action budget reached")

type Reconciler struct {
	cluster  *cluster.Provider
	state    *state.Store
	cal      *calendar.Provider
	matcher  func(ctx context.Context) ([]string, error)
	active   map[string]exceptions.ActiveRecord
	holidays sets.Set[string]
	opts     *options.Options
	clk      clock.Clock
	rand     *rand.Rand
	log      logr.Logger

	actions int
	changed int
}

func NewReconciler(
	clk clock.Clock,
	log logr.Logger,
	clusterProvider *cluster.Provider,
	stateStore *state.Store,
	cal *calendar.Provider,
	matcher func(ctx context.Context) ([]string, error),
	active map[string]exceptions.ActiveRecord,
	holidays sets.Set[string],
	opts *options.Options,
) *Reconciler {
	return &Reconciler{
		cluster:  clusterProvider,
		state:    stateStore,
		cal:      cal,
		matcher:  matcher,
		active:   active,
		holidays: holidays,
		opts:     opts,
		clk:      clk,
		rand:     rand.New(rand.NewSource(clk.Now().UnixNano())),
		log:      log.WithName("scale"),
	}
}

// Run executes one tick. The action is resolved before any cluster contact
// so a noop tick costs nothing.
func (r *Reconciler) Run(ctx context.Context) error {
	now := r.cal.Now()
	today := r.cal.TodayString()
	isHoliday := r.holidays.Has(today)
	holidayOff := isHoliday && r.opts.HolidayMode == options.HolidayModeHardOff

	action := r.opts.Action
	if action == options.ActionAuto {
		action = ResolveAction(now)
	}
	r.log.Info("tick", "now", now.Format(time.RFC3339), "action", action, "holiday", isHoliday, "dry_run", r.opts.DryRun)

	if action == options.ActionNoop && !holidayOff {
		r.log.Info("outside every action window, fast exit")
		return nil
	}

	namespaces, err := r.matcher(ctx)
	if err != nil {
		return errors.WithCode(errors.ExitInvalidInput, fmt.Errorf("resolving managed namespaces, %w", err))
	}
	r.log.Info("managed namespaces resolved", "count", len(namespaces))

	if holidayOff {
		err = r.walk(ctx, namespaces, func(ctx context.Context, ns string, workload cluster.Workload, hpas map[cluster.Workload]int32) error {
			return r.reconcileOne(ctx, ns, workload, hpas, action, false, true)
		})
	} else {
		err = r.walk(ctx, namespaces, func(ctx context.Context, ns string, workload cluster.Workload, hpas map[cluster.Workload]int32) error {
			mode := r.exceptionModeFor(ns, workload.Name)
			wantUp, skipDown := decide(action, mode)
			if skipDown {
				return nil
			}
			return r.reconcileOne(ctx, ns, workload, hpas, action, wantUp, false)
		})
	}
	if err != nil && err != errBudgetReached {
		return err
	}

	if saveErr := r.saveState(); saveErr != nil {
		return saveErr
	}
	if err == errBudgetReached {
		r.log.Info("action budget reached, partial run", "max_actions", r.opts.MaxActionsPerRun, "changed", r.changed)
	} else {
		r.log.Info("tick complete", "changed", r.changed)
	}
	return nil
}

func (r *Reconciler) walk(ctx context.Context, namespaces []string, fn func(ctx context.Context, ns string, workload cluster.Workload, hpas map[cluster.Workload]int32) error) error {
	for _, ns := range namespaces {
		hpas, err := r.cluster.HPAIndex(ctx, ns)
		if err != nil {
			// No HPA visibility means up targets fall back to saved state;
			// not worth skipping the namespace over.
			r.log.Error(err, "reading HPA index, continuing without", "namespace", ns)
			hpas = map[cluster.Workload]int32{}
		}
		workloads, err := r.cluster.ListWorkloads(ctx, ns)
		if err != nil {
			r.log.Error(err, "listing workloads, skipping namespace", "namespace", ns)
			metrics.WorkloadSkips.WithLabelValues("list_error").Inc()
			continue
		}
		for _, workload := range workloads {
			if err := fn(ctx, ns, workload, hpas); err != nil {
				return err
			}
		}
	}
	return nil
}

// decide maps (action, mode) onto the desired direction. skipDown marks the
// weekend_pre special case: workloads without an exception are left alone,
// still down from the Friday close.
func decide(action, mode string) (wantUp bool, skipDown bool) {
	hasException := mode == exceptions.Mode247 || mode == exceptions.ModeOutWorktime
	switch action {
	case options.ActionWeekdayPrestart:
		return true, false
	case options.ActionWeekdayEnterOut:
		return hasException, false
	case options.ActionWeekendPre:
		return hasException, !hasException
	case options.ActionWeekendClose:
		return mode == exceptions.Mode247, false
	}
	return false, true
}

// exceptionModeFor resolves wildcard precedence at decision time: the
// specific entry and the namespace wildcard each contribute their mode while
// unexpired, and any live 247 dominates.
func (r *Reconciler) exceptionModeFor(ns, name string) string {
	today := r.cal.Today()
	var modes []string
	for _, key := range []string{ns + "|" + name, ns + "|" + exceptions.Wildcard} {
		record, ok := r.active[key]
		if !ok {
			continue
		}
		end, err := calendar.ParseDate(record.EndDate)
		if err != nil || end.Before(today) {
			continue
		}
		modes = append(modes, record.Mode)
	}
	if lo.Contains(modes, exceptions.Mode247) {
		return exceptions.Mode247
	}
	if lo.Contains(modes, exceptions.ModeOutWorktime) {
		return exceptions.ModeOutWorktime
	}
	return modeNone
}

func (r *Reconciler) reconcileOne(ctx context.Context, ns string, workload cluster.Workload, hpas map[cluster.Workload]int32, action string, wantUp, holidayOff bool) error {
	current, err := r.cluster.GetReplicas(ctx, ns, workload)
	if err != nil {
		r.log.Error(err, "reading replicas, skipping workload", "namespace", ns, "workload", workload.String())
		metrics.WorkloadSkips.WithLabelValues("replicas_error").Inc()
		return nil
	}
	key := state.Key(ns, workload.Kind, workload.Name)

	if wantUp && !holidayOff {
		if current != 0 {
			return nil
		}
		target := r.upTarget(key, workload, hpas)
		if target < 1 {
			return nil
		}
		bound := lo.Ternary(action == options.ActionWeekdayPrestart, r.opts.JitterUpBulk, r.opts.JitterUpExc)
		r.jitter(bound)
		if !r.scale(ctx, ns, workload, target) {
			return nil
		}
		r.state.RecordUp(key, target, r.clk.Now())
		metrics.ScaleActions.WithLabelValues("up").Inc()
		return r.spend()
	}

	// Down path.
	hpaMin, hasHPA := hpas[workload]
	if hasHPA && !holidayOff && !forcingActions.Has(action) && r.opts.DownHPAHandling == options.DownHPASkip {
		r.log.Info("skipping down of HPA-managed workload", "namespace", ns, "workload", workload.String(), "hpa_min", hpaMin)
		metrics.WorkloadSkips.WithLabelValues("hpa").Inc()
		return nil
	}
	target := int32(r.opts.TargetDown)
	if current <= target {
		return nil
	}
	r.state.RecordDown(key, current, r.clk.Now())
	r.jitter(r.opts.JitterDown)
	if !r.scale(ctx, ns, workload, target) {
		return nil
	}
	metrics.ScaleActions.WithLabelValues("down").Inc()
	return r.spend()
}

// upTarget prefers the HPA minimum, then the replica count saved before the
// last down, then the configured default.
func (r *Reconciler) upTarget(key string, workload cluster.Workload, hpas map[cluster.Workload]int32) int32 {
	if min, ok := hpas[workload]; ok {
		return min
	}
	if prev := r.state.PrevReplicas(key); prev >= 1 {
		return prev
	}
	return int32(r.opts.DefaultUp)
}

// jitter sleeps a uniform random duration in [0, bound) to smooth the API
// and node load of a bulk transition.
func (r *Reconciler) jitter(bound time.Duration) {
	if bound <= 0 {
		return
	}
	r.clk.Sleep(time.Duration(r.rand.Int63n(int64(bound))))
}

func (r *Reconciler) scale(ctx context.Context, ns string, workload cluster.Workload, replicas int32) bool {
	if r.opts.DryRun {
		r.log.Info("dry run, would scale", "namespace", ns, "workload", workload.String(), "replicas", replicas)
		r.changed++
		return true
	}
	if err := r.cluster.Scale(ctx, ns, workload, replicas); err != nil {
		r.log.Error(err, "scaling failed, skipping workload", "namespace", ns, "workload", workload.String(), "replicas", replicas)
		metrics.WorkloadSkips.WithLabelValues("scale_error").Inc()
		return false
	}
	r.log.Info("scaled", "namespace", ns, "workload", workload.String(), "replicas", replicas)
	r.changed++
	return true
}

func (r *Reconciler) spend() error {
	r.actions++
	if r.opts.MaxActionsPerRun > 0 && r.actions >= r.opts.MaxActionsPerRun {
		return errBudgetReached
	}
	return nil
}

func (r *Reconciler) saveState() error {
	if r.opts.DryRun {
		return nil
	}
	return r.state.Save()
}
