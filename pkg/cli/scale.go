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

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ontimeops/exception-ontime/pkg/activate"
	"github.com/ontimeops/exception-ontime/pkg/errors"
	"github.com/ontimeops/exception-ontime/pkg/nsmatch"
	"github.com/ontimeops/exception-ontime/pkg/options"
	"github.com/ontimeops/exception-ontime/pkg/providers/calendar"
	"github.com/ontimeops/exception-ontime/pkg/providers/cluster"
	"github.com/ontimeops/exception-ontime/pkg/providers/state"
	"github.com/ontimeops/exception-ontime/pkg/scale"
)

func newScaleCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "scale",
		Short: "Run one reconciler tick against the cluster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := rt.opts

			holidays, err := calendar.LoadHolidays(opts.HolidaysFile)
			if err != nil {
				return errors.WithCode(errors.ExitInvalidInput, fmt.Errorf("loading holidays, %w", err))
			}
			holidayOff := holidays.Has(rt.cal.TodayString()) && opts.HolidayMode == options.HolidayModeHardOff

			// Resolve the action before touching the cluster so a noop tick
			// needs no kubeconfig at all.
			action := opts.Action
			if action == options.ActionAuto {
				action = scale.ResolveAction(rt.cal.Now())
			}
			if action == options.ActionNoop && !holidayOff {
				rt.log.Info("outside every action window, nothing to do", "now", rt.cal.Now().String())
				return nil
			}

			kube, err := cluster.NewClient(opts.KubeconfigFile, opts.KubeContext)
			if err != nil {
				return errors.WithCode(errors.ExitClientInit, fmt.Errorf("building cluster client, %w", err))
			}
			clusterProvider := cluster.NewProvider(kube, rt.log, opts.KubectlTimeout)

			matcher, err := nsmatch.NewMatcher(opts.ManagedNSFile, opts.DenyNSFile)
			if err != nil {
				return errors.WithCode(errors.ExitInvalidInput, err)
			}
			resolve := func(ctx context.Context) ([]string, error) {
				namespaces, err := clusterProvider.ListNamespaces(ctx)
				if err != nil {
					return nil, err
				}
				return matcher.Match(namespaces), nil
			}

			stateStore, err := state.Load(opts.StateRoot)
			if err != nil {
				return fmt.Errorf("loading scale state, %w", err)
			}
			active, err := activate.Load(opts.OutDir)
			if err != nil {
				return fmt.Errorf("loading active exceptions, %w", err)
			}

			return scale.NewReconciler(rt.clk, rt.log, clusterProvider, stateStore, rt.cal, resolve, active, holidays, opts).Run(cmd.Context())
		},
	}
}
