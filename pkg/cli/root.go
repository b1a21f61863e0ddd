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

// Package cli wires the pipeline stages into the ontime binary: one
// subcommand per stage, options bound from the environment with flag
// overrides, a shared logger and calendar.
package cli

import (
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/ontimeops/exception-ontime/pkg/errors"
	"github.com/ontimeops/exception-ontime/pkg/logging"
	"github.com/ontimeops/exception-ontime/pkg/metrics"
	"github.com/ontimeops/exception-ontime/pkg/options"
	"github.com/ontimeops/exception-ontime/pkg/providers/calendar"
)

// runtime is what every stage command receives after the shared setup.
type runtime struct {
	opts *options.Options
	log  logr.Logger
	clk  clock.Clock
	cal  *calendar.Provider
}

// NewRootCommand assembles the ontime CLI.
func NewRootCommand() *cobra.Command {
	opts := options.New()
	rt := &runtime{opts: opts, clk: clock.RealClock{}}

	root := &cobra.Command{
		Use:           "ontime",
		Short:         "Time-of-day autoscaling of Kubernetes workloads with registered exceptions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.Validate(); err != nil {
				return errors.WithCode(errors.ExitInvalidInput, err)
			}
			ctx, log := logging.NewLogger(cmd.Context(), cmd.Name(), opts.Debug)
			rt.log = log
			cal, err := calendar.NewProvider(rt.clk, opts.TimeZone, opts.Today)
			if err != nil {
				return errors.WithCode(errors.ExitInvalidInput, err)
			}
			rt.cal = cal
			cmd.SetContext(options.ToContext(ctx, opts))
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return metrics.Dump(opts.MetricsFile)
		},
	}
	opts.AddFlags(root.PersistentFlags())

	root.AddCommand(
		newValidateCommand(rt),
		newBuildCommand(rt),
		newDedupeCommand(rt),
		newActivateCommand(rt),
		newScaleCommand(rt),
		newPreflightCommand(rt),
	)
	return root
}
