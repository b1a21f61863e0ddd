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
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/ontimeops/exception-ontime/pkg/errors"
	"github.com/ontimeops/exception-ontime/pkg/exceptions"
	"github.com/ontimeops/exception-ontime/pkg/request"
)

func newValidateCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a registration payload from the environment, without side effects",
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload := request.FromOptions(rt.opts)
			if err := payload.Validate(rt.cal.Today(), rt.opts.MaxDaysAllowed); err != nil {
				for i, problem := range multierr.Errors(err) {
					rt.log.Info("payload problem", "index", i+1, "problem", problem.Error())
				}
				return errors.WithCode(errors.ExitInvalidInput, err)
			}
			rt.log.Info("payload OK",
				"mode_247", payload.On247,
				"mode_out_worktime", payload.OnOutWorktime,
				"requester", payload.Requester,
				"end_date", payload.EndDate,
				"workloads", len(payload.Workloads),
				"wildcards", countWildcards(payload))
			return nil
		},
	}
}

func countWildcards(payload *request.Payload) int {
	count := 0
	for _, ref := range payload.Workloads {
		if exceptions.IsWildcard(ref.Workload) {
			count++
		}
	}
	return count
}
