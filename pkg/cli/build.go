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
	"strings"

	"github.com/spf13/cobra"

	"github.com/ontimeops/exception-ontime/pkg/errors"
	"github.com/ontimeops/exception-ontime/pkg/exceptions"
	"github.com/ontimeops/exception-ontime/pkg/providers/rawstore"
	"github.com/ontimeops/exception-ontime/pkg/request"
)

func newBuildCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Publish a validated registration as raw records, with retention GC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := rt.opts

			// Fail fast on absent inputs before touching the raw store; the
			// validator normally runs first, but the builder does not trust
			// the pipeline ordering.
			var missing []string
			for name, value := range map[string]string{
				"EXEC_REQUESTER":     opts.Requester,
				"EXEC_REASON":        opts.Reason,
				"EXEC_END_DATE":      opts.EndDate,
				"EXEC_WORKLOAD_LIST": opts.WorkloadList,
				"RAW_ROOT":           opts.RawRoot,
			} {
				if strings.TrimSpace(value) == "" {
					missing = append(missing, name)
				}
			}
			if len(missing) > 0 {
				return errors.MissingInput("missing required environment: %s", strings.Join(missing, ", "))
			}

			payload := request.FromOptions(opts)
			if err := payload.Validate(rt.cal.Today(), opts.MaxDaysAllowed); err != nil {
				return errors.WithCode(errors.ExitInvalidInput, err)
			}

			store := rawstore.NewStore(rt.clk, rt.log, opts.RawRoot)
			if err := rawstore.GuardRoot(opts.RawRoot); err != nil {
				rt.log.Info("skipping retention, unsafe raw root", "error", err.Error())
			} else if err := store.Retention(opts.RetainDays, opts.RetentionDryRun); err != nil {
				// Retention is housekeeping; a failed sweep must not block
				// publication of the new batch.
				rt.log.Error(err, "retention sweep failed, continuing")
			}

			now := rt.clk.Now().UTC()
			batch := rawstore.Batch{
				ReqID:     rawstore.NewReqID(now),
				Build:     opts.BuildNumber,
				CreatedAt: now.Format("2006-01-02T15:04:05Z"),
				CreatedBy: opts.BuildUser,
				Job:       opts.JobName,
				BuildURL:  opts.BuildURL,
			}
			for i, ref := range payload.Workloads {
				record := exceptions.RawRecord{
					ReqID:         batch.ReqID,
					Seq:           i + 1,
					Namespace:     ref.Namespace,
					Workload:      ref.Workload,
					On247:         payload.On247,
					OnOutWorktime: payload.OnOutWorktime,
					Requester:     payload.Requester,
					Reason:        payload.Reason,
					EndDate:       payload.EndDate,
					EndInput:      payload.EndInput,
					CreatedAt:     batch.CreatedAt,
					CreatedBy:     batch.CreatedBy,
					SourceJob:     batch.Job,
					SourceBuild:   batch.BuildURL,
					Status:        exceptions.StatusDraft,
				}
				record.Hash = record.ContentHash()
				batch.Records = append(batch.Records, record)
			}

			files, err := store.Publish(batch, rt.cal.TodayString())
			if err != nil {
				return err
			}
			rt.log.Info("build complete", "jsonl", files.JSONL, "csv", files.CSV, "meta", files.Meta)
			return nil
		},
	}
}
