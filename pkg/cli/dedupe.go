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

	"github.com/ontimeops/exception-ontime/pkg/dedupe"
	"github.com/ontimeops/exception-ontime/pkg/providers/rawstore"
)

func newDedupeCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "dedupe",
		Short: "Fold the raw record window into polished records and digests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := rawstore.NewStore(rt.clk, rt.log, rt.opts.RawRoot)
			return dedupe.New(rt.clk, rt.log, store, rt.opts).Run(rt.opts.LookbackDays, rt.cal.Today())
		},
	}
}
