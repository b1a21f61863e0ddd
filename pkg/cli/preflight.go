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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ontimeops/exception-ontime/pkg/errors"
	"github.com/ontimeops/exception-ontime/pkg/preflight"
	"github.com/ontimeops/exception-ontime/pkg/providers/cluster"
)

func newPreflightCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Verify kubeconfig, reachability, RBAC and namespaces before a scaling job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := preflight.CheckKubeconfig(rt.opts); err != nil {
				return err
			}
			kube, err := cluster.NewClient(rt.opts.KubeconfigFile, rt.opts.KubeContext)
			if err != nil {
				return errors.WithCode(errors.ExitClientInit, fmt.Errorf("building cluster client, %w", err))
			}
			return preflight.New(rt.log, kube, rt.opts).Run(cmd.Context())
		},
	}
}
