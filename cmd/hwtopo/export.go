// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"github.com/spf13/cobra"

	"github.com/containers/hwtopo/pkg/topology/xmlfile"
)

func newExportCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "export [FILE]",
		Short: "Export the topology as XML",
		Long: `Export the topology as XML, to the given file or to standard output.
The export can be loaded back with --input.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := o.loadTopology()
			if err != nil {
				return err
			}
			defer t.Destroy()

			if len(args) == 0 || args[0] == "-" {
				return xmlfile.Export(t, cmd.OutOrStdout())
			}
			if err := xmlfile.ExportFile(t, args[0]); err != nil {
				return err
			}
			log.Info("exported topology to %s", args[0])
			return nil
		},
	}
}
