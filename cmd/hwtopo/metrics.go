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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/containers/hwtopo/pkg/healthz"
	"github.com/containers/hwtopo/pkg/instrumentation"
	"github.com/containers/hwtopo/pkg/metrics/collectors"
	"github.com/containers/hwtopo/pkg/topology"
)

const (
	topologyHealthCheck = "topology"
)

func newMetricsCmd(o *options) *cobra.Command {
	var (
		listen    string
		namespace string
		enabled   []string
	)

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve topology metrics for Prometheus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := o.loadTopology()
			if err != nil {
				return err
			}
			defer t.Destroy()

			cfg := o.cfg.Instrumentation
			if cmd.Flags().Changed("listen") {
				cfg.HTTPEndpoint = listen
			}
			if cmd.Flags().Changed("namespace") {
				cfg.Namespace = namespace
			}
			if cmd.Flags().Changed("metrics") {
				cfg.Metrics = enabled
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serveMetrics(ctx, t, instrumentation.NewService(&cfg))
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "HTTP endpoint to serve metrics on")
	cmd.Flags().StringVar(&namespace, "namespace", "", "namespace prefix of metrics")
	cmd.Flags().StringSliceVar(&enabled, "metrics", nil, "metrics groups or collectors to enable")

	return cmd
}

// serveMetrics serves metrics for the topology until the context is done.
func serveMetrics(ctx context.Context, t *topology.Topology, s *instrumentation.Service) error {
	if err := collectors.RegisterTopology(t); err != nil {
		return err
	}

	healthz.RegisterHealthChecker(topologyHealthCheck, func() (healthz.Status, error) {
		if !t.IsLoaded() {
			return healthz.NonFunctional, topology.ErrNotLoaded
		}
		return healthz.Healthy, nil
	})
	defer healthz.UnregisterHealthChecker(topologyHealthCheck)

	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()

	log.Info("serving topology metrics on %s", s.Address())

	select {
	case <-ctx.Done():
		return nil
	case <-s.Done():
		return fmt.Errorf("metrics server stopped unexpectedly")
	}
}
