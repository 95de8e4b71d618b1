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

// Package metrics is a registry of named Prometheus collectors. Collectors
// belong to groups and are enabled by name, group or glob pattern when a
// Gatherer is created. Gathered metric names are prefixed with the gatherer
// namespace and the collector group unless the collector opts out.
//
// Exporting the topology collector:
//
//	topo, _ := topology.New()
//	_ = topo.Load()
//	_ = collectors.RegisterTopology(topo)
//
//	g, err := metrics.NewGatherer(metrics.WithNamespace("hwtopo"),
//	    metrics.WithMetrics([]string{"topology"}))
//	if err != nil {
//	    return err
//	}
//	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics
