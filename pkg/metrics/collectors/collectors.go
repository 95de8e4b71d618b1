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

// Package collectors holds the Prometheus collectors hwtopo exports: the
// topology collector and the standard Go runtime and process collectors.
package collectors

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	logger "github.com/containers/hwtopo/pkg/log"
	"github.com/containers/hwtopo/pkg/metrics"
)

// StandardGroup is the group of the runtime and process collectors. Their
// metrics keep their usual unprefixed names.
const StandardGroup = "standard"

var log = logger.Get("metrics")

func init() {
	for _, std := range []struct {
		name string
		c    prometheus.Collector
	}{
		{"buildinfo", collectors.NewBuildInfoCollector()},
		{"golang", collectors.NewGoCollector()},
		{"process", collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})},
	} {
		err := metrics.Register(std.name, std.c,
			metrics.WithGroup(StandardGroup),
			metrics.WithCollectorOptions(metrics.WithoutNamespace(), metrics.WithoutSubsystem()),
		)
		if err != nil {
			log.Error("failed to register %s/%s collector: %v", StandardGroup, std.name, err)
		}
	}
}
