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

package collectors

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/hwtopo/pkg/bitmap"
	"github.com/containers/hwtopo/pkg/metrics"
	"github.com/containers/hwtopo/pkg/topology"
)

// TopologyGroup is the metrics group topology collectors register in.
const TopologyGroup = "topology"

type topologyCollector struct {
	topo      *topology.Topology
	info      *prometheus.Desc
	objects   *prometheus.Desc
	cpus      *prometheus.Desc
	nodes     *prometheus.Desc
	memory    *prometheus.Desc
	hugepages *prometheus.Desc
	cacheSize *prometheus.Desc
	distances *prometheus.Desc
}

// NewTopologyCollector creates a collector exporting the objects, sets,
// memory and distances of a loaded topology.
func NewTopologyCollector(t *topology.Topology) prometheus.Collector {
	return &topologyCollector{
		topo: t,
		info: prometheus.NewDesc(
			"info",
			"A metric with constant '1' value labeled by the discovery backend.",
			[]string{"backend", "this_system"}, nil,
		),
		objects: prometheus.NewDesc(
			"objects",
			"Number of topology objects per level.",
			[]string{"type", "depth"}, nil,
		),
		cpus: prometheus.NewDesc(
			"cpus",
			"Number of processors in the root cpusets.",
			[]string{"set"}, nil,
		),
		nodes: prometheus.NewDesc(
			"nodes",
			"Number of memory nodes in the root nodesets.",
			[]string{"set"}, nil,
		),
		memory: prometheus.NewDesc(
			"node_memory_bytes",
			"Local memory of NUMA nodes.",
			[]string{"node"}, nil,
		),
		hugepages: prometheus.NewDesc(
			"node_pages",
			"Number of pages of a given size in NUMA nodes.",
			[]string{"node", "page_size"}, nil,
		),
		cacheSize: prometheus.NewDesc(
			"cache_size_bytes",
			"Size of caches.",
			[]string{"level", "cache", "cpus"}, nil,
		),
		distances: prometheus.NewDesc(
			"node_distance",
			"Normalized latency between NUMA nodes.",
			[]string{"from", "to"}, nil,
		),
	}
}

// RegisterTopology registers a topology collector in the default registry.
func RegisterTopology(t *topology.Topology) error {
	return metrics.Register("objects", NewTopologyCollector(t),
		metrics.WithGroup(TopologyGroup),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()),
	)
}

func (c *topologyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.info
	ch <- c.objects
	ch <- c.cpus
	ch <- c.nodes
	ch <- c.memory
	ch <- c.hugepages
	ch <- c.cacheSize
	ch <- c.distances
}

func (c *topologyCollector) Collect(ch chan<- prometheus.Metric) {
	t := c.topo
	if t == nil || !t.IsLoaded() {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1,
		t.Backend(), strconv.FormatBool(t.IsThisSystem()))

	for depth := 0; depth < t.Depth(); depth++ {
		typ, _ := t.DepthType(depth)
		ch <- prometheus.MustNewConstMetric(c.objects, prometheus.GaugeValue,
			float64(t.NbObjsByDepth(depth)), typ.String(), strconv.Itoa(depth))
	}
	if misc := len(t.MiscObjects()); misc > 0 {
		ch <- prometheus.MustNewConstMetric(c.objects, prometheus.GaugeValue,
			float64(misc), topology.TypeMisc.String(), "")
	}

	for set, b := range map[string]*bitmap.Bitmap{
		"complete": t.CompleteCPUSet(),
		"topology": t.TopologyCPUSet(),
		"online":   t.OnlineCPUSet(),
		"allowed":  t.AllowedCPUSet(),
	} {
		ch <- prometheus.MustNewConstMetric(c.cpus, prometheus.GaugeValue, weight(b), set)
	}
	for set, b := range map[string]*bitmap.Bitmap{
		"complete": t.CompleteNodeSet(),
		"topology": t.TopologyNodeSet(),
		"allowed":  t.AllowedNodeSet(),
	} {
		ch <- prometheus.MustNewConstMetric(c.nodes, prometheus.GaugeValue, weight(b), set)
	}

	for _, n := range t.ObjsByType(topology.TypeNode) {
		node := strconv.Itoa(n.OSIndex)
		ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue,
			float64(n.Memory.LocalMemory), node)
		for _, p := range n.Memory.PageTypes {
			ch <- prometheus.MustNewConstMetric(c.hugepages, prometheus.GaugeValue,
				float64(p.Count), node, strconv.FormatUint(p.Size, 10))
		}
	}

	for _, o := range t.ObjsByType(topology.TypeCache) {
		ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue,
			float64(o.Cache.Size), strconv.Itoa(o.Cache.Depth),
			strconv.Itoa(o.LogicalIndex()), o.CPUSet.String())
	}

	c.collectDistances(ch)
}

func (c *topologyCollector) collectDistances(ch chan<- prometheus.Metric) {
	t := c.topo
	depth := t.TypeDepth(topology.TypeNode)
	if depth < 0 {
		return
	}
	owner, d := t.Distances(depth)
	if d == nil {
		return
	}

	nodes := make([]*topology.Object, 0, d.NbObjs)
	for _, n := range t.ObjsByType(topology.TypeNode) {
		if t.IsInSubtree(n, owner) {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) != d.NbObjs {
		log.Warn("skipping distances, %d nodes for a %d-wide matrix", len(nodes), d.NbObjs)
		return
	}

	for i, from := range nodes {
		for j, to := range nodes {
			ch <- prometheus.MustNewConstMetric(c.distances, prometheus.GaugeValue,
				float64(d.LatencyBetween(i, j)),
				strconv.Itoa(from.OSIndex), strconv.Itoa(to.OSIndex))
		}
	}
}

func weight(b *bitmap.Bitmap) float64 {
	if b == nil {
		return 0
	}
	return float64(b.Weight())
}
