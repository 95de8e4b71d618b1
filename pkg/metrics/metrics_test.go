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

package metrics_test

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/containers/hwtopo/pkg/metrics"
)

func TestMetricsDescriptors(t *testing.T) {
	r := metrics.NewRegistry()
	require.NotNil(t, r, "non-nil registry")

	newTestGauge(t, r, "test1", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test2", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test3", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))

	srv := newTestServer(t, r, []string{"*"})

	descriptors, _ := srv.collect(t)
	require.True(t, descriptors.HasEntry("test1", "gauge"))
	require.True(t, descriptors.HasEntry("test2", "gauge"))
	require.True(t, descriptors.HasEntry("test3", "gauge"))
}

func TestPrefixedDefaultCollection(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1")
	newTestGauge(t, r, "test2")

	srv := newTestServer(t, r, []string{"*"}, metrics.WithNamespace("hwtopo"))

	_, collected := srv.collect(t)
	require.Equal(t, "0", collected.GetValue("hwtopo_default_test1"))
	require.Equal(t, "0", collected.GetValue("hwtopo_default_test2"))
}

func TestUnprefixedCollection(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1", metrics.WithCollectorOptions(
		metrics.WithoutNamespace(),
		metrics.WithoutSubsystem(),
	))

	srv := newTestServer(t, r, []string{"test1"}, metrics.WithNamespace("hwtopo"))

	_, collected := srv.collect(t)
	require.True(t, collected.HasEntry("test1"))
	require.False(t, collected.HasEntry("hwtopo_test1"))
}

func TestUpdatedMetricsCollection(t *testing.T) {
	r := metrics.NewRegistry()

	g1 := newTestGauge(t, r, "test1", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	g2 := newTestGauge(t, r, "test2", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))

	srv := newTestServer(t, r, []string{"*"})

	_, collected := srv.collect(t)
	require.Equal(t, "0", collected.GetValue("test1"))
	require.Equal(t, "0", collected.GetValue("test2"))

	g1.gauge.Inc()
	g2.gauge.Set(5)

	_, collected = srv.collect(t)
	require.Equal(t, "1", collected.GetValue("test1"))
	require.Equal(t, "5", collected.GetValue("test2"))
}

func TestMetricsConfiguration(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1", metrics.WithGroup("group1"))
	newTestGauge(t, r, "test2", metrics.WithGroup("group1"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test3", metrics.WithGroup("group2"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test4", metrics.WithGroup("group2"))

	srv := newTestServer(t, r, []string{"test1", "group2"})

	described, collected := srv.collect(t)
	require.True(t, described.HasEntry("group1_test1", "gauge"))
	require.True(t, described.HasEntry("test3", "gauge"))
	require.True(t, described.HasEntry("group2_test4", "gauge"))

	require.True(t, collected.HasEntry("group1_test1"), "group1_test1 collected")
	require.False(t, collected.HasEntry("test2"), "test2 not collected")
	require.True(t, collected.HasEntry("test3"), "test3 collected")
	require.True(t, collected.HasEntry("group2_test4"), "group2_test4 collected")
}

func TestRegistryErrors(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1", metrics.WithGroup("group1"))
	require.Error(t, r.Register("test1", prometheus.NewGauge(prometheus.GaugeOpts{Name: "x"}),
		metrics.WithGroup("group1")), "duplicate registration")
	require.Error(t, r.Register("nil", nil), "nil collector")

	require.Equal(t, []string{"group1/test1"}, r.Collectors())

	_, err := r.NewGatherer(metrics.WithMetrics([]string{"no-such-collector"}))
	require.Error(t, err, "unmatched glob")
}

func TestCollector(t *testing.T) {
	c := metrics.NewCollector("c", prometheus.NewGauge(prometheus.GaugeOpts{Name: "c"}),
		metrics.WithoutSubsystem())
	require.Equal(t, "default/c", c.Name())
	require.Equal(t, "namespace", c.Prefix().String())
	require.True(t, c.IsEnabled())
	c.Enable(false)
	require.False(t, c.IsEnabled())

	for glob, match := range map[string]bool{
		"c":         true,
		"default":   true,
		"default/*": true,
		"*/c":       true,
		"d*":        true,
		"other":     false,
		"[":         false,
	} {
		require.Equal(t, match, c.Matches(glob), "glob %q", glob)
	}

	require.Equal(t, "none", (metrics.PrefixGroup &^ metrics.PrefixGroup).String())
	require.Equal(t, "namespace+group", (metrics.PrefixNamespace | metrics.PrefixGroup).String())
}

type testGauge struct {
	name  string
	gauge prometheus.Gauge
}

func newTestGauge(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) *testGauge {
	g := &testGauge{
		name: name,
	}
	g.gauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: name,
			Help: "Test gauge " + name,
		},
	)

	require.NoError(t, r.Register(g.name, g.gauge, options...))

	return g
}

type described []string

func (d described) HasEntry(name, kind string) bool {
	for _, e := range d {
		split := strings.Split(e, " ")
		if len(split) >= 2 && split[0] == name && split[1] == kind {
			return true
		}
	}

	return false
}

type collected []string

func (c collected) HasEntry(name string) bool {
	for _, e := range c {
		split := strings.SplitN(e, " ", 2)
		if len(split) > 0 && split[0] == name {
			return true
		}
	}

	return false
}

func (c collected) GetValue(name string) string {
	for _, e := range c {
		split := strings.SplitN(e, " ", 2)
		if len(split) == 2 && split[0] == name {
			return split[1]
		}
	}

	return ""
}

type testServer struct {
	srv *httptest.Server
	g   *metrics.Gatherer
}

func newTestServer(t *testing.T, r *metrics.Registry, enabled []string, opts ...metrics.GathererOption) *testServer {
	g, err := r.NewGatherer(append([]metrics.GathererOption{metrics.WithMetrics(enabled)}, opts...)...)
	require.NoError(t, err)
	require.NotNil(t, g)

	handlerOpts := promhttp.HandlerOpts{
		ErrorHandling: promhttp.PanicOnError,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, handlerOpts))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testServer{
		srv: srv,
		g:   g,
	}
}

func (srv *testServer) collect(t *testing.T) (described, collected) {
	resp, err := http.Get(srv.srv.URL + "/metrics")
	require.NoError(t, err)

	defer resp.Body.Close()

	var (
		types   []string
		values  []string
		scanner = bufio.NewScanner(resp.Body)
	)

	for scanner.Scan() {
		e := scanner.Text()

		switch {
		case strings.HasPrefix(e, "# HELP"):
		case strings.HasPrefix(e, "# TYPE "):
			types = append(types, strings.TrimPrefix(e, "# TYPE "))
		case e != "":
			values = append(values, e)
		}
	}
	require.NoError(t, scanner.Err())

	return described(types), collected(values)
}
