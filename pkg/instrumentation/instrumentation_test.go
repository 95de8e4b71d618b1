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

package instrumentation_test

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/hwtopo/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/hwtopo/pkg/healthz"
	"github.com/containers/hwtopo/pkg/instrumentation"
	"github.com/containers/hwtopo/pkg/metrics"
)

func newRegistry(t *testing.T) *metrics.Registry {
	r := metrics.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gauge1",
		Help: "Test gauge.",
	})
	g.Set(42)
	require.NoError(t, r.Register("gauge1", g, metrics.WithGroup("hwtopo")))
	return r
}

func get(t *testing.T, url string) (int, string) {
	rpl, err := http.Get(url)
	require.NoError(t, err)
	defer rpl.Body.Close()

	body, err := io.ReadAll(rpl.Body)
	require.NoError(t, err)

	return rpl.StatusCode, string(body)
}

func TestService(t *testing.T) {
	cfg := &cfgapi.Config{
		HTTPEndpoint: "127.0.0.1:0",
		Namespace:    "test",
		Metrics:      []string{"hwtopo"},
	}
	s := instrumentation.NewService(cfg, instrumentation.WithRegistry(newRegistry(t)))
	require.Equal(t, "", s.Address())

	require.NoError(t, s.Start())
	addr := s.Address()
	require.NotEmpty(t, addr)

	code, body := get(t, "http://"+addr+instrumentation.MetricsPath)
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.Contains(body, "test_hwtopo_gauge1 42"), "metrics served: %s", body)

	code, body = get(t, "http://"+addr+healthz.Path)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	done := s.Done()
	s.Stop()
	<-done
	require.Equal(t, "", s.Address())

	_, err := http.Get("http://" + addr + instrumentation.MetricsPath)
	require.Error(t, err, "service stopped")

	// stopping twice is harmless
	s.Stop()
}

func TestReconfigure(t *testing.T) {
	s := instrumentation.NewService(
		&cfgapi.Config{
			HTTPEndpoint: "127.0.0.1:0",
			Metrics:      []string{"hwtopo"},
		},
		instrumentation.WithRegistry(newRegistry(t)),
	)
	require.NoError(t, s.Start())
	defer s.Stop()

	code, body := get(t, "http://"+s.Address()+instrumentation.MetricsPath)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "hwtopo_gauge1 42")

	err := s.Reconfigure(&cfgapi.Config{
		HTTPEndpoint: "127.0.0.1:0",
		Metrics:      []string{"no-such-collector"},
	})
	require.Error(t, err)
	require.Equal(t, "", s.Address())

	require.NoError(t, s.Reconfigure(&cfgapi.Config{
		HTTPEndpoint: "127.0.0.1:0",
		Namespace:    "again",
		Metrics:      []string{"*"},
	}))

	code, body = get(t, "http://"+s.Address()+instrumentation.MetricsPath)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "again_hwtopo_gauge1 42")
}

func TestStartFailure(t *testing.T) {
	s := instrumentation.NewService(
		&cfgapi.Config{HTTPEndpoint: "127.0.0.1:0", Metrics: []string{"hwtopo"}},
		instrumentation.WithRegistry(newRegistry(t)),
	)
	require.NoError(t, s.Start())
	defer s.Stop()

	busy := instrumentation.NewService(
		&cfgapi.Config{HTTPEndpoint: s.Address(), Metrics: []string{"hwtopo"}},
		instrumentation.WithRegistry(newRegistry(t)),
	)
	require.Error(t, busy.Start())
	require.Equal(t, "", busy.Address())
}
