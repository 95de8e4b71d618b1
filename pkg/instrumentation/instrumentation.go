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

package instrumentation

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/hwtopo/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/hwtopo/pkg/healthz"
	logger "github.com/containers/hwtopo/pkg/log"
	"github.com/containers/hwtopo/pkg/metrics"
)

const (
	// MetricsPath is where metrics are served.
	MetricsPath = "/metrics"
	// shutdownTimeout limits waiting for requests in flight on Stop.
	shutdownTimeout = 5 * time.Second
)

var (
	log = logger.Get("instrumentation")
)

// Service serves metrics and health checks over HTTP.
type Service struct {
	sync.Mutex
	cfg      *cfgapi.Config
	registry *metrics.Registry
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// Option is an option for a Service.
type Option func(*Service)

// WithRegistry sets the registry of collectors to serve, the default
// registry otherwise.
func WithRegistry(r *metrics.Registry) Option {
	return func(s *Service) {
		s.registry = r
	}
}

// NewService creates a service with the given configuration.
func NewService(cfg *cfgapi.Config, options ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		registry: metrics.Default(),
	}
	if s.cfg == nil {
		s.cfg = &cfgapi.Config{}
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Start starts serving.
func (s *Service) Start() error {
	s.Lock()
	defer s.Unlock()

	return s.start()
}

// Stop stops serving.
func (s *Service) Stop() {
	s.Lock()
	defer s.Unlock()

	s.stop()
}

// Reconfigure restarts the service with a new configuration.
func (s *Service) Reconfigure(cfg *cfgapi.Config) error {
	s.Lock()
	defer s.Unlock()

	s.stop()
	s.cfg = cfg

	err := s.start()
	if err != nil {
		log.Error("failed to restart instrumentation: %v", err)
	}

	return err
}

// Address returns the address the service listens on, empty if stopped.
func (s *Service) Address() string {
	s.Lock()
	defer s.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Done returns a channel which is closed when the service stops serving.
func (s *Service) Done() <-chan struct{} {
	s.Lock()
	defer s.Unlock()

	return s.done
}

func (s *Service) start() error {
	endpoint := s.cfg.HTTPEndpoint
	if endpoint == "" {
		endpoint = cfgapi.DefaultHTTPEndpoint
	}

	g, err := s.registry.NewGatherer(
		metrics.WithNamespace(s.cfg.Namespace),
		metrics.WithMetrics(s.cfg.Metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(MetricsPath, promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	healthz.Setup(mux)

	ln, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}
	s.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed: %v", err)
		}
	}(s.server, s.done)

	log.Info("serving metrics on http://%s%s", ln.Addr(), MetricsPath)

	return nil
}

func (s *Service) stop() {
	if s.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		log.Error("failed to shut down HTTP server: %v", err)
	}
	<-s.done

	s.server = nil
	s.listener = nil
}
