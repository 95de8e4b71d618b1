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

package metrics

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/containers/hwtopo/pkg/log"
)

var log = logger.Get("metrics")

// DefaultGroup is the group of collectors registered without one.
const DefaultGroup = "default"

// Prefix selects the name prefixes applied to the metrics of a collector.
type Prefix int

const (
	// PrefixNamespace prefixes metrics with the gatherer namespace.
	PrefixNamespace Prefix = 1 << iota
	// PrefixGroup prefixes metrics with the collector group.
	PrefixGroup
)

func (p Prefix) String() string {
	var parts []string
	if p&PrefixNamespace != 0 {
		parts = append(parts, "namespace")
	}
	if p&PrefixGroup != 0 {
		parts = append(parts, "group")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Collector is a prometheus.Collector registered under a group and name.
type Collector struct {
	collector prometheus.Collector
	group     string
	name      string
	prefix    Prefix
	enabled   bool
}

// CollectorOption adjusts a Collector.
type CollectorOption func(*Collector)

// WithoutNamespace leaves the metrics of a collector out of the namespace.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) { c.prefix &^= PrefixNamespace }
}

// WithoutSubsystem leaves the group name out of the metric names.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) { c.prefix &^= PrefixGroup }
}

// NewCollector wraps a prometheus.Collector. It starts out enabled and
// prefixed with both the namespace and its group.
func NewCollector(name string, collector prometheus.Collector, options ...CollectorOption) *Collector {
	c := &Collector{
		collector: collector,
		group:     DefaultGroup,
		name:      name,
		prefix:    PrefixNamespace | PrefixGroup,
		enabled:   true,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Name returns the full name of the collector, group/name.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Prefix returns the prefixes applied to the metrics of the collector.
func (c *Collector) Prefix() Prefix {
	return c.prefix
}

// IsEnabled tells if the collector is gathered.
func (c *Collector) IsEnabled() bool {
	return c.enabled
}

// Enable turns gathering of the collector on or off.
func (c *Collector) Enable(enabled bool) {
	c.enabled = enabled
}

// Matches tells if glob matches the group, the name or the full name of
// the collector.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid collector glob %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// metricPrefix returns the prefix of the metrics of c in namespace.
func (c *Collector) metricPrefix(namespace string) string {
	var parts []string
	if c.prefix&PrefixNamespace != 0 && namespace != "" {
		parts = append(parts, namespace)
	}
	if c.prefix&PrefixGroup != 0 {
		parts = append(parts, c.group)
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "_") + "_"
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if !c.enabled {
		return
	}
	log.Debug("collecting %s", c.Name())
	c.collector.Collect(ch)
}

// Registry is a set of named collectors. Gatherers created from it
// expose the collectors enabled at creation time.
type Registry struct {
	sync.Mutex
	collectors map[string]*Collector
}

// RegisterOptions are the options of Registry.Register.
type RegisterOptions struct {
	group   string
	options []CollectorOption
}

// RegisterOption is an option for Registry.Register.
type RegisterOption func(*RegisterOptions)

// WithGroup registers a collector in the named group.
func WithGroup(name string) RegisterOption {
	return func(o *RegisterOptions) {
		if name != "" {
			o.group = name
		}
	}
}

// WithCollectorOptions passes options to the registered collector.
func WithCollectorOptions(options ...CollectorOption) RegisterOption {
	return func(o *RegisterOptions) {
		o.options = append(o.options, options...)
	}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{collectors: map[string]*Collector{}}
}

// Register adds a collector to the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	if collector == nil {
		return fmt.Errorf("can't register nil collector %q", name)
	}

	o := &RegisterOptions{group: DefaultGroup}
	for _, opt := range opts {
		opt(o)
	}

	c := NewCollector(name, collector, o.options...)
	c.group = o.group

	r.Lock()
	defer r.Unlock()

	if _, ok := r.collectors[c.Name()]; ok {
		return fmt.Errorf("collector %q already registered", c.Name())
	}
	r.collectors[c.Name()] = c
	log.Debug("registered collector %s", c.Name())

	return nil
}

// Collectors returns the sorted full names of the registered collectors.
func (r *Registry) Collectors() []string {
	r.Lock()
	defer r.Unlock()
	return r.names()
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.collectors))
	for name := range r.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configure enables the collectors matched by any of the globs and disables
// all others. A glob matching nothing is an error.
func (r *Registry) Configure(globs []string) error {
	log.Info("enabling collectors matching [%s]", strings.Join(globs, ","))

	r.Lock()
	defer r.Unlock()

	used := map[string]bool{}
	for _, c := range r.collectors {
		c.Enable(false)
		for _, glob := range globs {
			if c.Matches(glob) {
				c.Enable(true)
				used[glob] = true
			}
		}
	}

	var unused []string
	for _, glob := range globs {
		if !used[glob] {
			unused = append(unused, glob)
		}
	}
	if len(unused) > 0 {
		return fmt.Errorf("no collectors match %s", strings.Join(unused, ", "))
	}

	return nil
}

// Gatherer gathers the enabled collectors of a registry.
type Gatherer struct {
	*prometheus.Registry
	namespace string
	enabled   []string
}

// GathererOption is an option for NewGatherer.
type GathererOption func(*Gatherer)

// WithNamespace sets the namespace prefixed to gathered metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) { g.namespace = namespace }
}

// WithMetrics sets the globs of the collectors to enable.
func WithMetrics(enabled []string) GathererOption {
	return func(g *Gatherer) { g.enabled = enabled }
}

// NewGatherer configures the registry with the enabled globs and returns a
// gatherer for the collectors it enabled.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{Registry: prometheus.NewPedanticRegistry()}
	for _, o := range opts {
		o(g)
	}

	if err := r.Configure(g.enabled); err != nil {
		return nil, err
	}

	r.Lock()
	defer r.Unlock()

	for _, name := range r.names() {
		c := r.collectors[name]
		if !c.enabled {
			continue
		}
		var reg prometheus.Registerer = g.Registry
		if prefix := c.metricPrefix(g.namespace); prefix != "" {
			reg = prometheus.WrapRegistererWithPrefix(prefix, reg)
		}
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector %s: %w", name, err)
		}
	}

	return g, nil
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	return g.Registry.Gather()
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a collector to the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return defaultRegistry.Register(name, collector, opts...)
}

// MustRegister is Register panicking on errors.
func MustRegister(name string, collector prometheus.Collector, opts ...RegisterOption) {
	if err := Register(name, collector, opts...); err != nil {
		panic(err)
	}
}

// NewGatherer creates a gatherer for the default registry.
func NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	return defaultRegistry.NewGatherer(opts...)
}
