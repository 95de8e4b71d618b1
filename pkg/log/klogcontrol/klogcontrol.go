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

// Package klogcontrol sets klog flags at runtime from configuration and
// from LOGGER_<FLAG> environment variables.
package klogcontrol

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"k8s.io/klog/v2"

	cfgapi "github.com/containers/hwtopo/pkg/apis/config/v1alpha1/log/klogcontrol"
)

// Control owns a flag set bound to the klog flags.
type Control struct {
	flags *flag.FlagSet
}

var ctl = newControl(os.LookupEnv)

// Get returns the klog control of the process.
func Get() *Control {
	return ctl
}

func newControl(lookupEnv func(string) (string, bool)) *Control {
	c := &Control{flags: flag.NewFlagSet("klog", flag.ContinueOnError)}
	c.flags.SetOutput(io.Discard)
	klog.InitFlags(c.flags)
	c.seed(lookupEnv)
	return c
}

// EnvVar returns the environment variable seeding the given klog flag.
func EnvVar(flagName string) string {
	return "LOGGER_" + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// seed applies environment defaults. Headers are turned off when logging
// to the journal, unless the environment says otherwise.
func (c *Control) seed(lookupEnv func(string) (string, bool)) {
	c.flags.VisitAll(func(f *flag.Flag) {
		env := EnvVar(f.Name)
		value, ok := lookupEnv(env)
		if !ok {
			if f.Name != "skip_headers" {
				return
			}
			if journal, _ := lookupEnv("JOURNAL_STREAM"); journal == "" {
				return
			}
			value = "true"
		}
		if err := c.flags.Set(f.Name, value); err != nil {
			klog.Errorf("ignoring invalid %s=%q: %v", env, value, err)
		}
	})
}

// Configure sets every klog flag the configuration has a value for.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	var errs []error
	c.flags.VisitAll(func(f *flag.Flag) {
		value, ok := cfg.GetByFlag(f.Name)
		if !ok {
			return
		}
		if err := c.flags.Set(f.Name, value); err != nil {
			errs = append(errs, fmt.Errorf("klogcontrol: failed to set %s=%s: %w", f.Name, value, err))
		}
	})
	return errors.Join(errs...)
}

// Value returns the current value of a klog flag.
func (c *Control) Value(name string) (string, bool) {
	f := c.flags.Lookup(name)
	if f == nil {
		return "", false
	}
	return f.Value.String(), true
}
