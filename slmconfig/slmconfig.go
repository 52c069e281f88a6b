// Copyright 2024 The SLM Authors.
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

// Package slmconfig holds the handful of knobs a deployment tunes at
// startup: TSC calibration and the default/idle priorities and timer
// granularity a Runtime is built with. It follows runsc/config's "file
// overrides built-in default" layering, scaled down to a single TOML
// file with no flag layer, since this module has no equivalent of
// runsc's OCI-annotation override surface.
package slmconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/google/slm/cycles"
)

// maxPriority is policy/fprr.NumLevels, duplicated here rather than
// imported so slmconfig stays usable by any Policy plug-in: it is the
// widest range any priority knob in this file is allowed to resolve to.
const maxPriority = 32

// Config is the scheduler core's deployment-tunable knob set.
type Config struct {
	// CycPerUsec overrides the calibrated cycles-per-microsecond ratio.
	// Zero means "measure it" (left to the caller; slmconfig never
	// probes hardware itself).
	CycPerUsec uint64 `toml:"cyc_per_usec"`

	// IdlePriority is the priority assigned to each CPU's idle thread.
	IdlePriority uint8 `toml:"idle_priority"`

	// DefaultPriority is the priority new threads get when ThdInit is
	// called with priority 0 (spec.md: "default priority = lowest").
	DefaultPriority uint8 `toml:"default_priority"`

	// TimerMinGranularityUsec floors how close together two timeouts on
	// the same CPU are allowed to be coalesced; timerq.Source may round
	// a requested deadline up to the next multiple of this.
	TimerMinGranularityUsec uint64 `toml:"timer_min_granularity_usec"`
}

// Default returns the built-in configuration used when no file is
// present: 1000 cyc/usec (i.e. a 1GHz virtual clock), idle priority 15,
// default priority 7 and a 100usec timer granularity. Both priorities
// differ from policy/fprr's own ThdInit default (32, its lowest level).
func Default() Config {
	return Config{
		CycPerUsec:              1000,
		IdlePriority:             15,
		DefaultPriority:          7,
		TimerMinGranularityUsec: 100,
	}
}

// Load reads a TOML file at path and overlays it onto Default(). A
// missing file is not an error: it means "use the built-in default",
// matching runsc/config's NewFromFlags behavior when no override is
// given for a field.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, err
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate rejects priority knobs a TOML file set to a value no shipped
// Policy (policy/fprr's ThdModify) could ever accept. 0 is exempt on
// both fields: it means "leave the policy's own default alone" (see the
// Config field docs), not "priority 0".
func (c Config) validate() error {
	if c.IdlePriority > maxPriority {
		return fmt.Errorf("slmconfig: idle_priority %d out of range [1,%d]", c.IdlePriority, maxPriority)
	}
	if c.DefaultPriority > maxPriority {
		return fmt.Errorf("slmconfig: default_priority %d out of range [1,%d]", c.DefaultPriority, maxPriority)
	}
	return nil
}

// Calibration builds a cycles.Calibration from the configured ratio,
// falling back to Default()'s ratio if CycPerUsec was left at zero
// (e.g. a file set other fields but not this one).
func (c Config) Calibration() cycles.Calibration {
	cyc := c.CycPerUsec
	if cyc == 0 {
		cyc = Default().CycPerUsec
	}
	return cycles.NewCalibration(cyc)
}
