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

package main

import (
	"github.com/google/slm/cycles"
	"github.com/google/slm/kernext/simkernel"
	"github.com/google/slm/percpu"
	"github.com/google/slm/policy"
	"github.com/google/slm/policy/fprr"
	"github.com/google/slm/slm"
	"github.com/google/slm/slmconfig"
	"github.com/google/slm/thread"
	"github.com/google/slm/timerq"
)

// newDemoRuntime wires one simulated CPU's worth of Runtime, in the shape
// of a package test's setup helper: a single-CPU Topology, one Kernel
// serving as Dispatcher+Timer+Clock, and the fixed-priority round-robin
// reference policy.
func newDemoRuntime(cfgPath string) (*slm.Runtime, *percpu.CPU, *simkernel.Kernel, error) {
	cfg, err := slmconfig.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, err
	}
	calib := cfg.Calibration()
	kern := simkernel.NewKernel(calib)
	topo := simkernel.Topology{Self: 0, Count: 1}

	rtcfg := slm.Config{
		NewPolicy: func(t *thread.Table) policy.Policy {
			return fprr.New(t)
		},
		NewTimer: func(t *thread.Table, c cycles.Calibration) timerq.Source {
			w := timerq.NewWheel(t, c)
			w.SetMinGranularity(c, cfg.TimerMinGranularityUsec)
			return w
		},
		TableCapacity:   64,
		Calibration:     calib,
		IdlePriority:    cfg.IdlePriority,
		DefaultPriority: cfg.DefaultPriority,
	}
	rt := slm.NewRuntime(topo, kern, kern, kern, rtcfg)
	cpu, err := rt.Init(0, 1, 2)
	if err != nil {
		return nil, nil, nil, err
	}
	return rt, cpu, kern, nil
}

// spawnWorker creates a runnable worker thread at the given priority.
func spawnWorker(rt *slm.Runtime, cpu *percpu.CPU, thd uint64, priority uint8) (*thread.Descriptor, error) {
	return rt.ThdInit(cpu, thd, 0, 0, 0, 0, priority, false)
}
