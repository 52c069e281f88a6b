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
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"

	"github.com/google/slm/internal/log"
	"github.com/google/slm/kernext"
	"github.com/google/slm/kernext/simkernel"
	"github.com/google/slm/slmerr"
	"github.com/google/slm/thread"
)

// runCmd drives a scripted two-worker workload through kernext/simkernel
// and prints a trace of each pass's dispatch decision, using a constant
// backoff (in the shape of runsc/container.go's gofer shutdown poll) to
// wait until a scheduler pass has applied the high-priority worker's
// delivered block event before scripting the next wakeup. With -cpus > 1, each simulated CPU gets its
// own independent kernel and runs the same script concurrently,
// supervised so a failure or panic on any one of them is reported
// without taking down the others mid-trace.
type runCmd struct {
	cfgPath string
	passes  int
	cpus    int
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "drive a scripted demo workload and print a trace" }
func (*runCmd) Usage() string    { return "run [-config path] [-passes n] [-cpus n]\n" }

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.cfgPath, "config", "", "path to a slmconfig TOML file (default: built-in defaults)")
	f.IntVar(&c.passes, "passes", 4, "number of nonblocking scheduler passes to run")
	f.IntVar(&c.cpus, "cpus", 1, "number of independent simulated CPUs to run the script on concurrently")
}

func (c *runCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.cpus <= 1 {
		if err := runOneCPU(ctx, c.cfgPath, c.passes, 0); err != nil {
			log.Warningf("run: %v", err)
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	}

	sup := simkernel.NewSupervisor(ctx)
	for i := 0; i < c.cpus; i++ {
		i := i
		sup.Go(func(ctx context.Context) error { return runOneCPU(ctx, c.cfgPath, c.passes, i) })
	}
	if err := sup.Wait(); err != nil {
		log.Warningf("run: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// runOneCPU scripts one simulated CPU's workload end to end: spawn a
// low- and high-priority worker, block the high-priority one, wait for
// the event loop to actually observe that block, wake it back up
// mid-script, and run the requested number of nonblocking scheduler
// passes, printing each one's trace prefixed with cpuLabel.
func runOneCPU(ctx context.Context, cfgPath string, passes, cpuLabel int) error {
	rt, cpu, kern, err := newDemoRuntime(cfgPath)
	if err != nil {
		return fmt.Errorf("cpu %d: %w", cpuLabel, err)
	}

	low, err := spawnWorker(rt, cpu, 100, 9)
	if err != nil {
		return fmt.Errorf("cpu %d: spawning low-priority worker: %w", cpuLabel, err)
	}
	high, err := spawnWorker(rt, cpu, 101, 5)
	if err != nil {
		return fmt.Errorf("cpu %d: spawning high-priority worker: %w", cpuLabel, err)
	}

	// Simulate the high-priority worker blocking on a receive, then
	// becoming runnable again a few passes later, waiting (with a
	// bounded constant backoff) for the event to actually land before
	// moving on.
	kern.DeliverEvent(kernext.Event{Thread: kernext.ThreadRef(high.ID), Blocked: true})

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	b := backoff.WithContext(backoff.NewConstantBackOff(10*time.Millisecond), waitCtx)
	op := func() error {
		// The delivered event only takes effect once a pass drains and
		// applies it; without running one here there is nothing that
		// would ever turn high's state to BLOCKED for this check to see.
		rt.SchedLoopNonblock(cpu)
		if high.State() != thread.Blocked {
			return fmt.Errorf("worker %d not yet observed blocked", high.ID)
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("cpu %d: %w", cpuLabel, err)
	}

	for i := 0; i < passes; i++ {
		if i == passes/2 {
			if err := rt.ThdWakeup(cpu, high, false); err != nil && err != slmerr.Again {
				return fmt.Errorf("cpu %d: waking worker %d: %w", cpuLabel, high.ID, err)
			}
		}
		st := rt.SchedLoopNonblock(cpu)
		fmt.Printf("cpu %d pass %d: drained=%d woken=%d blocked=%d dispatched=%d idle=%v\n",
			cpuLabel, i, st.EventsDrained, st.ThreadsWoken, st.ThreadsBlocked, st.Dispatched, st.DispatchedIdle)
	}

	_ = low
	return nil
}
