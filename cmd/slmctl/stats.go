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
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/google/slm/internal/log"
)

// statsCmd prints the event.Stats of a single nonblocking scheduler pass
// over a freshly spawned two-worker demo CPU, as JSON on stdout — the
// same "write structured json straight to stdout" shape as runsc's wait
// subcommand.
type statsCmd struct {
	cfgPath string
}

func (*statsCmd) Name() string     { return "stats" }
func (*statsCmd) Synopsis() string { return "run one scheduler pass and print its stats as JSON" }
func (*statsCmd) Usage() string    { return "stats [-config path]\n" }

func (c *statsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.cfgPath, "config", "", "path to a slmconfig TOML file (default: built-in defaults)")
}

func (c *statsCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	rt, cpu, kern, err := newDemoRuntime(c.cfgPath)
	if err != nil {
		log.Warningf("stats: %v", err)
		return subcommands.ExitFailure
	}
	if _, err := spawnWorker(rt, cpu, 100, 5); err != nil {
		log.Warningf("stats: spawning worker: %v", err)
		return subcommands.ExitFailure
	}
	if _, err := spawnWorker(rt, cpu, 101, 9); err != nil {
		log.Warningf("stats: spawning worker: %v", err)
		return subcommands.ExitFailure
	}
	_ = kern

	st := rt.SchedLoopNonblock(cpu)
	if err := json.NewEncoder(os.Stdout).Encode(st); err != nil {
		fmt.Fprintf(os.Stderr, "encoding stats: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
