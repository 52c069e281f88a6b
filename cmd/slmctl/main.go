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

// Command slmctl is a small operator/demo tool for the scheduler core,
// in the shape of runsc's subcommands-based CLI (runsc/cmd/wait.go):
// one subcommand per verb, flags scoped to each subcommand rather than
// a single flat flag namespace.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/google/slm/internal/log"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&statsCmd{}, "")
	subcommands.Register(&versionCmd{}, "")

	flag.Parse()
	log.SetLevel(log.Info)
	os.Exit(int(subcommands.Execute(context.Background())))
}
