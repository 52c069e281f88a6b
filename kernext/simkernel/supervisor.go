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

package simkernel

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Supervisor runs one goroutine per simulated CPU and waits for all of
// them, propagating the first error (or recovered panic, wrapped as an
// error) out of a scripted test or demo run cleanly. This is the harness
// cmd/slmctl's "run" subcommand uses for -cpus > 1 instead of a
// hand-rolled sync.WaitGroup plus a channel for the first error.
type Supervisor struct {
	g   *errgroup.Group
	ctx context.Context
}

// NewSupervisor constructs a Supervisor bound to ctx: if ctx is canceled,
// Wait returns ctx.Err() once every goroutine observes the cancellation
// (goroutines are expected to select on Context() where relevant).
func NewSupervisor(ctx context.Context) *Supervisor {
	g, gctx := errgroup.WithContext(ctx)
	return &Supervisor{g: g, ctx: gctx}
}

// Context returns the supervisor's derived context, canceled when any
// goroutine returns a non-nil error.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Go runs fn in a new goroutine, converting any panic into an error so a
// single misbehaving CPU goroutine cannot crash the whole demo/test
// process silently.
func (s *Supervisor) Go(fn func(context.Context) error) {
	s.g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &panicError{r}
			}
		}()
		return fn(s.ctx)
	})
}

// Wait blocks until every goroutine started via Go has returned, and
// returns the first non-nil error (if any).
func (s *Supervisor) Wait() error { return s.g.Wait() }

type panicError struct{ value any }

func (e *panicError) Error() string {
	return fmt.Sprintf("simkernel: goroutine panicked: %v", e.value)
}
