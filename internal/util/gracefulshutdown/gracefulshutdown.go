// Copyright 2026 The virtkeys authors
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

// Package gracefulshutdown ties a binary's lifetime to SIGTERM/SIGINT and
// a shared wait group so in-flight work can drain before exit.
package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// GracefulShutdown couples a signal-cancelable context with a wait group.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once sync.Once
	wg   *sync.WaitGroup

	// exitFunc allows injecting exit behavior for testing.
	exitFunc func(int)
}

// New creates a GracefulShutdown whose context is cancelled by SIGTERM or
// SIGINT.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// NewWithExit creates a GracefulShutdown with a custom exit function,
// primarily for tests where os.Exit would kill the test process.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	return &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		wg:       &sync.WaitGroup{},
		exitFunc: exitFunc,
	}
}

// Shutdown cancels the context, waits for all registered goroutines and
// exits. Safe to call more than once; only the first call has any effect.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		slog.InfoContext(s.ctx, "gracefully shutting down", "name", s.name)
		s.cancel()
		s.wg.Wait()
		s.exitFunc(exitCode)
	})
}

// Context returns the signal-cancelable context.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// WaitGroup returns the wait group tracking in-flight work.
func (s *GracefulShutdown) WaitGroup() *sync.WaitGroup {
	return s.wg
}
