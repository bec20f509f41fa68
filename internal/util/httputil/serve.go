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

// Package httputil runs auxiliary HTTP servers, such as the metrics
// endpoint, tied to the process shutdown lifecycle.
package httputil

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/virtkeys/virtkeys/internal/util/gracefulshutdown"
)

const shutdownDeadline = 10 * time.Second

// Serve runs each server and shuts them all down when the
// GracefulShutdown context is cancelled. A server failing to listen
// initiates a process shutdown with a non-zero exit code.
func Serve(servers map[string]*http.Server, gs *gracefulshutdown.GracefulShutdown) {
	for name, server := range servers {
		gs.WaitGroup().Add(1)

		go func() {
			defer gs.WaitGroup().Done()

			slog.Info("http server listening", "server", name, "address", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server failed", "server", name, "error", err)
				go gs.Shutdown(1)
			}
		}()

		go func() {
			<-gs.Context().Done()

			ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Warn("shutting down http server", "server", name, "error", err)
			}
		}()
	}
}
