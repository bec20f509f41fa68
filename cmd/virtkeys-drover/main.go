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

package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/virtkeys/virtkeys/internal/actor"
	"github.com/virtkeys/virtkeys/internal/orchestrator"
	"github.com/virtkeys/virtkeys/internal/util/gracefulshutdown"
	"github.com/virtkeys/virtkeys/internal/util/httputil"
	"github.com/virtkeys/virtkeys/internal/util/logging"
	"github.com/virtkeys/virtkeys/pkg/hypervisor"
	"github.com/virtkeys/virtkeys/pkg/keymap"
)

const (
	Name = "virtkeys-drover"
)

func main() {
	logging.Setup(logging.Options{
		Development: getEnvBool("VIRTKEYS_DEV_LOGGING", false),
		Level:       logging.ParseLevel(getEnv("LOG_LEVEL", "info")),
	})
	logger := slog.Default()

	logger.Info("starting virtkeys drover")

	// Load configuration from environment
	libvirtURI := getEnv("VIRTKEYS_LIBVIRT_URI", hypervisor.DefaultURI)
	layout := keymap.Layout(getEnv("VIRTKEYS_LAYOUT", string(keymap.LayoutUS)))
	keyDelay := time.Duration(getEnvInt("VIRTKEYS_KEY_DELAY_MS", 50)) * time.Millisecond
	keyHold := time.Duration(getEnvInt("VIRTKEYS_KEY_HOLD_MS", 100)) * time.Millisecond
	text := getEnv("VIRTKEYS_TEXT", "")
	metricsAddr := getEnv("VIRTKEYS_METRICS_ADDRESS", ":9464")

	gs := gracefulshutdown.New(Name)
	ctx := gs.Context()

	// Metrics endpoint
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	httputil.Serve(map[string]*http.Server{
		"metrics": {Addr: metricsAddr, Handler: metricsMux},
	}, gs)

	mapping, err := keymap.Build(layout)
	if err != nil {
		logger.Error("building key mapping", "layout", layout, "error", err)
		os.Exit(1)
	}

	link, err := hypervisor.Connect(libvirtURI)
	if err != nil {
		logger.Error("connecting to libvirt", "uri", libvirtURI, "error", err)
		os.Exit(1)
	}
	defer func() { _ = link.Close() }()

	orch, err := orchestrator.New(orchestrator.Config{
		Link:     link,
		Mapping:  mapping,
		KeyDelay: keyDelay,
		KeyHold:  keyHold,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("creating orchestrator", "error", err)
		os.Exit(1)
	}

	names, err := orch.SpawnAll(ctx)
	if err != nil {
		logger.Error("spawning vm actors", "error", err)
	}
	logger.Info("vm actors spawned", "count", len(names))

	// Drain and log every actor's event stream until it closes.
	for _, name := range names {
		handle, err := orch.Handle(name)
		if err != nil {
			continue
		}
		gs.WaitGroup().Add(1)
		go func() {
			defer gs.WaitGroup().Done()
			for ev := range handle.Events {
				logger.Info("vm event", "vmName", handle.Name, "event", fmt.Sprintf("%T", ev), "detail", fmt.Sprintf("%+v", ev))
			}
		}()
	}

	if text != "" {
		if err := orch.Broadcast(actor.SendText{Text: text}); err != nil {
			logger.Error("broadcasting text", "error", err)
		}
	}
	if err := orch.Broadcast(actor.QueryStatus{}); err != nil {
		logger.Error("broadcasting status query", "error", err)
	}

	// Run until a shutdown signal arrives, then stop every actor.
	<-ctx.Done()
	if err := orch.ShutdownAll(); err != nil {
		logger.Warn("shutting down actors", "error", err)
	}
	orch.WaitAll()

	gs.Shutdown(0)
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		return defaultValue
	}
	return result
}
