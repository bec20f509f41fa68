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

// Package metrics registers the Prometheus instrumentation shared by the
// monitor session, the VM actors and the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MonitorCommandsExecuted counts monitor commands that completed with
	// a result payload, by command name.
	MonitorCommandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "virtkeys_monitor_commands_executed_total",
		Help: "Monitor protocol commands that returned a result.",
	}, []string{"command"})

	// MonitorCommandsFailed counts monitor commands that failed, by
	// command name.
	MonitorCommandsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "virtkeys_monitor_commands_failed_total",
		Help: "Monitor protocol commands that failed.",
	}, []string{"command"})

	// ActorCommandsProcessed counts commands dispatched by VM actors, by
	// command kind and outcome.
	ActorCommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "virtkeys_actor_commands_processed_total",
		Help: "Commands processed by VM actors.",
	}, []string{"command", "outcome"})

	// ActorsRunning tracks the number of live VM actors.
	ActorsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "virtkeys_actors_running",
		Help: "Number of VM actors currently running.",
	})
)
