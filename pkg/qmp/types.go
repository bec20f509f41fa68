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

package qmp

import "encoding/json"

// Greeting is the banner the monitor sends on connect. Its QMP member must
// be present; a banner without it is malformed.
type Greeting struct {
	QMP *GreetingBody `json:"QMP"`
}

// GreetingBody carries the nested version information and the capability
// advertisement of the greeting banner.
type GreetingBody struct {
	Version      Version `json:"version"`
	Capabilities []any   `json:"capabilities"`
}

// Version is the nested version block of the greeting.
type Version struct {
	QEMU struct {
		Major int `json:"major"`
		Minor int `json:"minor"`
		Micro int `json:"micro"`
	} `json:"qemu"`
	Package string `json:"package"`
}

// command is one request on the wire. Execute is required; Arguments and ID
// are optional. A non-empty ID must be echoed unchanged in the response.
type command struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
	ID        string `json:"id,omitempty"`
}

// response is one reply on the wire. It carries either Return or Error,
// never both. Asynchronous event messages share the stream and are told
// apart by a non-empty Event marker; they are never responses.
type response struct {
	Return json.RawMessage `json:"return,omitempty"`
	Error  *respError      `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	ID     string          `json:"id,omitempty"`
}

type respError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

// Event is an out-of-band notification set aside while waiting for a
// response.
type Event struct {
	Name string
	Data json.RawMessage
}

// keyArg is one element of a send-key keys list.
type keyArg struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type sendKeyArgs struct {
	Keys     []keyArg `json:"keys"`
	HoldTime int64    `json:"hold-time,omitempty"`
}

// inputEventArgs is the payload of an input-send-event request carrying a
// single key press or release.
type inputEventArgs struct {
	Events []inputEvent `json:"events"`
}

type inputEvent struct {
	Type string        `json:"type"`
	Data inputKeyEvent `json:"data"`
}

type inputKeyEvent struct {
	Down bool   `json:"down"`
	Key  keyArg `json:"key"`
}

// StatusResult is the payload of a query-status response.
type StatusResult struct {
	Running bool   `json:"running"`
	Status  string `json:"status"`
}

// GuestExecResult is the payload of a guest-exec response.
type GuestExecResult struct {
	PID int `json:"pid"`
}

// GuestExecStatusResult is the payload of a guest-exec-status response.
// OutData and ErrData are base64-encoded by the guest agent.
type GuestExecStatusResult struct {
	Exited   bool   `json:"exited"`
	ExitCode int    `json:"exitcode"`
	OutData  string `json:"out-data"`
	ErrData  string `json:"err-data"`
}
