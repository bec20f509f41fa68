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

// Package qmp implements a client session for the QEMU machine protocol,
// the line-delimited JSON monitor protocol spoken on a VM's monitor socket.
//
// A Session owns exactly one connection and executes one strictly-ordered
// command at a time. The single-flight invariant is structural: a session is
// exclusively owned by the VM actor driving it and is never shared, so no
// locking is needed and no second request can ever be outstanding.
package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/virtkeys/virtkeys/internal/metrics"
)

// Error variables for monitor protocol failures.
var (
	ErrHandshakeFailed = errors.New("monitor handshake failed")
	ErrCommandFailed   = errors.New("monitor command failed")
	ErrParse           = errors.New("malformed monitor response")
	ErrDisconnected    = errors.New("monitor connection closed")
	ErrTimeout         = errors.New("monitor command timed out")
)

const defaultTimeout = 10 * time.Second

// CommandError is a monitor-reported command failure. Class and Desc are
// threaded through verbatim from the response's error object.
type CommandError struct {
	Class string
	Desc  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("monitor command failed: %s: %s", e.Class, e.Desc)
}

func (e *CommandError) Unwrap() error { return ErrCommandFailed }

// Session is one connection to one VM's monitor endpoint.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	timeout  time.Duration
	logger   *slog.Logger
	greeting Greeting
	pending  []Event

	// stale holds ids of requests abandoned on timeout, so a reply
	// arriving late can be skipped instead of poisoning the next exchange.
	stale map[string]struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithTimeout bounds every command exchange, including the handshake. The
// default is 10 seconds. A wait that elapses yields ErrTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

// WithLogger sets the logger used for protocol-level debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// Connect dials a monitor endpoint and performs the handshake. Endpoints
// are unix socket paths (optionally with a unix:// scheme) or host:port
// addresses (optionally with a tcp:// scheme).
func Connect(ctx context.Context, endpoint string, opts ...Option) (*Session, error) {
	network, addr := splitEndpoint(endpoint)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial monitor endpoint %s: %w", endpoint, err)
	}

	s, err := NewSession(ctx, conn, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// NewSession performs the handshake over an already-established connection:
// it reads the greeting banner, which must advertise negotiable
// capabilities, then issues capability negotiation as the mandatory first
// command. The session takes ownership of the connection on success.
func NewSession(ctx context.Context, conn net.Conn, opts ...Option) (*Session, error) {
	s := &Session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: defaultTimeout,
		logger:  slog.Default(),
		stale:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.setDeadline(ctx); err != nil {
		return nil, err
	}
	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: reading greeting: %v", ErrHandshakeFailed, err)
	}

	var greeting Greeting
	if err := json.Unmarshal(line, &greeting); err != nil {
		return nil, fmt.Errorf("%w: malformed greeting: %v", ErrHandshakeFailed, err)
	}
	if greeting.QMP == nil {
		return nil, fmt.Errorf("%w: greeting carries no capability advertisement", ErrHandshakeFailed)
	}
	s.greeting = greeting

	if _, err := s.Execute(ctx, "qmp_capabilities", nil); err != nil {
		return nil, fmt.Errorf("%w: capability negotiation rejected: %v", ErrHandshakeFailed, err)
	}

	s.logger.Debug("monitor session established",
		"qemuMajor", greeting.QMP.Version.QEMU.Major,
		"qemuMinor", greeting.QMP.Version.QEMU.Minor)

	return s, nil
}

// Greeting returns the banner received on connect.
func (s *Session) Greeting() Greeting { return s.greeting }

// Execute serializes one request, writes it as one delimited message and
// blocks until exactly one full response is read. Out-of-band event
// messages arriving before the response are set aside, retrievable via
// TakeEvents. A response with a non-null error field yields a CommandError
// carrying its class and description verbatim. A command that times out
// leaves its id marked stale; should its reply arrive during a later
// exchange it is discarded, so one timeout does not poison the session.
func (s *Session) Execute(ctx context.Context, cmd string, args any) (json.RawMessage, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(command{Execute: cmd, Arguments: args, ID: id})
	if err != nil {
		return nil, fmt.Errorf("marshal monitor request: %w", err)
	}

	if err := s.setDeadline(ctx); err != nil {
		return nil, err
	}

	if _, err := s.conn.Write(append(payload, '\n')); err != nil {
		metrics.MonitorCommandsFailed.WithLabelValues(cmd).Inc()
		return nil, s.wireError(err)
	}

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			metrics.MonitorCommandsFailed.WithLabelValues(cmd).Inc()
			wireErr := s.wireError(err)
			if errors.Is(wireErr, ErrTimeout) {
				s.stale[id] = struct{}{}
			}
			return nil, wireErr
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			metrics.MonitorCommandsFailed.WithLabelValues(cmd).Inc()
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}

		// Asynchronous notifications share the stream; set them aside
		// before matching the pending response.
		if resp.Event != "" {
			s.pending = append(s.pending, Event{Name: resp.Event, Data: resp.Data})
			continue
		}

		if resp.ID != "" && resp.ID != id {
			// A reply to a request abandoned on timeout resyncs the
			// stream; anything else is a protocol violation.
			if _, ok := s.stale[resp.ID]; ok {
				delete(s.stale, resp.ID)
				s.logger.Debug("discarding late monitor response", "id", resp.ID)
				continue
			}
			metrics.MonitorCommandsFailed.WithLabelValues(cmd).Inc()
			return nil, fmt.Errorf("%w: response id %q does not match request id %q", ErrParse, resp.ID, id)
		}

		if resp.Error != nil {
			metrics.MonitorCommandsFailed.WithLabelValues(cmd).Inc()
			return nil, &CommandError{Class: resp.Error.Class, Desc: resp.Error.Desc}
		}
		if resp.Return == nil {
			metrics.MonitorCommandsFailed.WithLabelValues(cmd).Inc()
			return nil, fmt.Errorf("%w: response carries neither result nor error", ErrParse)
		}

		metrics.MonitorCommandsExecuted.WithLabelValues(cmd).Inc()
		return resp.Return, nil
	}
}

// SendKey issues a single key-event request for one key code.
func (s *Session) SendKey(ctx context.Context, code string, hold time.Duration) error {
	return s.SendKeys(ctx, []string{code}, hold)
}

// SendKeys issues one batched key-event request for the given key codes.
func (s *Session) SendKeys(ctx context.Context, codes []string, hold time.Duration) error {
	keys := make([]keyArg, 0, len(codes))
	for _, code := range codes {
		keys = append(keys, keyArg{Type: "qcode", Data: code})
	}
	_, err := s.Execute(ctx, "send-key", sendKeyArgs{Keys: keys, HoldTime: hold.Milliseconds()})
	return err
}

// SendKeyEvent issues a single key press or release.
func (s *Session) SendKeyEvent(ctx context.Context, code string, down bool) error {
	args := inputEventArgs{
		Events: []inputEvent{
			{
				Type: "key",
				Data: inputKeyEvent{
					Down: down,
					Key:  keyArg{Type: "qcode", Data: code},
				},
			},
		},
	}
	_, err := s.Execute(ctx, "input-send-event", args)
	return err
}

// QueryStatus queries the VM's run state.
func (s *Session) QueryStatus(ctx context.Context) (*StatusResult, error) {
	raw, err := s.Execute(ctx, "query-status", nil)
	if err != nil {
		return nil, err
	}
	var status StatusResult
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return &status, nil
}

// GuestExec starts a process inside the guest through the guest agent
// passthrough and returns its PID.
func (s *Session) GuestExec(ctx context.Context, path string, args []string) (int, error) {
	raw, err := s.Execute(ctx, "guest-exec", map[string]any{
		"path":           path,
		"arg":            args,
		"capture-output": true,
	})
	if err != nil {
		return 0, err
	}
	var result GuestExecResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return result.PID, nil
}

// GuestExecStatus polls the status of a process started with GuestExec.
func (s *Session) GuestExecStatus(ctx context.Context, pid int) (*GuestExecStatusResult, error) {
	raw, err := s.Execute(ctx, "guest-exec-status", map[string]any{"pid": pid})
	if err != nil {
		return nil, err
	}
	var result GuestExecStatusResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return &result, nil
}

// TakeEvents drains and returns the out-of-band events set aside while
// waiting for responses.
func (s *Session) TakeEvents() []Event {
	events := s.pending
	s.pending = nil
	return events
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// setDeadline bounds the next exchange by the session timeout or the
// context deadline, whichever comes first.
func (s *Session) setDeadline(ctx context.Context) error {
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// wireError classifies a transport-level failure.
func (s *Session) wireError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}

// splitEndpoint resolves the network and address for a monitor endpoint.
func splitEndpoint(endpoint string) (network, addr string) {
	switch {
	case strings.HasPrefix(endpoint, "unix://"):
		return "unix", strings.TrimPrefix(endpoint, "unix://")
	case strings.HasPrefix(endpoint, "tcp://"):
		return "tcp", strings.TrimPrefix(endpoint, "tcp://")
	case strings.HasPrefix(endpoint, "/"):
		return "unix", endpoint
	default:
		return "tcp", endpoint
	}
}
