package qmp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtkeys/virtkeys/pkg/qmp"
)

const testGreeting = `{"QMP":{"version":{"qemu":{"major":9,"minor":2,"micro":0},"package":"test"},"capabilities":[]}}`

// fakeMonitor is the server side of an in-memory monitor socket.
type fakeMonitor struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

type wireCommand struct {
	Execute   string          `json:"execute"`
	Arguments json.RawMessage `json:"arguments"`
	ID        string          `json:"id"`
}

func newFakeMonitor(t *testing.T) (*fakeMonitor, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return &fakeMonitor{t: t, conn: server, reader: bufio.NewReader(server)}, client
}

func (m *fakeMonitor) send(line string) {
	if _, err := m.conn.Write([]byte(line + "\n")); err != nil {
		m.t.Errorf("fake monitor write: %v", err)
	}
}

func (m *fakeMonitor) readCommand() wireCommand {
	line, err := m.reader.ReadBytes('\n')
	if err != nil {
		m.t.Errorf("fake monitor read: %v", err)
		return wireCommand{}
	}
	var cmd wireCommand
	if err := json.Unmarshal(line, &cmd); err != nil {
		m.t.Errorf("fake monitor decode: %v", err)
	}
	return cmd
}

func (m *fakeMonitor) reply(id, result string) {
	m.send(fmt.Sprintf(`{"return":%s,"id":%q}`, result, id))
}

func (m *fakeMonitor) replyError(id, class, desc string) {
	m.send(fmt.Sprintf(`{"error":{"class":%q,"desc":%q},"id":%q}`, class, desc, id))
}

// greet performs the server side of the handshake.
func (m *fakeMonitor) greet() {
	m.send(testGreeting)
	cmd := m.readCommand()
	if cmd.Execute != "qmp_capabilities" {
		m.t.Errorf("first command = %q, want qmp_capabilities", cmd.Execute)
	}
	m.reply(cmd.ID, "{}")
}

func newTestSession(t *testing.T, opts ...qmp.Option) (*qmp.Session, *fakeMonitor) {
	t.Helper()
	monitor, client := newFakeMonitor(t)

	go monitor.greet()

	session, err := qmp.NewSession(context.Background(), client, opts...)
	require.NoError(t, err)
	return session, monitor
}

func TestHandshake(t *testing.T) {
	session, _ := newTestSession(t)

	greeting := session.Greeting()
	require.NotNil(t, greeting.QMP)
	assert.Equal(t, 9, greeting.QMP.Version.QEMU.Major)
	assert.Equal(t, 2, greeting.QMP.Version.QEMU.Minor)
}

func TestHandshakeFailures(t *testing.T) {
	tests := []struct {
		name   string
		script func(m *fakeMonitor)
	}{
		{
			name: "malformed banner",
			script: func(m *fakeMonitor) {
				m.send(`not json at all`)
			},
		},
		{
			name: "banner without capability advertisement",
			script: func(m *fakeMonitor) {
				m.send(`{"hello":"world"}`)
			},
		},
		{
			name: "negotiation rejected",
			script: func(m *fakeMonitor) {
				m.send(testGreeting)
				cmd := m.readCommand()
				m.replyError(cmd.ID, "GenericError", "capabilities rejected")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			monitor, client := newFakeMonitor(t)
			go tt.script(monitor)

			_, err := qmp.NewSession(context.Background(), client, qmp.WithTimeout(time.Second))
			assert.ErrorIs(t, err, qmp.ErrHandshakeFailed)
		})
	}
}

func TestExecuteResult(t *testing.T) {
	session, monitor := newTestSession(t)

	go func() {
		cmd := monitor.readCommand()
		assert.Equal(t, "query-status", cmd.Execute)
		monitor.reply(cmd.ID, `{"running":true,"status":"running"}`)
	}()

	raw, err := session.Execute(context.Background(), "query-status", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"running":true,"status":"running"}`, string(raw))
}

// The class and description of a monitor-reported failure must thread
// through verbatim.
func TestExecuteCommandErrorRoundTrip(t *testing.T) {
	session, monitor := newTestSession(t)

	go func() {
		cmd := monitor.readCommand()
		monitor.replyError(cmd.ID, "DeviceNotFound", "no keyboard device on this machine")
	}()

	_, err := session.Execute(context.Background(), "send-key", nil)
	require.ErrorIs(t, err, qmp.ErrCommandFailed)

	var cmdErr *qmp.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "DeviceNotFound", cmdErr.Class)
	assert.Equal(t, "no keyboard device on this machine", cmdErr.Desc)
}

// Out-of-band notifications interleaved with a response must be set aside,
// not treated as the pending response.
func TestExecuteSetsAsideEvents(t *testing.T) {
	session, monitor := newTestSession(t)

	go func() {
		cmd := monitor.readCommand()
		monitor.send(`{"event":"POWERDOWN","data":{},"timestamp":{"seconds":1,"microseconds":2}}`)
		monitor.send(`{"event":"STOP"}`)
		monitor.reply(cmd.ID, `{}`)
	}()

	_, err := session.Execute(context.Background(), "query-status", nil)
	require.NoError(t, err)

	events := session.TakeEvents()
	require.Len(t, events, 2)
	assert.Equal(t, "POWERDOWN", events[0].Name)
	assert.Equal(t, "STOP", events[1].Name)
	assert.Empty(t, session.TakeEvents(), "TakeEvents drains")
}

func TestExecuteMalformedResponse(t *testing.T) {
	session, monitor := newTestSession(t)

	go func() {
		monitor.readCommand()
		monitor.send(`{{{`)
	}()

	_, err := session.Execute(context.Background(), "query-status", nil)
	assert.ErrorIs(t, err, qmp.ErrParse)
}

func TestExecuteMismatchedCorrelationID(t *testing.T) {
	session, monitor := newTestSession(t)

	go func() {
		monitor.readCommand()
		monitor.reply("some-other-id", `{}`)
	}()

	_, err := session.Execute(context.Background(), "query-status", nil)
	assert.ErrorIs(t, err, qmp.ErrParse)
}

func TestExecuteDisconnected(t *testing.T) {
	session, monitor := newTestSession(t)

	go func() {
		monitor.readCommand()
		_ = monitor.conn.Close()
	}()

	_, err := session.Execute(context.Background(), "query-status", nil)
	assert.ErrorIs(t, err, qmp.ErrDisconnected)
}

func TestExecuteTimeout(t *testing.T) {
	session, monitor := newTestSession(t, qmp.WithTimeout(50*time.Millisecond))

	go func() {
		monitor.readCommand()
		// Never reply.
	}()

	_, err := session.Execute(context.Background(), "query-status", nil)
	assert.ErrorIs(t, err, qmp.ErrTimeout)
}

// A reply arriving after its command timed out must be discarded, not
// treated as the next command's response.
func TestExecuteResyncAfterTimeout(t *testing.T) {
	session, monitor := newTestSession(t, qmp.WithTimeout(50*time.Millisecond))

	firstRead := make(chan wireCommand, 1)
	go func() {
		first := monitor.readCommand()
		firstRead <- first

		second := monitor.readCommand()
		monitor.reply(first.ID, `{"late":true}`)
		monitor.reply(second.ID, `{"running":true,"status":"running"}`)
	}()

	_, err := session.Execute(context.Background(), "query-status", nil)
	require.ErrorIs(t, err, qmp.ErrTimeout)
	<-firstRead

	raw, err := session.Execute(context.Background(), "query-status", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"running":true,"status":"running"}`, string(raw))
}

func TestSendKeysPayload(t *testing.T) {
	session, monitor := newTestSession(t)

	go func() {
		cmd := monitor.readCommand()
		assert.Equal(t, "send-key", cmd.Execute)
		assert.JSONEq(t,
			`{"keys":[{"type":"qcode","data":"ctrl"},{"type":"qcode","data":"c"}],"hold-time":100}`,
			string(cmd.Arguments))
		monitor.reply(cmd.ID, `{}`)
	}()

	err := session.SendKeys(context.Background(), []string{"ctrl", "c"}, 100*time.Millisecond)
	require.NoError(t, err)
}

func TestSendKeyEventPayload(t *testing.T) {
	session, monitor := newTestSession(t)

	go func() {
		cmd := monitor.readCommand()
		assert.Equal(t, "input-send-event", cmd.Execute)
		assert.JSONEq(t,
			`{"events":[{"type":"key","data":{"down":true,"key":{"type":"qcode","data":"shift"}}}]}`,
			string(cmd.Arguments))
		monitor.reply(cmd.ID, `{}`)
	}()

	err := session.SendKeyEvent(context.Background(), "shift", true)
	require.NoError(t, err)
}

func TestQueryStatus(t *testing.T) {
	session, monitor := newTestSession(t)

	go func() {
		cmd := monitor.readCommand()
		monitor.reply(cmd.ID, `{"running":false,"status":"paused"}`)
	}()

	status, err := session.QueryStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Equal(t, "paused", status.Status)
}

func TestGuestExec(t *testing.T) {
	session, monitor := newTestSession(t)

	go func() {
		cmd := monitor.readCommand()
		assert.Equal(t, "guest-exec", cmd.Execute)
		monitor.reply(cmd.ID, `{"pid":4242}`)

		cmd = monitor.readCommand()
		assert.Equal(t, "guest-exec-status", cmd.Execute)
		assert.JSONEq(t, `{"pid":4242}`, string(cmd.Arguments))
		monitor.reply(cmd.ID, `{"exited":true,"exitcode":0,"out-data":"aGVsbG8K"}`)
	}()

	pid, err := session.GuestExec(context.Background(), "/bin/echo", []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	status, err := session.GuestExecStatus(context.Background(), pid)
	require.NoError(t, err)
	assert.True(t, status.Exited)
	assert.Equal(t, 0, status.ExitCode)
	assert.Equal(t, "aGVsbG8K", status.OutData)
}
