package actor

import "time"

// Command is a message processed by an Actor's command loop. The marker
// method restricts valid commands to this package, keeping dispatch
// exhaustive: a new variant cannot be silently ignored.
type Command interface {
	vmCommand()

	// Kind names the command for logging and metrics.
	Kind() string
}

// SendKeys presses the given key codes in order, separated by the actor's
// inter-key debounce delay.
type SendKeys struct {
	Codes []string
}

// SendText compiles text through the actor's key mapping and presses the
// resulting key operations in order.
type SendText struct {
	Text string
}

// QueryStatus queries the VM's run state over the monitor session.
type QueryStatus struct{}

// WaitForAgent suspends up to Timeout waiting for the guest agent signal.
type WaitForAgent struct {
	Timeout time.Duration
}

// RunTestCase drives the scripted interaction for a test case and asks the
// evaluator for a verdict.
type RunTestCase struct {
	ID string
}

// GuestExec starts a process inside the guest.
type GuestExec struct {
	Path string
	Args []string
}

// GuestExecStatus polls a process previously started with GuestExec.
type GuestExecStatus struct {
	PID int
}

// Shutdown stops the actor. Commands still queued behind it are dropped.
type Shutdown struct{}

func (SendKeys) vmCommand()        {}
func (SendText) vmCommand()        {}
func (QueryStatus) vmCommand()     {}
func (WaitForAgent) vmCommand()    {}
func (RunTestCase) vmCommand()     {}
func (GuestExec) vmCommand()       {}
func (GuestExecStatus) vmCommand() {}
func (Shutdown) vmCommand()        {}

func (SendKeys) Kind() string        { return "send-keys" }
func (SendText) Kind() string        { return "send-text" }
func (QueryStatus) Kind() string     { return "query-status" }
func (WaitForAgent) Kind() string    { return "wait-for-agent" }
func (RunTestCase) Kind() string     { return "run-test-case" }
func (GuestExec) Kind() string       { return "guest-exec" }
func (GuestExecStatus) Kind() string { return "guest-exec-status" }
func (Shutdown) Kind() string        { return "shutdown" }
