package actor

// Event is a message emitted on an Actor's event channel. Every processed
// command yields exactly one terminal event: a success-implying variant or
// Error.
type Event interface {
	vmEvent()
}

// Started is the first event an actor emits.
type Started struct {
	Name string
}

// Stopped is the last event an actor emits before its event channel is
// closed.
type Stopped struct{}

// AgentConnected reports that the guest agent signal fired.
type AgentConnected struct{}

// AgentDisconnected reports that a previously-connected guest agent
// dropped.
type AgentDisconnected struct{}

// KeysSent reports how many key operations a SendKeys or SendText command
// pushed to the monitor.
type KeysSent struct {
	Count int
}

// StatusReported carries the result of a QueryStatus command.
type StatusReported struct {
	Running bool
	Status  string
}

// TestCaseCompleted carries the evaluator's verdict for a test case.
type TestCaseCompleted struct {
	ID     string
	Passed bool
}

// GuestExecStarted reports the PID of a process started in the guest.
type GuestExecStarted struct {
	PID int
}

// GuestExecCompleted carries the exit state of a guest process.
type GuestExecCompleted struct {
	PID      int
	ExitCode int
	Output   string
}

// Error reports a command that failed. The actor survives and keeps
// processing subsequent commands.
type Error struct {
	Message string
}

func (Started) vmEvent()            {}
func (Stopped) vmEvent()            {}
func (AgentConnected) vmEvent()     {}
func (AgentDisconnected) vmEvent()  {}
func (KeysSent) vmEvent()           {}
func (StatusReported) vmEvent()     {}
func (TestCaseCompleted) vmEvent()  {}
func (GuestExecStarted) vmEvent()   {}
func (GuestExecCompleted) vmEvent() {}
func (Error) vmEvent()              {}
