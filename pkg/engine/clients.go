package engine

import "github.com/vyvo/laminar/pkg/store"

// Client is a subscribed status consumer. Send must never block: slow
// consumers are expected to buffer or drop, not stall the engine.
type Client interface {
	Scope() MonitorScope
	Send(msg []byte)
}

// CompletedRun is the summary handed to waiters when any run finishes.
type CompletedRun struct {
	Name   string
	Number int
	Result store.RunState
	Reason string
}

// Waiter is a one-shot subscriber notified of every run completion.
// Used by callers that queued a job and block until it finishes.
type Waiter interface {
	Complete(run CompletedRun)
}
