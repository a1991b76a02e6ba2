package server

import (
	"github.com/google/uuid"

	"github.com/vyvo/laminar/pkg/engine"
)

// clientBuffer is the per-connection message buffer. A consumer that
// falls this far behind starts losing messages rather than stalling the
// engine.
const clientBuffer = 64

// sseClient adapts one HTTP streaming connection to the engine's Client
// interface. Send never blocks: overflow drops the message for this
// client only.
type sseClient struct {
	id    string
	scope engine.MonitorScope
	ch    chan []byte
}

func newSSEClient(scope engine.MonitorScope) *sseClient {
	return &sseClient{
		id:    uuid.NewString(),
		scope: scope,
		ch:    make(chan []byte, clientBuffer),
	}
}

func (c *sseClient) Scope() engine.MonitorScope { return c.scope }

func (c *sseClient) Send(msg []byte) {
	select {
	case c.ch <- msg:
	default:
	}
}

// completionWaiter collects run completions for the blocking run
// endpoint. Like clients, it must never block the engine.
type completionWaiter struct {
	ch chan engine.CompletedRun
}

func newCompletionWaiter() *completionWaiter {
	return &completionWaiter{ch: make(chan engine.CompletedRun, clientBuffer)}
}

func (w *completionWaiter) Complete(run engine.CompletedRun) {
	select {
	case w.ch <- run:
	default:
	}
}
