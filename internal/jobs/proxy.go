// Package jobs runs the periodic maintenance work: executing due scheduled
// closes, keeping open staff channels unarchived, and expiring blocks.
// Jobs do not touch the lifecycle controller directly; mutating effects are
// submitted through a Proxy to a single supervisor goroutine, so job ticks
// and interactive traffic cannot interleave half-applied closes.
package jobs

import (
	"context"
	"fmt"

	"github.com/modrelay/modrelay/internal/modrelay"
)

type opcode string

const (
	opCloseThread     opcode = "close-thread"
	opUnarchiveThread opcode = "unarchive-thread"
)

type request struct {
	op opcode

	thread      modrelay.Thread
	initiatorID string
	silent      bool

	channelID string

	done chan error
}

// Proxy is the job-side handle for submitting effects to the supervisor.
// Submissions block until the supervisor acknowledges the request.
type Proxy struct {
	requests chan request
}

// NewProxy returns a connected Proxy/Supervisor pair.
func NewProxy(lifecycle *modrelay.LifecycleController, platform modrelay.Platform) (*Proxy, *Supervisor) {
	requests := make(chan request)
	proxy := &Proxy{requests: requests}
	supervisor := &Supervisor{
		requests:  requests,
		lifecycle: lifecycle,
		platform:  platform,
	}
	return proxy, supervisor
}

// CloseThread asks the supervisor to close a thread and waits for the result.
func (p *Proxy) CloseThread(ctx context.Context, thread modrelay.Thread, initiatorID string, silent bool) error {
	return p.submit(ctx, request{
		op:          opCloseThread,
		thread:      thread,
		initiatorID: initiatorID,
		silent:      silent,
	})
}

// UnarchiveThread asks the supervisor to unarchive a staff channel and waits
// for the result.
func (p *Proxy) UnarchiveThread(ctx context.Context, channelID string) error {
	return p.submit(ctx, request{
		op:        opUnarchiveThread,
		channelID: channelID,
	})
}

func (p *Proxy) submit(ctx context.Context, req request) error {
	req.done = make(chan error, 1)
	select {
	case p.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Supervisor owns the mutating side of the job protocol. Exactly one Run
// loop serves a Proxy.
type Supervisor struct {
	requests  chan request
	lifecycle *modrelay.LifecycleController
	platform  modrelay.Platform
}

// Run serves requests until ctx is cancelled. An unknown opcode means the
// proxy and supervisor disagree about the protocol, which is not recoverable.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.requests:
			var err error
			switch req.op {
			case opCloseThread:
				err = s.lifecycle.Close(ctx, req.thread, req.initiatorID, req.silent)
			case opUnarchiveThread:
				err = s.platform.UnarchiveChannel(ctx, req.channelID)
			default:
				err = fmt.Errorf("unknown job opcode %q", req.op)
				req.done <- err
				return err
			}
			req.done <- err
		}
	}
}
