package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/patchnet/internal/protocol"
)

var ErrMailboxFull = errors.New("scheduler: request mailbox full")

type Op uint8

const (
	OpConnect Op = iota + 1
	OpDisconnect
	OpRecoverLink
	OpToggle
	OpHold
	OpRelease
	OpHalt
	OpResume
)

func (o Op) String() string {
	switch o {
	case OpConnect:
		return "connect"
	case OpDisconnect:
		return "disconnect"
	case OpRecoverLink:
		return "recover_link"
	case OpToggle:
		return "toggle"
	case OpHold:
		return "hold"
	case OpRelease:
		return "release"
	case OpHalt:
		return "halt"
	case OpResume:
		return "resume"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Request is a control operation handed to the loop from another
// goroutine. Reply, if set, must have room for one value. Jack is the
// local jack for hold and release.
type Request struct {
	Op     Op
	Source protocol.PatchKey
	Sink   protocol.JackID
	Jack   protocol.JackID
	Reply  chan error
}

// Submit queues req for the next cycle and waits for its result. It never
// blocks the loop: a full mailbox fails immediately.
func (s *Scheduler) Submit(ctx context.Context, req Request) error {
	req.Reply = make(chan error, 1)
	select {
	case s.requests <- req:
	default:
		return ErrMailboxFull
	}
	select {
	case err := <-req.Reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) drainRequests() int {
	n := 0
	for n < cap(s.requests) {
		select {
		case req := <-s.requests:
			n++
			s.counters.Requests++
			err := s.apply(req)
			if err != nil {
				s.log.Debug().Err(err).Stringer("op", req.Op).Msg("request rejected")
			}
			if req.Reply != nil {
				req.Reply <- err
			}
		default:
			return n
		}
	}
	return n
}

func (s *Scheduler) apply(req Request) error {
	switch req.Op {
	case OpConnect:
		return s.Connect(req.Source, req.Sink)
	case OpDisconnect:
		return s.Disconnect(req.Source, req.Sink)
	case OpRecoverLink:
		s.SignalLinkRecovered()
		return nil
	case OpToggle:
		return s.Toggle(req.Source, req.Sink)
	case OpHold:
		return s.SetHeld(req.Jack, true)
	case OpRelease:
		return s.SetHeld(req.Jack, false)
	case OpHalt:
		s.Halt()
		return nil
	case OpResume:
		s.Resume()
		return nil
	default:
		return fmt.Errorf("scheduler: unknown op %d", req.Op)
	}
}
