// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package zmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	zmq4 "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/bureau-foundation/mailbox/reply"
	"github.com/bureau-foundation/mailbox/transport"
)

// Envelope is the msgpack request frame.
type Envelope struct {
	Key       string `msgpack:"key"`
	Payload   []byte `msgpack:"payload"`
	Forwarded bool   `msgpack:"forwarded,omitempty"`
}

// pollInterval bounds how long the socket loop takes to notice Close.
const pollInterval = 100 * time.Millisecond

// replyEndpoint is the inproc address of the reply channel. It is
// scoped to the session's own ZeroMQ context.
const replyEndpoint = "inproc://replies"

// Transport binds a ROUTER socket to an endpoint such as
// "tcp://*:7401".
type Transport struct {
	endpoint string
	logger   *slog.Logger
}

// New returns a transport for endpoint.
func New(endpoint string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Transport{endpoint: endpoint, logger: logger}
}

// Open binds the ROUTER socket and starts the socket loop.
func (t *Transport) Open(ctx context.Context, pattern string) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	zctx, err := zmq4.NewContext()
	if err != nil {
		return nil, fmt.Errorf("zmq: creating context: %w", err)
	}
	session := &Session{
		zctx:     zctx,
		pattern:  pattern,
		logger:   t.logger,
		requests: make(chan *request),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if err := session.bind(t.endpoint); err != nil {
		session.closeSockets()
		return nil, err
	}

	t.logger.Info("zmq transport listening", "endpoint", session.endpoint, "pattern", pattern)
	go session.loop()
	return session, nil
}

// Session is the transport.Session returned by Transport.Open.
type Session struct {
	zctx     *zmq4.Context
	router   *zmq4.Socket
	pull     *zmq4.Socket
	endpoint string
	pattern  string
	logger   *slog.Logger
	requests chan *request

	// pushMu serializes handler goroutines writing replies to push.
	pushMu sync.Mutex
	push   *zmq4.Socket

	once    sync.Once
	done    chan struct{}
	err     error
	stopped chan struct{}
}

func (s *Session) bind(endpoint string) error {
	var err error
	if s.router, err = s.zctx.NewSocket(zmq4.ROUTER); err != nil {
		return fmt.Errorf("zmq: creating router socket: %w", err)
	}
	s.router.SetLinger(0)
	if err := s.router.Bind(endpoint); err != nil {
		return fmt.Errorf("zmq: binding %s: %w", endpoint, err)
	}
	if s.endpoint, err = s.router.GetLastEndpoint(); err != nil {
		return fmt.Errorf("zmq: reading bound endpoint: %w", err)
	}

	if s.pull, err = s.zctx.NewSocket(zmq4.PULL); err != nil {
		return fmt.Errorf("zmq: creating reply socket: %w", err)
	}
	s.pull.SetLinger(0)
	if err := s.pull.Bind(replyEndpoint); err != nil {
		return fmt.Errorf("zmq: binding reply socket: %w", err)
	}
	if s.push, err = s.zctx.NewSocket(zmq4.PUSH); err != nil {
		return fmt.Errorf("zmq: creating reply socket: %w", err)
	}
	s.push.SetLinger(0)
	if err := s.push.Connect(replyEndpoint); err != nil {
		return fmt.Errorf("zmq: connecting reply socket: %w", err)
	}
	return nil
}

// Endpoint returns the bound endpoint with any wildcard port resolved.
func (s *Session) Endpoint() string {
	return s.endpoint
}

func (s *Session) Receive(ctx context.Context) (transport.Request, error) {
	select {
	case request := <-s.requests:
		return request, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the socket loop and releases the ZeroMQ context.
func (s *Session) Close() error {
	s.terminate(transport.ErrSessionClosed)
	<-s.stopped
	return nil
}

func (s *Session) terminate(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *Session) loop() {
	defer close(s.stopped)
	defer s.closeSockets()

	poller := zmq4.NewPoller()
	poller.Add(s.router, zmq4.POLLIN)
	poller.Add(s.pull, zmq4.POLLIN)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		polled, err := poller.Poll(pollInterval)
		if err != nil {
			switch zmq4.AsErrno(err) {
			case zmq4.Errno(syscall.EINTR):
				continue
			case zmq4.ETERM:
				s.terminate(transport.ErrSessionClosed)
				return
			}
			s.logger.Error("zmq poll failed", "error", err)
			s.terminate(fmt.Errorf("zmq: polling: %w", err))
			return
		}
		for _, item := range polled {
			switch item.Socket {
			case s.router:
				s.receiveRequest()
			case s.pull:
				s.relayReply()
			}
		}
	}
}

// receiveRequest reads one [identity, "", body] message from the
// router and delivers it to Receive, or answers it directly when it is
// malformed or outside the pattern.
func (s *Session) receiveRequest() {
	frames, err := s.router.RecvMessageBytes(0)
	if err != nil {
		s.logger.Warn("zmq receive failed", "error", err)
		return
	}
	if len(frames) != 3 || len(frames[1]) != 0 {
		s.logger.Debug("dropping malformed zmq message", "frames", len(frames))
		return
	}
	identity, body := frames[0], frames[2]

	var envelope Envelope
	if err := msgpack.Unmarshal(body, &envelope); err != nil {
		s.sendDirect(identity, reply.Failure(fmt.Sprintf("invalid request: %v", err)))
		return
	}
	if !transport.Match(s.pattern, envelope.Key) {
		s.sendDirect(identity, reply.Failure(fmt.Sprintf("no handler for key %q", envelope.Key)))
		return
	}

	pending := &request{session: s, identity: identity, envelope: envelope}
	select {
	case s.requests <- pending:
	case <-s.done:
		s.sendDirect(identity, reply.Failure("unavailable: session closed"))
	}
}

func (s *Session) relayReply() {
	frames, err := s.pull.RecvMessageBytes(0)
	if err != nil {
		s.logger.Warn("zmq reply receive failed", "error", err)
		return
	}
	if _, err := s.router.SendMessage(frames); err != nil {
		s.logger.Debug("zmq reply send failed", "error", err)
	}
}

func (s *Session) sendDirect(identity, data []byte) {
	if _, err := s.router.SendMessage(identity, "", data); err != nil {
		s.logger.Debug("zmq reply send failed", "error", err)
	}
}

func (s *Session) closeSockets() {
	s.pushMu.Lock()
	for _, socket := range []*zmq4.Socket{s.push, s.pull, s.router} {
		if socket != nil {
			socket.Close()
		}
	}
	s.push = nil
	s.pushMu.Unlock()
	s.zctx.Term()
}

type request struct {
	session  *Session
	identity []byte
	envelope Envelope
	once     sync.Once
}

func (r *request) Key() string     { return r.envelope.Key }
func (r *request) Payload() []byte { return r.envelope.Payload }
func (r *request) Forwarded() bool { return r.envelope.Forwarded }

func (r *request) Reply(data []byte) error {
	err := transport.ErrAlreadyReplied
	r.once.Do(func() {
		r.session.pushMu.Lock()
		defer r.session.pushMu.Unlock()
		if r.session.push == nil {
			err = transport.ErrSessionClosed
			return
		}
		_, err = r.session.push.SendMessage(r.identity, "", data)
	})
	return err
}
