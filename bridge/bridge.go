// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/mailbox/consensus"
	"github.com/bureau-foundation/mailbox/lib/clock"
	"github.com/bureau-foundation/mailbox/reply"
	"github.com/bureau-foundation/mailbox/router"
	"github.com/bureau-foundation/mailbox/transport"
)

// State is the bridge lifecycle phase.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrRestartsExhausted is returned by Wait when the supervisor gave up
// reopening the transport session.
var ErrRestartsExhausted = errors.New("bridge: transport session restarts exhausted")

// Forwarder relays a request to another replica's bridge.
type Forwarder interface {
	Forward(ctx context.Context, address, key string, payload []byte) ([]byte, error)
}

// DefaultPattern is the key pattern served when Config.Pattern is
// empty.
const DefaultPattern = router.Namespace + "/**"

const (
	defaultMaxInFlight    = 64
	defaultSubmitTimeout  = 5 * time.Second
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultMaxRestarts    = 8
)

// Config holds a bridge's collaborators and limits. Transport and Group
// are required; zero values elsewhere select defaults.
type Config struct {
	Transport transport.Transport
	Group     consensus.Group

	Pattern       string
	MaxInFlight   int
	SubmitTimeout time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRestarts    int

	// Forwarder relays requests to the leader. Nil disables
	// forwarding.
	Forwarder Forwarder

	// Peers maps replica IDs to bridge addresses for forwarding.
	Peers map[string]string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Bridge serves mailbox requests from one transport.
type Bridge struct {
	transport transport.Transport
	group     consensus.Group
	forwarder Forwarder
	peers     map[string]string
	clock     clock.Clock
	logger    *slog.Logger

	pattern        string
	submitTimeout  time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxRestarts    int

	// inFlight is a counting semaphore over request handlers.
	inFlight chan struct{}
	handlers sync.WaitGroup

	state   atomic.Int32
	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New validates cfg and returns a bridge in StateStarting.
func New(cfg Config) (*Bridge, error) {
	if cfg.Transport == nil {
		return nil, errors.New("bridge: Transport is required")
	}
	if cfg.Group == nil {
		return nil, errors.New("bridge: Group is required")
	}

	b := &Bridge{
		transport:      cfg.Transport,
		group:          cfg.Group,
		forwarder:      cfg.Forwarder,
		peers:          cfg.Peers,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		pattern:        cfg.Pattern,
		submitTimeout:  cfg.SubmitTimeout,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		maxRestarts:    cfg.MaxRestarts,
		done:           make(chan struct{}),
	}
	if b.pattern == "" {
		b.pattern = DefaultPattern
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	b.inFlight = make(chan struct{}, maxInFlight)
	if b.submitTimeout <= 0 {
		b.submitTimeout = defaultSubmitTimeout
	}
	if b.initialBackoff <= 0 {
		b.initialBackoff = defaultInitialBackoff
	}
	if b.maxBackoff <= 0 {
		b.maxBackoff = defaultMaxBackoff
	}
	if b.maxRestarts <= 0 {
		b.maxRestarts = defaultMaxRestarts
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.state.Store(int32(StateStarting))
	return b, nil
}

// State returns the current lifecycle phase.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Start opens the first session and begins serving in the background.
// If the session cannot be opened the bridge moves to StateStopped and
// Start returns the error.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("bridge: already started")
	}

	session, err := b.transport.Open(ctx, b.pattern)
	if err != nil {
		b.err = fmt.Errorf("bridge: opening session for %q: %w", b.pattern, err)
		b.state.Store(int32(StateStopped))
		close(b.done)
		return b.err
	}

	ctx, b.cancel = context.WithCancel(ctx)
	b.state.Store(int32(StateRunning))
	go b.supervise(ctx, session)

	b.logger.Info("bridge started",
		"pattern", b.pattern,
		"max_in_flight", cap(b.inFlight),
		"submit_timeout", b.submitTimeout,
		"forwarding", b.forwarder != nil,
	)
	return nil
}

// Stop stops receiving, waits for in-flight requests to be answered,
// and returns once the bridge is stopped.
func (b *Bridge) Stop() {
	if !b.started.Load() {
		return
	}
	b.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	if b.cancel != nil {
		b.cancel()
	}
	<-b.done
}

// Wait blocks until the bridge stops. It returns nil after Stop and
// ErrRestartsExhausted (wrapping the last session error) after the
// supervisor gave up.
func (b *Bridge) Wait() error {
	<-b.done
	return b.err
}

// supervise serves session and reopens it whenever it dies.
func (b *Bridge) supervise(ctx context.Context, session transport.Session) {
	defer func() {
		b.handlers.Wait()
		b.state.Store(int32(StateStopped))
		b.logger.Info("bridge stopped")
		close(b.done)
	}()

	failures := 0
	backoff := b.initialBackoff
	for {
		delivered, err := b.serve(ctx, session)
		session.Close()
		if ctx.Err() != nil {
			return
		}
		if delivered {
			failures = 0
			backoff = b.initialBackoff
		}
		b.logger.Warn("transport session ended", "error", err)

		session = nil
		for session == nil {
			failures++
			if failures > b.maxRestarts {
				b.err = fmt.Errorf("%w after %d attempts: %v", ErrRestartsExhausted, b.maxRestarts, err)
				b.logger.Error("giving up on transport session", "restarts", b.maxRestarts, "error", err)
				b.state.Store(int32(StateStopping))
				b.cancel()
				return
			}

			b.logger.Info("restarting transport session", "attempt", failures, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-b.clock.After(backoff):
			}
			backoff = min(backoff*2, b.maxBackoff)

			session, err = b.transport.Open(ctx, b.pattern)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn("reopening transport session failed", "attempt", failures, "error", err)
				session = nil
			}
		}
	}
}

// serve receives requests until the session fails or ctx is done. It
// reports whether at least one request was delivered.
func (b *Bridge) serve(ctx context.Context, session transport.Session) (delivered bool, err error) {
	for {
		select {
		case b.inFlight <- struct{}{}:
		case <-ctx.Done():
			return delivered, ctx.Err()
		}

		request, err := session.Receive(ctx)
		if err != nil {
			<-b.inFlight
			return delivered, err
		}
		delivered = true

		b.handlers.Add(1)
		go func() {
			defer b.handlers.Done()
			defer func() { <-b.inFlight }()
			// In-flight requests finish with their own timeout even
			// while the bridge stops.
			b.handle(context.WithoutCancel(ctx), request)
		}()
	}
}

// handle answers one request exactly once.
func (b *Bridge) handle(ctx context.Context, request transport.Request) {
	logger := b.logger.With(
		"request_id", uuid.NewString(),
		"key", request.Key(),
	)

	var once sync.Once
	respond := func(data []byte) {
		once.Do(func() {
			if err := request.Reply(data); err != nil {
				logger.Debug("sending reply failed", "error", err)
			}
		})
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("panic while handling request",
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
			respond(reply.Failure(reply.ReasonInternal))
		}
	}()

	respond(b.process(ctx, request, logger))
}

// process routes, submits, and encodes. The returned bytes are the
// complete reply.
func (b *Bridge) process(ctx context.Context, request transport.Request, logger *slog.Logger) []byte {
	cmd, err := router.Route(request.Key(), request.Payload())
	if err != nil {
		logger.Debug("rejected request", "error", err)
		return reply.Failure(err.Error())
	}

	submitCtx, cancel := context.WithTimeout(ctx, b.submitTimeout)
	defer cancel()
	result, err := b.group.Submit(submitCtx, cmd)
	if err != nil {
		return b.failure(ctx, request, err, logger)
	}

	data, err := reply.Success(result)
	if err != nil {
		logger.Error("encoding reply failed", "op", cmd.Op(), "kind", result.Kind, "error", err)
		return reply.Failure(reply.ReasonInternal)
	}
	logger.Debug("request served", "op", cmd.Op(), "result", result.Kind)
	return data
}

// failure turns a Submit error into a reply, forwarding to the leader
// when possible.
func (b *Bridge) failure(ctx context.Context, request transport.Request, err error, logger *slog.Logger) []byte {
	var notLeader *consensus.NotLeaderError
	switch {
	case errors.As(err, &notLeader):
		if data, forwarded := b.forward(ctx, request, notLeader, logger); forwarded {
			return data
		}
		logger.Warn("not leader", "leader", notLeader.LeaderID)
		return reply.Failure(notLeader.Error())
	case errors.Is(err, consensus.ErrTimeout), errors.Is(err, consensus.ErrUnavailable):
		logger.Warn("submit failed", "error", err)
		return reply.Failure(err.Error())
	default:
		logger.Error("submit failed", "error", err)
		return reply.Failure(reply.ReasonInternal)
	}
}

// forward relays request to the leader once. It reports false when
// forwarding does not apply, so the caller answers not-leader itself.
func (b *Bridge) forward(ctx context.Context, request transport.Request, notLeader *consensus.NotLeaderError, logger *slog.Logger) ([]byte, bool) {
	if b.forwarder == nil || request.Forwarded() || notLeader.LeaderID == "" {
		return nil, false
	}
	address, known := b.peers[notLeader.LeaderID]
	if !known || address == "" {
		logger.Warn("leader has no bridge address", "leader", notLeader.LeaderID)
		return nil, false
	}

	forwardCtx, cancel := context.WithTimeout(ctx, b.submitTimeout)
	defer cancel()
	data, err := b.forwarder.Forward(forwardCtx, address, request.Key(), request.Payload())
	if err != nil {
		logger.Warn("forwarding to leader failed", "leader", notLeader.LeaderID, "address", address, "error", err)
		return reply.Failure(fmt.Sprintf("unavailable: forwarding to leader %s failed", notLeader.LeaderID)), true
	}
	logger.Debug("forwarded to leader", "leader", notLeader.LeaderID, "address", address)
	return data, true
}
