// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/bureau-foundation/mailbox/reply"
)

// ErrSessionKilled is returned by Receive on sessions terminated with
// Memory.Kill.
var ErrSessionKilled = errors.New("transport: session killed")

// ErrOpenRefused is returned by Memory.Open while refusals queued with
// RefuseOpens remain.
var ErrOpenRefused = errors.New("transport: open refused")

// Memory is an in-process Transport. Requests are delivered to the
// oldest live session whose pattern matches the key.
type Memory struct {
	mu       sync.Mutex
	sessions []*memorySession
	refusals int

	// changed is closed and replaced whenever the session set changes,
	// waking Request calls waiting for a session.
	changed chan struct{}
}

// NewMemory returns an empty hub.
func NewMemory() *Memory {
	return &Memory{changed: make(chan struct{})}
}

// Open registers a session for pattern.
func (m *Memory) Open(ctx context.Context, pattern string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refusals > 0 {
		m.refusals--
		return nil, ErrOpenRefused
	}
	session := &memorySession{
		hub:      m,
		pattern:  pattern,
		requests: make(chan *memoryRequest),
		done:     make(chan struct{}),
	}
	m.sessions = append(m.sessions, session)
	m.notifyLocked()
	return session, nil
}

// RefuseOpens makes the next n calls to Open fail with ErrOpenRefused.
func (m *Memory) RefuseOpens(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refusals = n
}

// Kill terminates every live session. Their Receive calls return
// ErrSessionKilled.
func (m *Memory) Kill() {
	m.mu.Lock()
	sessions := slices.Clone(m.sessions)
	m.mu.Unlock()

	for _, session := range sessions {
		session.terminate(ErrSessionKilled)
	}
}

// Sessions returns the number of live sessions.
func (m *Memory) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Request delivers an unforwarded request and waits for its reply.
func (m *Memory) Request(ctx context.Context, key string, payload []byte) ([]byte, error) {
	return m.Deliver(ctx, key, payload, false)
}

// Call implements Caller.
func (m *Memory) Call(ctx context.Context, key string, payload []byte) ([]byte, error) {
	return m.Request(ctx, key, payload)
}

// Deliver sends a request and waits for its reply. While no session is
// live it waits for one to open. When sessions are live but none
// matches the key, the hub answers with an error envelope.
func (m *Memory) Deliver(ctx context.Context, key string, payload []byte, forwarded bool) ([]byte, error) {
	request := &memoryRequest{
		key:       key,
		payload:   payload,
		forwarded: forwarded,
		reply:     make(chan []byte, 1),
	}

	for {
		session, changed := m.route(key)
		if session == nil && changed == nil {
			return reply.Failure(noHandlerReason(key)), nil
		}
		if session == nil {
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		select {
		case session.requests <- request:
		case <-session.done:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		select {
		case data := <-request.reply:
			return data, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// route picks the session for key. With no live sessions it returns
// the change channel to wait on. With live sessions but no match it
// returns nil for both.
func (m *Memory) route(key string) (*memorySession, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) == 0 {
		return nil, m.changed
	}
	for _, session := range m.sessions {
		if Match(session.pattern, key) {
			return session, nil
		}
	}
	return nil, nil
}

func (m *Memory) remove(session *memorySession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index := slices.Index(m.sessions, session); index >= 0 {
		m.sessions = slices.Delete(m.sessions, index, index+1)
		m.notifyLocked()
	}
}

func (m *Memory) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

type memorySession struct {
	hub      *Memory
	pattern  string
	requests chan *memoryRequest

	once sync.Once
	done chan struct{}
	err  error
}

func (s *memorySession) Receive(ctx context.Context) (Request, error) {
	select {
	case request := <-s.requests:
		return request, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySession) Close() error {
	s.terminate(ErrSessionClosed)
	return nil
}

func (s *memorySession) terminate(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		s.hub.remove(s)
	})
}

type memoryRequest struct {
	key       string
	payload   []byte
	forwarded bool

	once  sync.Once
	reply chan []byte
}

func (r *memoryRequest) Key() string     { return r.key }
func (r *memoryRequest) Payload() []byte { return r.payload }
func (r *memoryRequest) Forwarded() bool { return r.forwarded }

func (r *memoryRequest) Reply(data []byte) error {
	err := ErrAlreadyReplied
	r.once.Do(func() {
		r.reply <- data
		err = nil
	})
	return err
}
