// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/mailbox/lib/codec"
	"github.com/bureau-foundation/mailbox/lib/netutil"
	"github.com/bureau-foundation/mailbox/reply"
)

// Frame is the CBOR request written by socket clients. The reply is a
// single CBOR byte string holding the reply envelope.
type Frame struct {
	Key       string `cbor:"key"`
	Payload   []byte `cbor:"payload,omitempty"`
	Forwarded bool   `cbor:"forwarded,omitempty"`
}

// readTimeout is how long the server waits for the client to send its
// request after connecting.
const readTimeout = 30 * time.Second

// writeTimeout bounds writing one reply.
const writeTimeout = 10 * time.Second

// maxRequestSize bounds a single request frame.
const maxRequestSize = 1024 * 1024

// SocketTransport listens on a Unix or TCP address. Each connection
// carries exactly one request and its reply.
type SocketTransport struct {
	network string
	address string
	logger  *slog.Logger
}

// NewSocketTransport returns a transport that listens on address.
// network is "unix" or "tcp".
func NewSocketTransport(network, address string, logger *slog.Logger) *SocketTransport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SocketTransport{network: network, address: address, logger: logger}
}

// Open starts listening. For Unix sockets any stale socket file at the
// address is removed first, and the file is removed again on Close.
func (t *SocketTransport) Open(ctx context.Context, pattern string) (Session, error) {
	if t.network == "unix" {
		if err := os.Remove(t.address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket %s: %w", t.address, err)
		}
	}

	var listenConfig net.ListenConfig
	listener, err := listenConfig.Listen(ctx, t.network, t.address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s %s: %w", t.network, t.address, err)
	}

	session := &SocketSession{
		listener: listener,
		pattern:  pattern,
		logger:   t.logger,
		unixPath: "",
		requests: make(chan *socketRequest),
		done:     make(chan struct{}),
	}
	if t.network == "unix" {
		session.unixPath = t.address
	}
	t.logger.Info("socket transport listening",
		"network", t.network,
		"address", listener.Addr().String(),
		"pattern", pattern,
	)

	go session.acceptLoop()
	return session, nil
}

// SocketSession is the Session returned by SocketTransport.Open.
type SocketSession struct {
	listener net.Listener
	pattern  string
	logger   *slog.Logger
	unixPath string
	requests chan *socketRequest

	once sync.Once
	done chan struct{}
	err  error
}

// Addr returns the listener's address. Useful when listening on an
// ephemeral TCP port.
func (s *SocketSession) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *SocketSession) Receive(ctx context.Context) (Request, error) {
	select {
	case request := <-s.requests:
		return request, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *SocketSession) Close() error {
	s.terminate(ErrSessionClosed)
	return nil
}

func (s *SocketSession) terminate(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
		s.listener.Close()
		if s.unixPath != "" {
			os.Remove(s.unixPath)
		}
	})
}

func (s *SocketSession) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.terminate(ErrSessionClosed)
			} else {
				s.logger.Error("accept failed", "error", err)
				s.terminate(fmt.Errorf("transport: accepting: %w", err))
			}
			return
		}
		go s.handleConnection(conn)
	}
}

// handleConnection reads one frame and hands it to Receive. The
// connection stays open until the request is answered.
func (s *SocketSession) handleConnection(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var frame Frame
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&frame); err != nil {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			conn.Close()
			return
		}
		writeAndClose(conn, reply.Failure(fmt.Sprintf("invalid request: %v", err)), s.logger)
		return
	}
	conn.SetReadDeadline(time.Time{})

	if !Match(s.pattern, frame.Key) {
		writeAndClose(conn, reply.Failure(noHandlerReason(frame.Key)), s.logger)
		return
	}

	request := &socketRequest{conn: conn, frame: frame, logger: s.logger}
	select {
	case s.requests <- request:
	case <-s.done:
		request.Reply(reply.Failure("unavailable: session closed"))
	}
}

type socketRequest struct {
	conn   net.Conn
	frame  Frame
	logger *slog.Logger
	once   sync.Once
}

func (r *socketRequest) Key() string     { return r.frame.Key }
func (r *socketRequest) Payload() []byte { return r.frame.Payload }
func (r *socketRequest) Forwarded() bool { return r.frame.Forwarded }

func (r *socketRequest) Reply(data []byte) error {
	err := ErrAlreadyReplied
	r.once.Do(func() {
		err = writeAndClose(r.conn, data, r.logger)
	})
	return err
}

// writeAndClose sends the reply as a CBOR byte string and closes the
// connection. Write failures from a departed client are logged at debug
// level.
func writeAndClose(conn net.Conn, data []byte, logger *slog.Logger) error {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(data); err != nil {
		if netutil.IsExpectedCloseError(err) {
			logger.Debug("client left before reply", "error", err)
		} else {
			logger.Warn("writing reply failed", "error", err)
		}
		return fmt.Errorf("transport: writing reply: %w", err)
	}
	return nil
}

// ParseAddress splits a "unix:///path" or "tcp://host:port" address
// into its network and address parts.
func ParseAddress(address string) (network, target string, err error) {
	scheme, rest, found := strings.Cut(address, "://")
	if !found || rest == "" {
		return "", "", fmt.Errorf("address %q: expected unix:///path or tcp://host:port", address)
	}
	switch scheme {
	case "unix", "tcp":
		return scheme, rest, nil
	default:
		return "", "", fmt.Errorf("address %q: unsupported scheme %q", address, scheme)
	}
}
