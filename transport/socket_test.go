// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/mailbox/lib/testutil"
	"github.com/bureau-foundation/mailbox/reply"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// forwardedEcho answers with the payload, prefixed by "fwd:" for
// forwarded requests.
func forwardedEcho(session Session) {
	go func() {
		for {
			request, err := session.Receive(context.Background())
			if err != nil {
				return
			}
			go func() {
				answer := request.Payload()
				if request.Forwarded() {
					answer = append([]byte("fwd:"), answer...)
				}
				request.Reply(answer)
			}()
		}
	}()
}

func TestSocketRoundTripUnix(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	socketPath := filepath.Join(testutil.SocketDir(t), "mailbox.sock")
	session, err := NewSocketTransport("unix", socketPath, testLogger()).Open(ctx, "forge/mailbox/**")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer session.Close()
	forwardedEcho(session)

	client := NewSocketClient("unix", socketPath)
	got, err := client.Call(ctx, "forge/mailbox/alice/put", []byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(got) != `{"x":1}` {
		t.Errorf("reply = %q", got)
	}

	forwarded, err := SocketForwarder{}.Forward(ctx, "unix://"+socketPath, "forge/mailbox/alice/peek", []byte("p"))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if string(forwarded) != "fwd:p" {
		t.Errorf("forwarded reply = %q, want fwd:p", forwarded)
	}
}

func TestSocketRoundTripTCP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session, err := NewSocketTransport("tcp", "127.0.0.1:0", testLogger()).Open(ctx, "forge/mailbox/**")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer session.Close()
	forwardedEcho(session)

	client, err := DialAddress("tcp://" + session.(*SocketSession).Addr().String())
	if err != nil {
		t.Fatalf("DialAddress: %v", err)
	}
	const concurrent = 8
	results := make(chan error, concurrent)
	for i := 0; i < concurrent; i++ {
		go func() {
			got, err := client.Call(ctx, "forge/mailbox/bob/count", []byte("n"))
			if err == nil && string(got) != "n" {
				err = errors.New("unexpected reply " + string(got))
			}
			results <- err
		}()
	}
	for i := 0; i < concurrent; i++ {
		if err := testutil.RequireReceive(t, results, 10*time.Second); err != nil {
			t.Errorf("Call: %v", err)
		}
	}
}

func TestSocketUnmatchedKey(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	socketPath := filepath.Join(testutil.SocketDir(t), "mailbox.sock")
	session, err := NewSocketTransport("unix", socketPath, testLogger()).Open(ctx, "forge/mailbox/**")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer session.Close()

	data, err := NewSocketClient("unix", socketPath).Call(ctx, "other/alice", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	envelope, err := reply.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if envelope.Status != reply.StatusError {
		t.Errorf("status = %q, want error", envelope.Status)
	}
}

func TestSocketCloseRemovesSocketFile(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "mailbox.sock")
	session, err := NewSocketTransport("unix", socketPath, testLogger()).Open(context.Background(), "**")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := os.Stat(socketPath); err != nil {
		t.Fatalf("socket file missing while open: %v", err)
	}

	session.Close()
	if _, err := session.Receive(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Receive after Close = %v, want ErrSessionClosed", err)
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket file still present after Close: %v", err)
	}

	// Reopening on the same path works, which the bridge relies on for
	// restarts.
	again, err := NewSocketTransport("unix", socketPath, testLogger()).Open(context.Background(), "**")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	again.Close()
}
