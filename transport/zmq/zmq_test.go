// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package zmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/mailbox/reply"
	"github.com/bureau-foundation/mailbox/transport"
)

func TestRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opened, err := New("tcp://127.0.0.1:*", nil).Open(ctx, "forge/mailbox/**")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	session := opened.(*Session)
	defer session.Close()

	go func() {
		for {
			request, err := session.Receive(context.Background())
			if err != nil {
				return
			}
			go request.Reply(append([]byte("echo:"), request.Payload()...))
		}
	}()

	client := NewClient(session.Endpoint())
	for _, payload := range []string{"one", "two", "three"} {
		got, err := client.Call(ctx, "forge/mailbox/alice/put", []byte(payload))
		if err != nil {
			t.Fatalf("Call(%q): %v", payload, err)
		}
		if string(got) != "echo:"+payload {
			t.Errorf("reply = %q, want echo:%s", got, payload)
		}
	}

	data, err := client.Call(ctx, "elsewhere/alice", nil)
	if err != nil {
		t.Fatalf("Call outside pattern: %v", err)
	}
	envelope, err := reply.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if envelope.Status != reply.StatusError {
		t.Errorf("status = %q, want error", envelope.Status)
	}
}

func TestCloseEndsReceive(t *testing.T) {
	opened, err := New("tcp://127.0.0.1:*", nil).Open(context.Background(), "**")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	opened.Close()
	if _, err := opened.Receive(context.Background()); !errors.Is(err, transport.ErrSessionClosed) {
		t.Errorf("Receive after Close = %v, want ErrSessionClosed", err)
	}
}

func TestForwarderMarksRequests(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opened, err := New("tcp://127.0.0.1:*", nil).Open(ctx, "forge/mailbox/**")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	session := opened.(*Session)
	defer session.Close()

	forwarded := make(chan bool, 2)
	go func() {
		for {
			request, err := session.Receive(context.Background())
			if err != nil {
				return
			}
			forwarded <- request.Forwarded()
			request.Reply([]byte("ok"))
		}
	}()

	if _, err := NewClient(session.Endpoint()).Call(ctx, "forge/mailbox/bob/count", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, err := (Forwarder{}).Forward(ctx, session.Endpoint(), "forge/mailbox/bob/count", nil); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if <-forwarded {
		t.Error("direct call arrived marked as forwarded")
	}
	if !<-forwarded {
		t.Error("forwarded call arrived unmarked")
	}
}
