// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"github.com/bureau-foundation/mailbox/mailbox"
)

// testCluster is a set of nodes connected by raft's in-memory
// transport.
type testCluster struct {
	t          *testing.T
	nodes      []*Node
	transports []*raft.InmemTransport
	closed     map[int]bool
}

// fastConfig returns timeouts short enough for tests.
func fastConfig(cfg Config) Config {
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	cfg.ElectionTimeout = 50 * time.Millisecond
	cfg.CommitTimeout = 5 * time.Millisecond
	cfg.ApplyTimeout = 5 * time.Second
	cfg.RaftLogger = NewRaftLogger(slog.LevelError, io.Discard, false)
	return cfg
}

func newTestCluster(t *testing.T, size int) *testCluster {
	t.Helper()
	cluster := &testCluster{t: t, closed: make(map[int]bool)}

	var peers []Peer
	for i := 0; i < size; i++ {
		id := fmt.Sprintf("node-%d", i)
		address, transport := raft.NewInmemTransport(raft.ServerAddress(id))
		cluster.transports = append(cluster.transports, transport)
		peers = append(peers, Peer{ID: id, Address: string(address)})
	}
	for i, from := range cluster.transports {
		for j, to := range cluster.transports {
			if i != j {
				from.Connect(to.LocalAddr(), to)
			}
		}
	}

	for i := 0; i < size; i++ {
		store := raft.NewInmemStore()
		node, err := Open(fastConfig(Config{
			ID:            peers[i].ID,
			Peers:         peers,
			Bootstrap:     true,
			Transport:     cluster.transports[i],
			LogStore:      store,
			StableStore:   store,
			SnapshotStore: raft.NewInmemSnapshotStore(),
		}))
		if err != nil {
			t.Fatalf("Open node %d: %v", i, err)
		}
		cluster.nodes = append(cluster.nodes, node)
	}
	t.Cleanup(cluster.closeAll)
	return cluster
}

func (c *testCluster) closeAll() {
	for i, node := range c.nodes {
		if !c.closed[i] {
			node.Close()
			c.closed[i] = true
		}
	}
}

// leader waits for a leader among the live nodes and returns its
// position.
func (c *testCluster) leader() int {
	c.t.Helper()
	var found int
	waitFor(c.t, 10*time.Second, "a leader", func() bool {
		for i, node := range c.nodes {
			if !c.closed[i] && node.IsLeader() {
				found = i
				return true
			}
		}
		return false
	})
	return found
}

// follower returns any live node other than leader.
func (c *testCluster) follower(leader int) int {
	for i := range c.nodes {
		if i != leader && !c.closed[i] {
			return i
		}
	}
	c.t.Fatal("no live follower")
	return -1
}

// kill shuts node i down and disconnects it from the others.
func (c *testCluster) kill(i int) {
	c.t.Helper()
	for j, transport := range c.transports {
		if j != i {
			transport.Disconnect(c.transports[i].LocalAddr())
		}
	}
	c.transports[i].DisconnectAll()
	if err := c.nodes[i].Close(); err != nil {
		c.t.Logf("closing node %d: %v", i, err)
	}
	c.closed[i] = true
}

// waitConverged waits until every live node has applied the same
// state.
func (c *testCluster) waitConverged() {
	c.t.Helper()
	waitFor(c.t, 10*time.Second, "replicas to converge", func() bool {
		var want string
		first := true
		for i, node := range c.nodes {
			if c.closed[i] {
				continue
			}
			fingerprint, err := node.Fingerprint()
			if err != nil {
				c.t.Fatalf("Fingerprint: %v", err)
			}
			if first {
				want, first = fingerprint, false
			} else if fingerprint != want {
				return false
			}
		}
		return true
	})
}

// waitFor polls condition until it holds. Raft runs on real timers, so
// there is no fake clock to advance here.
func waitFor(t *testing.T, timeout time.Duration, what string, condition func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !condition() {
		select {
		case <-deadline:
			t.Fatalf("timed out after %v waiting for %s", timeout, what)
		case <-ticker.C:
		}
	}
}

func submit(t *testing.T, group Group, cmd mailbox.Command) mailbox.Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := group.Submit(ctx, cmd)
	if err != nil {
		t.Fatalf("Submit(%v): %v", cmd.Op(), err)
	}
	return reply
}

func TestClusterPutThenConsume(t *testing.T) {
	cluster := newTestCluster(t, 3)
	leader := cluster.nodes[cluster.leader()]

	if reply := submit(t, leader, mailbox.Put{User: "alice", Payload: []byte(`{"hello":"world"}`)}); reply.Kind != mailbox.KindAck {
		t.Fatalf("Put reply = %v, want ack", reply.Kind)
	}
	if reply := submit(t, leader, mailbox.Count{User: "alice"}); reply.Count != 1 {
		t.Errorf("Count = %d, want 1", reply.Count)
	}
	consumed := submit(t, leader, mailbox.Consume{User: "alice"})
	if consumed.Kind != mailbox.KindMessage || string(consumed.Message.Payload) != `{"hello":"world"}` {
		t.Fatalf("Consume = %v %q", consumed.Kind, consumed.Message.Payload)
	}
	if reply := submit(t, leader, mailbox.Consume{User: "alice"}); reply.Kind != mailbox.KindEmpty {
		t.Errorf("second Consume = %v, want empty", reply.Kind)
	}

	cluster.waitConverged()
}

func TestClusterFollowerRejectsWithLeaderHint(t *testing.T) {
	cluster := newTestCluster(t, 3)
	leaderIndex := cluster.leader()
	leader := cluster.nodes[leaderIndex]
	follower := cluster.nodes[cluster.follower(leaderIndex)]

	// Commit one entry so the follower has heard from the leader.
	submit(t, leader, mailbox.Put{User: "bob", Payload: []byte("x")})
	waitFor(t, 5*time.Second, "follower to learn the leader", func() bool {
		id, _ := follower.Leader()
		return id == leader.ID()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := follower.Submit(ctx, mailbox.Peek{User: "bob"})

	var notLeader *NotLeaderError
	if !errors.As(err, &notLeader) {
		t.Fatalf("follower Submit error = %v, want *NotLeaderError", err)
	}
	if notLeader.LeaderID != leader.ID() {
		t.Errorf("LeaderID = %q, want %q", notLeader.LeaderID, leader.ID())
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Error("NotLeaderError does not match ErrUnavailable")
	}
}

func TestClusterConcurrentConsumeIsExactlyOnce(t *testing.T) {
	cluster := newTestCluster(t, 3)
	leader := cluster.nodes[cluster.leader()]

	const messages = 20
	for i := 0; i < messages; i++ {
		submit(t, leader, mailbox.Put{User: "carol", Payload: []byte(fmt.Sprintf(`{"seq":%d}`, i))})
	}

	const consumers = messages + 1
	var (
		mu      sync.Mutex
		ids     = make(map[string]int)
		empties int
		wg      sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			reply, err := leader.Submit(ctx, mailbox.Consume{User: "carol"})
			if err != nil {
				t.Errorf("Consume: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch reply.Kind {
			case mailbox.KindMessage:
				ids[reply.Message.ID]++
			case mailbox.KindEmpty:
				empties++
			default:
				t.Errorf("Consume kind = %v", reply.Kind)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(ids) != messages {
		t.Errorf("distinct messages consumed = %d, want %d", len(ids), messages)
	}
	for id, times := range ids {
		if times != 1 {
			t.Errorf("message %s consumed %d times", id, times)
		}
	}
	if empties != 1 {
		t.Errorf("empty replies = %d, want 1", empties)
	}

	cluster.waitConverged()
	for i, node := range cluster.nodes {
		if node.LocalState().Len("carol") != 0 {
			t.Errorf("node %d still holds %d messages", i, node.LocalState().Len("carol"))
		}
	}
}

func TestClusterFailover(t *testing.T) {
	cluster := newTestCluster(t, 3)
	oldLeader := cluster.leader()

	put := submit(t, cluster.nodes[oldLeader], mailbox.Put{User: "dave", Payload: []byte(`"survives"`)})
	cluster.waitConverged()

	cluster.kill(oldLeader)
	newLeader := cluster.leader()
	if newLeader == oldLeader {
		t.Fatal("killed node is still reported as leader")
	}

	peeked := submit(t, cluster.nodes[newLeader], mailbox.Peek{User: "dave"})
	if peeked.Kind != mailbox.KindMessage {
		t.Fatalf("Peek on new leader = %v, want message", peeked.Kind)
	}
	if peeked.Message.ID != put.Message.ID || string(peeked.Message.Payload) != `"survives"` {
		t.Errorf("Peek = %+v, want the message put before failover (%s)", peeked.Message, put.Message.ID)
	}

	// The surviving pair keeps committing.
	submit(t, cluster.nodes[newLeader], mailbox.Put{User: "dave", Payload: []byte("after")})
	if reply := submit(t, cluster.nodes[newLeader], mailbox.Count{User: "dave"}); reply.Count != 2 {
		t.Errorf("Count after failover = %d, want 2", reply.Count)
	}
}

func TestClusterQuorumLossIsUnavailable(t *testing.T) {
	cluster := newTestCluster(t, 3)
	leaderIndex := cluster.leader()
	leader := cluster.nodes[leaderIndex]
	submit(t, leader, mailbox.Put{User: "frank", Payload: []byte("committed")})
	cluster.waitConverged()

	for i := range cluster.nodes {
		if i != leaderIndex {
			cluster.kill(i)
		}
	}

	const deadline = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	start := time.Now()
	reply, err := leader.Submit(ctx, mailbox.Put{User: "frank", Payload: []byte("lost")})
	elapsed := time.Since(start)
	if err == nil {
		t.Fatalf("Submit without quorum succeeded with %v reply", reply.Kind)
	}
	if !errors.Is(err, ErrUnavailable) && !errors.Is(err, ErrTimeout) {
		t.Errorf("Submit without quorum = %v, want ErrUnavailable or ErrTimeout", err)
	}
	if elapsed > deadline+500*time.Millisecond {
		t.Errorf("Submit without quorum took %v, deadline was %v", elapsed, deadline)
	}

	// Once the lease expires the old leader steps down, and reads are
	// refused rather than served from stale state.
	waitFor(t, 5*time.Second, "old leader to step down", func() bool {
		return !leader.IsLeader()
	})
	_, err = leader.Submit(context.Background(), mailbox.Peek{User: "frank"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Peek after stepping down = %v, want ErrUnavailable", err)
	}
}

func TestSubmitBoundedByApplyTimeout(t *testing.T) {
	cluster := newTestCluster(t, 3)
	leaderIndex := cluster.leader()
	leader := cluster.nodes[leaderIndex]
	submit(t, leader, mailbox.Put{User: "gina", Payload: []byte("committed")})
	leader.applyTimeout = 20 * time.Millisecond

	for i := range cluster.nodes {
		if i != leaderIndex {
			cluster.kill(i)
		}
	}

	// No caller deadline: ApplyTimeout alone must bound the wait for
	// a commit that cannot happen.
	start := time.Now()
	reply, err := leader.Submit(context.Background(), mailbox.Put{User: "gina", Payload: []byte("lost")})
	elapsed := time.Since(start)
	if err == nil {
		t.Fatalf("Submit without quorum succeeded with %v reply", reply.Kind)
	}
	if !errors.Is(err, ErrUnavailable) && !errors.Is(err, ErrTimeout) {
		t.Errorf("Submit without quorum = %v, want ErrUnavailable or ErrTimeout", err)
	}
	if elapsed > time.Second {
		t.Errorf("Submit without quorum took %v with a 20ms apply timeout", elapsed)
	}
}

func TestSubmitHonorsCancelledContext(t *testing.T) {
	cluster := newTestCluster(t, 1)
	leader := cluster.nodes[cluster.leader()]

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := leader.Submit(ctx, mailbox.Count{User: "erin"})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Submit with cancelled context = %v, want ErrTimeout", err)
	}
}

func TestWaitForLeader(t *testing.T) {
	cluster := newTestCluster(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i, node := range cluster.nodes {
		id, err := node.WaitForLeader(ctx)
		if err != nil {
			t.Fatalf("node %d WaitForLeader: %v", i, err)
		}
		if id == "" {
			t.Errorf("node %d: empty leader id", i)
		}
	}
}
