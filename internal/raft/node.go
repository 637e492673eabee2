// Package raft replicates opaque commands through an etcd raft group and
// applies them to a local state machine.
package raft

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// ErrStopped is returned to proposals still waiting when the node stops.
var ErrStopped = errors.New("raft: node stopped")

// Storage is the subset of DiskStorage the node needs.
type Storage interface {
	raft.Storage
	Save(entries []raftpb.Entry, state raftpb.HardState) error
	CreateSnapshot(i uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error)
	ApplySnapshot(snap raftpb.Snapshot) error
	Close() error
}

// Applier is the replicated state machine.
type Applier interface {
	Apply(data []byte) error
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

type Transport interface {
	Send(msgs []raftpb.Message)
}

// Config for the Node
type Config struct {
	ID      uint64
	Peers   []uint64
	WALPath string // empty keeps the raft log in memory

	// SnapshotEntries is the number of applied entries kept before the log
	// is compacted into a snapshot. Zero means 1000.
	SnapshotEntries uint64

	TickInterval time.Duration // zero means 100ms
	Logger       *slog.Logger
}

// Node drives one member of a raft group.
type Node struct {
	ID        uint64
	RaftNode  raft.Node
	Storage   Storage
	Transport Transport
	Applier   Applier

	logger    *slog.Logger
	tick      time.Duration
	snapEvery uint64
	confState raftpb.ConfState
	applied   atomic.Uint64
	leader    atomic.Uint64
	restored  uint64 // commit index found in the log at start

	mu      sync.Mutex
	waiters map[uint64]chan error
	stopped bool
	done    chan struct{}
}

// NewNode creates a node, restoring the applier from the latest snapshot
// when the log already has state.
func NewNode(cfg Config, applier Applier, transport Transport) (*Node, error) {
	if cfg.ID == 0 {
		return nil, errors.New("raft: node id must be non-zero")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("raft_id", cfg.ID)

	var storage Storage
	if cfg.WALPath != "" {
		ds, err := NewDiskStorage(cfg.WALPath)
		if err != nil {
			return nil, err
		}
		storage = ds
	} else {
		storage = &memoryStorageWrapper{raft.NewMemoryStorage()}
	}

	peers := cfg.Peers
	if len(peers) == 0 {
		peers = []uint64{cfg.ID}
	}

	n := &Node{
		ID:        cfg.ID,
		Storage:   storage,
		Transport: transport,
		Applier:   applier,
		logger:    logger,
		tick:      cfg.TickInterval,
		snapEvery: cfg.SnapshotEntries,
		confState: raftpb.ConfState{Voters: peers},
		waiters:   make(map[uint64]chan error),
		done:      make(chan struct{}),
	}
	if n.tick == 0 {
		n.tick = 100 * time.Millisecond
	}
	if n.snapEvery == 0 {
		n.snapEvery = 1000
	}

	c := &raft.Config{
		ID:              cfg.ID,
		ElectionTick:    10,
		HeartbeatTick:   1,
		Storage:         storage,
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 256,
	}

	snap, err := storage.Snapshot()
	if err != nil {
		storage.Close()
		return nil, err
	}
	if !raft.IsEmptySnap(snap) {
		if err := applier.Restore(snap.Data); err != nil {
			storage.Close()
			return nil, fmt.Errorf("raft: restore snapshot: %w", err)
		}
		n.confState = snap.Metadata.ConfState
		n.applied.Store(snap.Metadata.Index)
		c.Applied = snap.Metadata.Index
	}

	hs, _, err := storage.InitialState()
	if err != nil {
		storage.Close()
		return nil, err
	}
	n.restored = max(hs.Commit, snap.Metadata.Index)

	lastIndex, err := storage.LastIndex()
	if err != nil {
		storage.Close()
		return nil, err
	}

	if lastIndex > 0 {
		logger.Info("raft restarting", "last_index", lastIndex, "commit_index", n.restored, "snapshot_index", snap.Metadata.Index)
		n.RaftNode = raft.RestartNode(c)
	} else {
		rpeers := make([]raft.Peer, 0, len(peers))
		for _, p := range peers {
			rpeers = append(rpeers, raft.Peer{ID: p})
		}
		logger.Info("raft starting", "peers", peers)
		n.RaftNode = raft.StartNode(c, rpeers)
	}
	return n, nil
}

// memoryStorageWrapper adds Save and Close to raft.MemoryStorage.
type memoryStorageWrapper struct {
	*raft.MemoryStorage
}

func (m *memoryStorageWrapper) Save(entries []raftpb.Entry, state raftpb.HardState) error {
	if !raft.IsEmptyHardState(state) {
		if err := m.SetHardState(state); err != nil {
			return err
		}
	}
	return m.Append(entries)
}

func (m *memoryStorageWrapper) Close() error { return nil }

// Run drives the raft state machine until ctx is cancelled. It blocks.
func (n *Node) Run(ctx context.Context) {
	ticker := time.NewTicker(n.tick)
	defer ticker.Stop()
	defer n.stop()

	// a lone voter need not wait out an election timeout
	if len(n.confState.Voters) == 1 && n.confState.Voters[0] == n.ID {
		n.RaftNode.Campaign(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			n.RaftNode.Stop()
			return
		case <-ticker.C:
			n.RaftNode.Tick()
		case rd := <-n.RaftNode.Ready():
			if err := n.handleReady(rd); err != nil {
				n.logger.Error("raft ready failed", "err", err)
				n.RaftNode.Stop()
				return
			}
			n.RaftNode.Advance()
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if rd.SoftState != nil {
		n.leader.Store(rd.SoftState.Lead)
	}

	if !raft.IsEmptySnap(rd.Snapshot) {
		n.logger.Info("applying snapshot", "index", rd.Snapshot.Metadata.Index)
		if err := n.Storage.ApplySnapshot(rd.Snapshot); err != nil {
			return fmt.Errorf("apply snapshot: %w", err)
		}
		if err := n.Applier.Restore(rd.Snapshot.Data); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		n.confState = rd.Snapshot.Metadata.ConfState
		n.applied.Store(rd.Snapshot.Metadata.Index)
	}

	if err := n.Storage.Save(rd.Entries, rd.HardState); err != nil {
		return fmt.Errorf("persist raft state: %w", err)
	}

	n.Transport.Send(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if entry.Index <= n.applied.Load() {
			continue
		}
		switch entry.Type {
		case raftpb.EntryNormal:
			if len(entry.Data) > 0 {
				n.applyEntry(entry.Data)
			}
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("decode conf change: %w", err)
			}
			n.confState = *n.RaftNode.ApplyConfChange(cc)
		}
		n.applied.Store(entry.Index)
	}

	return n.maybeSnapshot()
}

// Proposal framing: RequestID(8) | Command
func (n *Node) applyEntry(data []byte) {
	if len(data) < 8 {
		n.logger.Warn("dropping malformed entry", "size", len(data))
		return
	}
	id := binary.BigEndian.Uint64(data)
	err := n.Applier.Apply(data[8:])
	if err != nil {
		n.logger.Warn("apply failed", "request", id, "err", err)
	}

	n.mu.Lock()
	ch, ok := n.waiters[id]
	delete(n.waiters, id)
	n.mu.Unlock()
	if ok {
		ch <- err
	}
}

func (n *Node) maybeSnapshot() error {
	applied := n.applied.Load()
	first, err := n.Storage.FirstIndex()
	if err != nil {
		return err
	}
	if applied < first || applied-first < n.snapEvery {
		return nil
	}

	data, err := n.Applier.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot state: %w", err)
	}
	cs := n.confState
	if _, err := n.Storage.CreateSnapshot(applied, &cs, data); err != nil {
		if errors.Is(err, raft.ErrSnapOutOfDate) {
			return nil
		}
		return fmt.Errorf("create snapshot: %w", err)
	}
	n.logger.Info("snapshot created", "index", applied)
	return nil
}

// Propose submits data without waiting for it to apply.
func (n *Node) Propose(ctx context.Context, data []byte) error {
	_, err := n.propose(ctx, data)
	return err
}

// ProposeAndWait submits data and blocks until this node has applied it,
// returning the applier's result. Proposals dropped while the group has no
// leader are retried until ctx expires.
func (n *Node) ProposeAndWait(ctx context.Context, data []byte) error {
	ch, err := n.propose(ctx, data)
	if err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) propose(ctx context.Context, data []byte) (chan error, error) {
	// random ids cannot collide with entries replayed from an earlier run
	id := rand.Uint64()
	ch := make(chan error, 1)

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil, ErrStopped
	}
	n.waiters[id] = ch
	n.mu.Unlock()

	framed := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(framed, id)
	copy(framed[8:], data)

	for {
		err := n.RaftNode.Propose(ctx, framed)
		if err == nil {
			return ch, nil
		}
		if !errors.Is(err, raft.ErrProposalDropped) {
			n.forget(id)
			return nil, err
		}
		select {
		case <-ctx.Done():
			n.forget(id)
			return nil, ctx.Err()
		case <-n.done:
			return nil, ErrStopped
		case <-time.After(n.tick):
		}
	}
}

func (n *Node) forget(id uint64) {
	n.mu.Lock()
	delete(n.waiters, id)
	n.mu.Unlock()
}

func (n *Node) stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.stopped = true
	for id, ch := range n.waiters {
		ch <- ErrStopped
		delete(n.waiters, id)
	}
	close(n.done)
}

// Done is closed when Run returns.
func (n *Node) Done() <-chan struct{} { return n.done }

// Leader is the last known leader, or zero.
func (n *Node) Leader() uint64 { return n.leader.Load() }

// Applied is the index of the last applied entry.
func (n *Node) Applied() uint64 { return n.applied.Load() }

// Restored is the commit index the log held when the node was created.
func (n *Node) Restored() uint64 { return n.restored }

// WaitLeader blocks until the group has elected a leader.
func (n *Node) WaitLeader(ctx context.Context) error {
	return n.wait(ctx, func() bool { return n.Leader() != raft.None })
}

// WaitApplied blocks until every entry up to index has been applied.
func (n *Node) WaitApplied(ctx context.Context, index uint64) error {
	return n.wait(ctx, func() bool { return n.Applied() >= index })
}

func (n *Node) wait(ctx context.Context, done func() bool) error {
	t := time.NewTicker(max(n.tick/2, time.Millisecond))
	defer t.Stop()
	for !done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.done:
			return ErrStopped
		case <-t.C:
		}
	}
	return nil
}

func (n *Node) Step(ctx context.Context, msg raftpb.Message) error {
	return n.RaftNode.Step(ctx, msg)
}

// Close releases the raft log. Run must have returned.
func (n *Node) Close() error {
	return n.Storage.Close()
}
