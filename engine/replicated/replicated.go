// Package replicated provides the "raft" vcdb engine. Every commit is
// proposed to a raft group and acknowledged once the local replica has
// applied it. Reads are served by the local replica.
//
// The connection string is the path of the node's raft log followed by
// options:
//
//	id=N                 this node's raft id (default 1)
//	peer=ID=URL          a group member, repeated for each node including
//	                     this one; without peers the node forms a group alone
//	timeout=5s           how long a commit waits to be applied
//	tick=100ms           raft tick interval
//	snapshot=1000        applied entries kept before compacting the log
//	codec=zstd           compress values at rest
//
// Peers exchange messages over HTTP at <URL>/raft; mount Handler there.
package replicated

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/myuser/vcdb"
	"github.com/myuser/vcdb/internal/kv"
	"github.com/myuser/vcdb/internal/metrics"
	"github.com/myuser/vcdb/internal/raft"
	"github.com/myuser/vcdb/internal/storage"
)

// EngineName is the name the engine registers under.
const EngineName = "raft"

// ErrOpen is returned when deleting a database whose node is running, or
// starting a node id twice in one process.
var ErrOpen = errors.New("replicated: node already running")

const defaultTimeout = 5 * time.Second

var nodes = &registry{byID: make(map[uint64]*group)}

func init() {
	vcdb.MustRegister(EngineName, New())
}

// New returns the raft engine. All instances share the process-wide set
// of running nodes served by Handler.
func New() vcdb.Engine {
	return kv.New(backend{})
}

type registry struct {
	mu   sync.Mutex
	byID map[uint64]*group
}

// group is a running raft node and the replica it applies to.
type group struct {
	path      string
	node      *raft.Node
	transport *raft.HTTPTransport
	data      *storage.MemoryStore
	cancel    context.CancelFunc
	timeout   time.Duration
}

func (r *registry) add(id uint64, g *group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; ok {
		return fmt.Errorf("replicated: node %d: %w", id, ErrOpen)
	}
	r.byID[id] = g
	return nil
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// attach publishes the started node of g to Step.
func (r *registry) attach(g *group, node *raft.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g.node = node
}

func (r *registry) node(id uint64) (*raft.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.byID[id]
	if !ok || g.node == nil {
		return nil, false
	}
	return g.node, true
}

func (r *registry) running(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.byID {
		if g.path == path {
			return true
		}
	}
	return false
}

// Step routes a message to the running node it is addressed to.
func (r *registry) Step(msg raftpb.Message) error {
	node, ok := r.node(msg.To)
	if !ok {
		return fmt.Errorf("replicated: no node %d", msg.To)
	}
	return node.Step(context.Background(), msg)
}

// Handler receives raft messages for every node running in the process.
func Handler() http.Handler {
	return raft.Handler(nodes)
}

// applier applies committed batches to the local replica.
type applier struct {
	data *storage.MemoryStore
}

func (a applier) Apply(cmd []byte) error {
	b, err := storage.DecodeBatch(cmd)
	if err != nil {
		return err
	}
	_, err = a.data.ApplyNext(b)
	return err
}

func (a applier) Snapshot() ([]byte, error) { return a.data.GetSnapshotData() }

func (a applier) Restore(data []byte) error { return a.data.RestoreSnapshot(data) }

type backend struct{}

func (backend) Create(b *vcdb.Builder) (*kv.Store, error) {
	conn, err := kv.ParseConn(b.ConnectionString())
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(conn.Name); err == nil {
		return nil, fmt.Errorf("replicated: %s: %w", conn.Name, kv.ErrExists)
	}
	return start(b, conn)
}

func (backend) Open(b *vcdb.Builder) (*kv.Store, error) {
	conn, err := kv.ParseConn(b.ConnectionString())
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(conn.Name); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("replicated: %s: %w", conn.Name, kv.ErrNotFound)
	}
	return start(b, conn)
}

type options struct {
	id       uint64
	peers    map[uint64]string
	timeout  time.Duration
	tick     time.Duration
	snapshot uint64
}

func parseOptions(conn kv.Conn) (options, error) {
	o := options{id: 1, peers: make(map[uint64]string), timeout: defaultTimeout}

	if v := conn.Options.Get("id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil || id == 0 {
			return o, fmt.Errorf("replicated: bad node id %q", v)
		}
		o.id = id
	}
	for _, p := range conn.Options["peer"] {
		id, url, err := raft.ParsePeer(p)
		if err != nil {
			return o, err
		}
		o.peers[id] = url
	}
	if len(o.peers) > 0 {
		if _, ok := o.peers[o.id]; !ok {
			return o, fmt.Errorf("replicated: node %d is not among its peers", o.id)
		}
	}

	var err error
	if v := conn.Options.Get("timeout"); v != "" {
		if o.timeout, err = time.ParseDuration(v); err != nil {
			return o, fmt.Errorf("replicated: bad timeout: %w", err)
		}
	}
	if v := conn.Options.Get("tick"); v != "" {
		if o.tick, err = time.ParseDuration(v); err != nil {
			return o, fmt.Errorf("replicated: bad tick: %w", err)
		}
	}
	if v := conn.Options.Get("snapshot"); v != "" {
		if o.snapshot, err = strconv.ParseUint(v, 10, 64); err != nil {
			return o, fmt.Errorf("replicated: bad snapshot interval: %w", err)
		}
	}
	return o, nil
}

func (o options) voters() []uint64 {
	if len(o.peers) == 0 {
		return []uint64{o.id}
	}
	ids := make([]uint64, 0, len(o.peers))
	for id := range o.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func start(b *vcdb.Builder, conn kv.Conn) (*kv.Store, error) {
	cd, err := conn.Codec()
	if err != nil {
		return nil, err
	}
	o, err := parseOptions(conn)
	if err != nil {
		return nil, err
	}

	logger := b.Logger().With("path", conn.Name)
	transport := raft.NewHTTPTransport(logger)
	for id, url := range o.peers {
		if id != o.id {
			transport.AddPeer(id, url)
		}
	}

	g := &group{path: conn.Name, transport: transport, data: storage.NewMemoryStore(), timeout: o.timeout}
	if err := nodes.add(o.id, g); err != nil {
		return nil, err
	}

	node, err := raft.NewNode(raft.Config{
		ID:              o.id,
		Peers:           o.voters(),
		WALPath:         conn.Name,
		SnapshotEntries: o.snapshot,
		TickInterval:    o.tick,
		Logger:          logger,
	}, applier{data: g.data}, transport)
	if err != nil {
		nodes.remove(o.id)
		return nil, err
	}
	nodes.attach(g, node)

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go node.Run(ctx)

	// reads must see everything committed before the last close
	wctx, wcancel := context.WithTimeout(ctx, o.timeout)
	err = node.WaitApplied(wctx, node.Restored())
	wcancel()
	if err != nil {
		cancel()
		<-node.Done()
		node.Close()
		g.data.Close()
		nodes.remove(o.id)
		return nil, fmt.Errorf("replicated: replay %s to index %d: %w", conn.Name, node.Restored(), err)
	}

	return &kv.Store{Data: g.data, Commit: g.commit, Codec: cd, State: g}, nil
}

func (g *group) commit(b *storage.Batch) error {
	cmd, err := b.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	metrics.Inc("vcdb_raft_proposals")
	if err := g.node.ProposeAndWait(ctx, cmd); err != nil {
		metrics.Inc("vcdb_raft_proposal_failures")
		return err
	}
	return nil
}

func (backend) Close(s *kv.Store) {
	g, ok := s.State.(*group)
	if !ok {
		return
	}
	g.cancel()
	<-g.node.Done()
	g.node.Close()
	g.data.Close()
	nodes.remove(g.node.ID)
}

func (backend) Delete(b *vcdb.Builder) error {
	conn, err := kv.ParseConn(b.ConnectionString())
	if err != nil {
		return err
	}
	if nodes.running(conn.Name) {
		return fmt.Errorf("replicated: %s: %w", conn.Name, ErrOpen)
	}
	if err := os.Remove(conn.Name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("replicated: %s: %w", conn.Name, kv.ErrNotFound)
		}
		return err
	}
	return nil
}

// Leader reports the raft leader known to the node serving db.
func Leader(db *vcdb.Database) (uint64, bool) {
	s, ok := db.Context.(*kv.Store)
	if !ok {
		return 0, false
	}
	g, ok := s.State.(*group)
	if !ok {
		return 0, false
	}
	return g.node.Leader(), true
}
