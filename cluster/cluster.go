// Package cluster replicates the mutation log between peers. Every node
// accepts writes; peers exchange per-origin log entries over an
// authenticated JSON-over-TCP connection and converge through idempotent
// replay. Membership is tracked with heartbeats: a silent peer moves to
// suspected and back to active when it answers again, and admission
// requires the cluster's shared secret.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/xet7/jmap-server/core"
	"github.com/xet7/jmap-server/docstore"
)

// MemberState is a peer's position in the membership lifecycle.
type MemberState uint8

const (
	// StateJoining is a peer that passed admission but has not finished
	// its initial catch-up.
	StateJoining MemberState = iota + 1
	// StateActive is a healthy peer answering heartbeats.
	StateActive
	// StateSuspected is a peer that missed heartbeats. It still holds
	// back log pruning until removed, so it can catch up by replay when
	// it returns.
	StateSuspected
	// StateRemoved is a peer that left or was expelled.
	StateRemoved
)

func (s MemberState) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateSuspected:
		return "suspected"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Member is one known peer.
type Member struct {
	ID    string
	Addr  string
	State MemberState

	// Acked is the peer's applied version vector from its last
	// heartbeat. Pruning floors derive from it.
	Acked    core.VersionVector
	LastSeen time.Time
}

// Options configures a cluster Node.
type Options struct {
	// Addr is the listen address for peer connections.
	Addr string
	// Secret is the shared admission key. Required.
	Secret []byte
	// Peers are addresses to join on start. Empty bootstraps a new
	// cluster.
	Peers []string

	// HeartbeatInterval defaults to 1s.
	HeartbeatInterval time.Duration
	// SuspectAfter marks a peer suspected when it has not answered for
	// this long. Defaults to 5 heartbeat intervals.
	SuspectAfter time.Duration
	// DialTimeout bounds connection and handshake time. Defaults to 5s.
	DialTimeout time.Duration

	Logger *slog.Logger
}

// Node is this process's cluster presence.
type Node struct {
	store  *docstore.Store
	opts   Options
	logger *slog.Logger

	server *rpcServer

	mu      sync.Mutex
	closed  bool
	members map[string]*Member
	conns   map[string]*rpcClient // by member id

	catchupMu sync.Mutex
	catchup   map[string]bool // origins with a catch-up in flight

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode wires a cluster node around the store. Start must be called
// before the node exchanges any traffic.
func NewNode(store *docstore.Store, opts Options) (*Node, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("cluster: shared secret is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = time.Second
	}
	if opts.SuspectAfter <= 0 {
		opts.SuspectAfter = 5 * opts.HeartbeatInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("node", store.NodeID())

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		store:   store,
		opts:    opts,
		logger:  logger,
		server:  newRPCServer(store.NodeID(), opts.Secret, logger),
		members: make(map[string]*Member),
		conns:   make(map[string]*rpcClient),
		catchup: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	n.server.register("Cluster.Join", n.handleJoin)
	n.server.register("Cluster.Heartbeat", n.handleHeartbeat)
	n.server.register("Cluster.Apply", n.handleApply)
	n.server.register("Cluster.Fetch", n.handleFetch)

	store.OnMember(n.onMemberEntry)
	return n, nil
}

// Start listens for peers, joins the configured cluster, and begins
// heartbeating.
func (n *Node) Start() error {
	ln, err := net.Listen("tcp", n.opts.Addr)
	if err != nil {
		return err
	}
	n.server.serve(ln)
	n.logger.Info("cluster listening", "addr", ln.Addr())

	for _, addr := range n.opts.Peers {
		if err := n.join(addr); err != nil {
			n.logger.Warn("join failed", "peer", addr, "error", err)
		}
	}

	n.wg.Add(1)
	go n.heartbeatLoop()
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.server.listener == nil {
		return n.opts.Addr
	}
	return n.server.listener.Addr().String()
}

// Close stops heartbeating and tears down peer connections.
func (n *Node) Close() error {
	// Stop accepting new workers before waiting: a commit landing during
	// shutdown must not Add to the group while Wait runs.
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	n.cancel()
	n.server.stop()
	n.wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.conns {
		_ = c.close()
	}
	n.conns = make(map[string]*rpcClient)
	return nil
}

// launch runs fn on the node's worker group. It reports false without
// running fn once Close has begun.
func (n *Node) launch(fn func()) bool {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return false
	}
	n.wg.Add(1)
	n.mu.Unlock()
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

// Members returns a snapshot of known peers.
func (n *Node) Members() []Member {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Member, 0, len(n.members))
	for _, m := range n.members {
		cp := *m
		cp.Acked = m.Acked.Clone()
		out = append(out, cp)
	}
	return out
}

// wire types

type joinRequest struct {
	Node string `json:"node"`
	Addr string `json:"addr"`
}

type joinResponse struct {
	Node    string             `json:"node"`
	Addr    string             `json:"addr"`
	Members []memberInfo       `json:"members,omitempty"`
	VV      core.VersionVector `json:"vv"`
}

type memberInfo struct {
	Node string `json:"node"`
	Addr string `json:"addr"`
}

type heartbeatRequest struct {
	Node string             `json:"node"`
	VV   core.VersionVector `json:"vv"`
}

type heartbeatResponse struct {
	Node string             `json:"node"`
	VV   core.VersionVector `json:"vv"`
}

type fetchRequest struct {
	Origin string      `json:"origin"`
	After  core.SeqNum `json:"after"`
	Limit  int         `json:"limit"`
}

type fetchResponse struct {
	Entries []*docstore.LogEntry `json:"entries,omitempty"`
}

// join dials addr, performs admission, announces this node, and seeds the
// membership table from the reply.
func (n *Node) join(addr string) error {
	client, err := dialPeer(addr, n.store.NodeID(), n.opts.Secret, n.opts.DialTimeout)
	if err != nil {
		return err
	}

	var resp joinResponse
	err = client.call("Cluster.Join", joinRequest{Node: n.store.NodeID(), Addr: n.Addr()}, &resp)
	if err != nil {
		client.close()
		return err
	}

	n.mu.Lock()
	n.upsertMemberLocked(resp.Node, addr, StateActive)
	n.conns[resp.Node] = client
	for _, m := range resp.Members {
		if m.Node == n.store.NodeID() {
			continue
		}
		n.upsertMemberLocked(m.Node, m.Addr, StateJoining)
	}
	n.mu.Unlock()

	n.logger.Info("joined cluster", "via", addr, "peer", resp.Node)

	// Pull everything the contact point is ahead on before serving.
	n.syncFromVV(resp.Node, resp.VV)
	return nil
}

func (n *Node) handleJoin(_ context.Context, raw json.RawMessage) (any, error) {
	var req joinRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}

	n.mu.Lock()
	known := n.membersInfoLocked()
	n.upsertMemberLocked(req.Node, req.Addr, StateJoining)
	n.mu.Unlock()

	if _, err := n.store.AppendMembership(docstore.MemberChange{Node: req.Node, Addr: req.Addr}); err != nil {
		return nil, err
	}
	n.logger.Info("peer joined", "peer", req.Node, "addr", req.Addr)

	return joinResponse{
		Node:    n.store.NodeID(),
		Addr:    n.Addr(),
		Members: known,
		VV:      n.store.VersionVector(),
	}, nil
}

func (n *Node) handleHeartbeat(_ context.Context, raw json.RawMessage) (any, error) {
	var req heartbeatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	n.observeMember(req.Node, req.VV)
	n.launch(func() { n.syncFromVV(req.Node, req.VV) })
	return heartbeatResponse{Node: n.store.NodeID(), VV: n.store.VersionVector()}, nil
}

func (n *Node) handleApply(ctx context.Context, raw json.RawMessage) (any, error) {
	var entry docstore.LogEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	err := n.store.Apply(ctx, &entry)
	if errors.Is(err, docstore.ErrSeqGap) {
		// Let the pusher see the gap, then repair it ourselves.
		n.requestCatchup(entry.Origin)
	}
	return nil, err
}

func (n *Node) handleFetch(_ context.Context, raw json.RawMessage) (any, error) {
	var req fetchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	if req.Limit <= 0 || req.Limit > maxFetchBatch {
		req.Limit = maxFetchBatch
	}
	entries, err := n.store.Entries(req.Origin, req.After, req.Limit)
	if err != nil {
		return nil, err
	}
	return fetchResponse{Entries: entries}, nil
}

// membership bookkeeping

func (n *Node) upsertMemberLocked(id, addr string, state MemberState) {
	m, ok := n.members[id]
	if !ok {
		m = &Member{ID: id, Acked: core.VersionVector{}}
		n.members[id] = m
	}
	if addr != "" {
		m.Addr = addr
	}
	if m.State != StateRemoved {
		m.State = state
	}
	m.LastSeen = time.Now()
}

func (n *Node) membersInfoLocked() []memberInfo {
	out := make([]memberInfo, 0, len(n.members))
	for _, m := range n.members {
		if m.State == StateRemoved {
			continue
		}
		out = append(out, memberInfo{Node: m.ID, Addr: m.Addr})
	}
	return out
}

func (n *Node) observeMember(id string, vv core.VersionVector) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.members[id]
	if !ok {
		m = &Member{ID: id, Acked: core.VersionVector{}}
		n.members[id] = m
	}
	if m.State != StateRemoved {
		if m.State == StateSuspected {
			n.logger.Info("peer recovered", "peer", id)
		}
		m.State = StateActive
	}
	m.Acked.Merge(vv)
	m.LastSeen = time.Now()
}

// onMemberEntry reacts to replicated membership changes.
func (n *Node) onMemberEntry(change docstore.MemberChange) {
	if change.Node == n.store.NodeID() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if change.Removed {
		if m, ok := n.members[change.Node]; ok {
			m.State = StateRemoved
		}
		if c, ok := n.conns[change.Node]; ok {
			_ = c.close()
			delete(n.conns, change.Node)
		}
		return
	}
	if _, ok := n.members[change.Node]; !ok {
		n.upsertMemberLocked(change.Node, change.Addr, StateJoining)
	}
}

// heartbeatLoop pings every known peer, marks silent ones suspected, and
// piggybacks anti-entropy on the returned version vectors.
func (n *Node) heartbeatLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.heartbeatRound()
		}
	}
}

func (n *Node) heartbeatRound() {
	n.mu.Lock()
	peers := make([]*Member, 0, len(n.members))
	for _, m := range n.members {
		if m.State == StateRemoved {
			continue
		}
		if time.Since(m.LastSeen) > n.opts.SuspectAfter && m.State == StateActive {
			m.State = StateSuspected
			n.logger.Warn("peer suspected", "peer", m.ID, "last_seen", m.LastSeen)
		}
		peers = append(peers, m)
	}
	n.mu.Unlock()

	vv := n.store.VersionVector()
	for _, m := range peers {
		client, err := n.clientFor(m.ID)
		if err != nil {
			continue
		}
		var resp heartbeatResponse
		err = client.call("Cluster.Heartbeat", heartbeatRequest{Node: n.store.NodeID(), VV: vv}, &resp)
		if err != nil {
			n.dropConn(m.ID)
			continue
		}
		n.observeMember(resp.Node, resp.VV)
		n.syncFromVV(resp.Node, resp.VV)
	}
}

// clientFor returns the cached connection to a member, dialing if needed.
func (n *Node) clientFor(id string) (*rpcClient, error) {
	n.mu.Lock()
	if c, ok := n.conns[id]; ok {
		n.mu.Unlock()
		return c, nil
	}
	m, ok := n.members[id]
	if !ok || m.Addr == "" || m.State == StateRemoved {
		n.mu.Unlock()
		return nil, errors.New("cluster: unknown peer " + id)
	}
	addr := m.Addr
	n.mu.Unlock()

	c, err := dialPeer(addr, n.store.NodeID(), n.opts.Secret, n.opts.DialTimeout)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.conns[id]; ok {
		_ = c.close()
		return existing, nil
	}
	n.conns[id] = c
	return c, nil
}

func (n *Node) dropConn(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.conns[id]; ok {
		_ = c.close()
		delete(n.conns, id)
	}
}
