// Package raftlog replicates stream mutations through a single etcd raft
// group. Every node applies committed commands to its own memory.Store, so
// reads are served locally and writes must go through the leader.
package raftlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"cascade/internal/logger"
	"cascade/internal/stream"
	"cascade/internal/stream/memory"
)

var errProposalDropped = fmt.Errorf("%w: proposal was not applied in time", stream.ErrNotLeader)

type Config struct {
	NodeID              uint64
	Address             string
	PeerAddresses       map[uint64]string
	TickInterval        time.Duration
	ElectionTicks       int
	HeartbeatTicks      int
	MaxInflightMsgs     int
	MaxMessageSize      uint64
	ProposalTimeout     time.Duration
	Persistence         *Persistence
	BootstrapNewCluster bool
}

func (c *Config) withDefaults() {
	if c.Persistence == nil {
		c.Persistence = NewPersistence()
	}
	if c.TickInterval == 0 {
		c.TickInterval = 20 * time.Millisecond
	}
	if c.ElectionTicks == 0 {
		c.ElectionTicks = 10
	}
	if c.HeartbeatTicks == 0 {
		c.HeartbeatTicks = 1
	}
	if c.MaxInflightMsgs == 0 {
		c.MaxInflightMsgs = 256
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 1024 * 1024
	}
	if c.ProposalTimeout == 0 {
		c.ProposalTimeout = 5 * time.Second
	}
}

// Persistence holds the raft log of a node; handing the same Persistence to a
// restarted node makes it replay its committed commands.
type Persistence struct {
	storage *raft.MemoryStorage
}

func NewPersistence() *Persistence { return &Persistence{storage: raft.NewMemoryStorage()} }

var setLoggerOnce sync.Once

type node struct {
	cfg       Config
	raft      raft.Node
	storage   *raft.MemoryStorage
	transport *tcpTransport
	store     *memory.Store
	log       zerolog.Logger

	mu      sync.Mutex
	waiters map[string]chan result

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newNode(cfg Config) (*node, error) {
	cfg.withDefaults()
	if cfg.NodeID == 0 {
		return nil, errors.New("raft node id must be positive")
	}
	if _, ok := cfg.PeerAddresses[cfg.NodeID]; !ok {
		return nil, fmt.Errorf("raft node %d missing from peers", cfg.NodeID)
	}
	setLoggerOnce.Do(func() { raft.SetLogger(logger.NewRaft("raft")) })

	n := &node{
		cfg:     cfg,
		storage: cfg.Persistence.storage,
		store:   memory.NewStore(),
		log:     logger.With("raft-log").With().Uint64("node", cfg.NodeID).Logger(),
		waiters: map[string]chan result{},
		stopCh:  make(chan struct{}),
	}
	peers := make([]raft.Peer, 0, len(cfg.PeerAddresses))
	for id := range cfg.PeerAddresses {
		peers = append(peers, raft.Peer{ID: id})
	}
	rc := &raft.Config{ID: cfg.NodeID, ElectionTick: cfg.ElectionTicks, HeartbeatTick: cfg.HeartbeatTicks, Storage: n.storage, MaxSizePerMsg: cfg.MaxMessageSize, MaxInflightMsgs: cfg.MaxInflightMsgs, CheckQuorum: true, PreVote: true}
	if cfg.BootstrapNewCluster {
		n.raft = raft.StartNode(rc, peers)
	} else {
		n.raft = raft.RestartNode(rc)
	}
	listen := cfg.Address
	if listen == "" {
		listen = cfg.PeerAddresses[cfg.NodeID]
	}
	t, err := newTCPTransport(cfg.NodeID, listen, cfg.PeerAddresses, func(msg raftpb.Message) {
		_ = n.raft.Step(context.Background(), msg)
	})
	if err != nil {
		n.raft.Stop()
		return nil, err
	}
	n.transport = t
	n.wg.Add(1)
	go n.run()
	return n, nil
}

func (n *node) stop() error {
	var err error
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.raft.Stop()
		n.wg.Wait()
		n.mu.Lock()
		for token, ch := range n.waiters {
			select {
			case ch <- result{err: stream.ErrClosed}:
			default:
			}
			delete(n.waiters, token)
		}
		n.mu.Unlock()
		err = n.transport.close()
	})
	return err
}

func (n *node) isLeader() bool { return n.raft.Status().RaftState == raft.StateLeader }

func (n *node) leader() uint64 { return n.raft.Status().Lead }

// activeVoters counts the voters the leader heard from recently, itself included.
func (n *node) activeVoters() int {
	st := n.raft.Status()
	if st.RaftState != raft.StateLeader {
		return 0
	}
	active := 0
	for id, pr := range st.Progress {
		if id == n.cfg.NodeID || pr.RecentActive {
			active++
		}
	}
	return active
}

// propose replicates cmd and waits until this node applied it.
func (n *node) propose(ctx context.Context, cmd Command) (result, error) {
	if !n.isLeader() {
		return result{}, fmt.Errorf("%w: leader=%d", stream.ErrNotLeader, n.leader())
	}
	cmd.FillTimestamp()
	cmd.Token = uuid.NewString()
	b, err := cmd.Marshal()
	if err != nil {
		return result{}, err
	}
	ch := make(chan result, 1)
	n.mu.Lock()
	n.waiters[cmd.Token] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.waiters, cmd.Token)
		n.mu.Unlock()
	}()

	if err := n.raft.Propose(ctx, b); err != nil {
		if errors.Is(err, raft.ErrProposalDropped) {
			return result{}, errProposalDropped
		}
		return result{}, err
	}
	timer := time.NewTimer(n.cfg.ProposalTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, res.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-timer.C:
		return result{}, errProposalDropped
	}
}

func (n *node) run() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.raft.Tick()
		case rd := <-n.raft.Ready():
			n.persist(rd)
			for _, m := range rd.Messages {
				if err := n.transport.send(m.To, m); err != nil {
					n.log.Error().Err(err).Uint64("peer", m.To).Str("type", m.Type.String()).Msg("sending raft message")
					n.raft.ReportUnreachable(m.To)
				}
			}
			for _, ent := range rd.CommittedEntries {
				n.applyEntry(ent)
			}
			n.raft.Advance()
		}
	}
}

func (n *node) persist(rd raft.Ready) {
	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := n.storage.ApplySnapshot(rd.Snapshot); err != nil {
			n.log.Error().Err(err).Uint64("index", rd.Snapshot.Metadata.Index).Msg("applying raft snapshot")
		}
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.storage.SetHardState(rd.HardState); err != nil {
			n.log.Error().Err(err).Uint64("term", rd.HardState.Term).Uint64("commit", rd.HardState.Commit).Msg("saving raft hard state")
		}
	}
	if err := n.storage.Append(rd.Entries); err != nil {
		n.log.Error().Err(err).Int("entries", len(rd.Entries)).Msg("appending raft entries")
	}
}

func (n *node) applyEntry(ent raftpb.Entry) {
	switch ent.Type {
	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(ent.Data); err == nil {
			n.raft.ApplyConfChange(cc)
		}
		return
	case raftpb.EntryNormal:
	default:
		return
	}
	if len(ent.Data) == 0 {
		return
	}
	cmd, err := UnmarshalCommand(ent.Data)
	if err != nil {
		n.log.Error().Err(err).Uint64("index", ent.Index).Msg("skipping undecodable entry")
		return
	}
	res := n.apply(cmd)
	if cmd.Token == "" {
		return
	}
	n.mu.Lock()
	ch, ok := n.waiters[cmd.Token]
	n.mu.Unlock()
	if ok {
		select {
		case ch <- res:
		default:
		}
	}
}

func (n *node) apply(cmd Command) result {
	switch cmd.Op {
	case OpCreate:
		return result{changed: n.store.Create(cmd.Stream, cmd.Partitions)}
	case OpDelete:
		return result{changed: n.store.Delete(cmd.Stream)}
	case OpAppend:
		if cmd.Record == nil {
			return result{err: errors.New("append command without record")}
		}
		off, err := n.store.Append(cmd.Stream, cmd.Partition, cmd.Record.record())
		return result{offset: off, err: err}
	case OpNoop:
		return result{}
	case OpCommit:
		p := partitionOf(cmd)
		return result{err: n.store.Commit(cmd.Group, p, cmd.Next)}
	}
	return result{err: fmt.Errorf("unknown command %q", cmd.Op)}
}
