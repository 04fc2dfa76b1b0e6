// Package rafteng implements the consensus engine collaborator on HashiCorp
// Raft with bolt-backed stores. The engine drives the service container over
// the service channel and gossips member status to peers over the status
// channels.
package rafteng

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/clusterlab/harness/pkg/archive"
	"github.com/clusterlab/harness/pkg/consensus"
	"github.com/clusterlab/harness/pkg/idle"
	"github.com/clusterlab/harness/pkg/internal/logutil"
	"github.com/clusterlab/harness/pkg/service"
	"github.com/clusterlab/harness/pkg/status"
	"github.com/clusterlab/harness/pkg/topology"
	"github.com/clusterlab/harness/pkg/transport"
)

const (
	snapshotsRetained    = 2
	keySnapshotRecording = "engine.snapshot.recording"
)

// Engine is a live raft-backed consensus engine.
type Engine struct {
	cfg  consensus.Config
	top  topology.Topology
	log  *log.Logger
	arch *archive.Archive

	r     *raft.Raft
	store *raftboltdb.BoltStore
	trans *raft.NetworkTransport

	servicePub transport.Publication
	statusSub  *status.Adapter
	statusPubs []transport.Publication
	publisher  status.Publisher
	snapBase   transport.ChannelURI

	events chan service.Event
	stop   chan struct{}
	wg     sync.WaitGroup

	tallyMu sync.Mutex
	tally   map[string]int

	snapMu  sync.Mutex
	snapSeq int64

	closeOnce sync.Once
	closeErr  error
}

// Launch starts the engine: raft node, service event stream and member
// status gossip. conn and arch are owned by the caller and shared with the
// other co-launched engines.
func Launch(cfg consensus.Config, conn transport.Conn, arch *archive.Archive) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.ErrorHandler == nil {
		logger := cfg.Logger
		cfg.ErrorHandler = func(err error) { logutil.Errorf(logger, "engine: %v", err) }
	}
	top, err := topology.Resolve(cfg.Members, cfg.MemberID, cfg.AppointedLeaderID)
	if err != nil {
		return nil, err
	}
	if !top.IsSelfPresent() {
		return nil, fmt.Errorf("consensus: member id %d not in member list", cfg.MemberID)
	}
	if cfg.DeleteDirOnStart {
		if err := os.RemoveAll(cfg.Dir); err != nil {
			return nil, fmt.Errorf("consensus: clean dir: %w", err)
		}
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("consensus: create dir: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		top:    top,
		log:    cfg.Logger,
		arch:   arch,
		events: make(chan service.Event, 256),
		stop:   make(chan struct{}),
		tally:  make(map[string]int),
	}

	if err := e.openChannels(conn); err != nil {
		e.releaseChannels()
		return nil, err
	}
	e.wg.Add(1)
	go e.senderLoop()

	e.emit(service.Event{Kind: service.EventStart, MemberID: cfg.MemberID, Timestamp: nowMs()})

	if err := e.launchRaft(); err != nil {
		close(e.stop)
		e.wg.Wait()
		if e.trans != nil {
			_ = e.trans.Close()
		}
		if e.store != nil {
			_ = e.store.Close()
		}
		e.releaseChannels()
		return nil, err
	}

	e.wg.Add(2)
	go e.statusPollLoop()
	go e.gossipLoop()

	if top.SelfIndex != top.LeaderIndex {
		// Leader-side catch-up archive is not implemented; a follower node
		// relies on the appointed leader's own recording.
		logutil.Warnf(e.log, "member %d is not the appointed leader; catch-up archive unavailable", cfg.MemberID)
	}
	return e, nil
}

func (e *Engine) openChannels(conn transport.Conn) error {
	statusChannel, err := transport.ParseChannelURI(e.cfg.StatusChannel)
	if err != nil {
		return err
	}
	serviceChannel, err := transport.ParseChannelURI(e.cfg.ServiceChannel)
	if err != nil {
		return err
	}
	if e.cfg.SnapshotChannel != "" {
		e.snapBase, err = transport.ParseChannelURI(e.cfg.SnapshotChannel)
		if err != nil {
			return err
		}
	}

	// The engine listens on the service channel so events queued before the
	// container launches are delivered once it dials in.
	e.servicePub, err = conn.AddExclusivePublication(
		serviceChannel.WithParam(transport.ModeParam, transport.ModeListen), e.cfg.ServiceStreamID)
	if err != nil {
		return fmt.Errorf("consensus: service channel: %w", err)
	}

	sub, err := conn.AddSubscription(statusChannel, e.cfg.StatusStreamID)
	if err != nil {
		return fmt.Errorf("consensus: status subscription: %w", err)
	}
	e.statusSub = status.NewAdapter(sub, &tallyListener{e: e})

	e.statusPubs = make([]transport.Publication, len(e.top.Members))
	for i, member := range e.top.Members {
		if i == e.top.SelfIndex {
			continue
		}
		pub, err := conn.AddExclusivePublication(
			statusChannel.WithEndpoint(member.MemberFacingEndpoint), e.cfg.StatusStreamID)
		if err != nil {
			return fmt.Errorf("consensus: status publication to member %d: %w", member.ID, err)
		}
		e.statusPubs[i] = pub
	}
	return nil
}

func (e *Engine) releaseChannels() {
	if e.servicePub != nil {
		_ = e.servicePub.Close()
	}
	if e.statusSub != nil {
		_ = e.statusSub.Close()
	}
	for _, pub := range e.statusPubs {
		if pub != nil {
			_ = pub.Close()
		}
	}
}

func (e *Engine) launchRaft() error {
	rcfg := raft.DefaultConfig()
	rcfg.LocalID = raft.ServerID(strconv.FormatInt(int64(e.cfg.MemberID), 10))
	if e.cfg.HeartbeatTimeout > 0 {
		rcfg.HeartbeatTimeout = e.cfg.HeartbeatTimeout
		if rcfg.LeaderLeaseTimeout > rcfg.HeartbeatTimeout {
			rcfg.LeaderLeaseTimeout = rcfg.HeartbeatTimeout
		}
	}
	if e.cfg.ElectionTimeout > 0 {
		rcfg.ElectionTimeout = e.cfg.ElectionTimeout
	}
	if e.cfg.CommitTimeout > 0 {
		rcfg.CommitTimeout = e.cfg.CommitTimeout
	}

	store, err := raftboltdb.NewBoltStore(filepath.Join(e.cfg.Dir, "raft.db"))
	if err != nil {
		return fmt.Errorf("consensus: open log store: %w", err)
	}
	e.store = store
	snaps, err := raft.NewFileSnapshotStore(e.cfg.Dir, snapshotsRetained, os.Stderr)
	if err != nil {
		return fmt.Errorf("consensus: snapshot store: %w", err)
	}

	self := e.top.Self()
	trans, err := raft.NewTCPTransport(self.LogEndpoint, nil, 3, time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("consensus: log transport on %s: %w", self.LogEndpoint, err)
	}
	e.trans = trans

	lastIndex, err := store.LastIndex()
	if err != nil {
		return fmt.Errorf("consensus: read log bounds: %w", err)
	}
	isAppointed := e.top.SelfIndex == e.top.LeaderIndex

	// A prior snapshot recording is replayed into the service before the
	// log is reapplied.
	if recID, ok := e.storedSnapshotRecording(); ok {
		e.emitLoadSnapshot(recID)
	}
	replaying := lastIndex > 0 && isAppointed
	if replaying {
		e.emit(service.Event{Kind: service.EventReplayBegin, Timestamp: nowMs()})
	}

	r, err := raft.NewRaft(rcfg, &fsm{e: e}, store, store, snaps, trans)
	if err != nil {
		return fmt.Errorf("consensus: start raft: %w", err)
	}
	e.r = r

	hasState, err := raft.HasExistingState(store, store, snaps)
	if err != nil {
		return fmt.Errorf("consensus: inspect state: %w", err)
	}
	if isAppointed && !hasState {
		servers := raft.Configuration{Servers: []raft.Server{{
			ID:      rcfg.LocalID,
			Address: trans.LocalAddr(),
		}}}
		if err := r.BootstrapCluster(servers).Error(); err != nil {
			return fmt.Errorf("consensus: bootstrap: %w", err)
		}
	}

	e.observeLeadership()
	e.wg.Add(1)
	go e.readyLoop(replaying, lastIndex)
	return nil
}

// readyLoop emits replayEnd once the reapplied log catches up, then ready.
func (e *Engine) readyLoop(replaying bool, lastIndex uint64) {
	defer e.wg.Done()
	strategy := idle.NewSleeping(0)
	if replaying {
		for e.r.AppliedIndex() < lastIndex {
			select {
			case <-e.stop:
				return
			default:
			}
			strategy.Idle(0)
		}
		e.emit(service.Event{Kind: service.EventReplayEnd, Timestamp: nowMs()})
	}
	e.emit(service.Event{Kind: service.EventReady, Timestamp: nowMs()})
}

func (e *Engine) observeLeadership() {
	obsCh := make(chan raft.Observation, 32)
	observer := raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
		switch o.Data.(type) {
		case raft.LeaderObservation, raft.RaftState:
			return true
		default:
			return false
		}
	})
	e.r.RegisterObserver(observer)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.stop:
				return
			case <-obsCh:
				role := e.role()
				e.emit(service.Event{Kind: service.EventRoleChange, Role: role, Timestamp: nowMs()})
				if role == service.RoleLeader {
					e.publishNewLeadershipTerm()
				}
			}
		}
	}()
}

func (e *Engine) role() service.Role {
	switch e.r.State() {
	case raft.Leader:
		return service.RoleLeader
	case raft.Candidate:
		return service.RoleCandidate
	default:
		return service.RoleFollower
	}
}

// senderLoop delivers queued events over the service channel in order,
// retrying while no container is attached yet.
func (e *Engine) senderLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case event := <-e.events:
			payload, err := service.EncodeEvent(event)
			if err != nil {
				e.cfg.ErrorHandler(err)
				continue
			}
			for {
				if err := e.servicePub.Offer(payload); err == nil {
					break
				}
				select {
				case <-e.stop:
					return
				default:
				}
			}
		}
	}
}

func (e *Engine) emit(event service.Event) {
	select {
	case e.events <- event:
	case <-e.stop:
	}
}

// statusPollLoop drains inbound member-status gossip on the engine's own
// schedule, independent of the harness mesh.
func (e *Engine) statusPollLoop() {
	defer e.wg.Done()
	strategy := idle.NewBackoff(0, 0, 0)
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		n, err := e.statusSub.Poll()
		if err != nil {
			e.cfg.ErrorHandler(err)
		}
		strategy.Idle(n)
	}
}

// gossipLoop publishes log progress to peers: commit position as leader,
// append position toward the appointed leader as follower. Losses are
// tolerated; status gossip carries no delivery guarantee.
func (e *Engine) gossipLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			term := int64(e.Term())
			pos := int64(e.r.AppliedIndex())
			if e.IsLeader() {
				msg := status.CommitPosition{LeadershipTermID: term, LogPosition: pos, LeaderMemberID: e.cfg.MemberID}
				for i, pub := range e.statusPubs {
					if pub == nil {
						continue
					}
					if err := e.publisher.CommitPosition(pub, msg); err != nil {
						logutil.Debugf(e.log, "commit position to member %d dropped: %v", e.top.Members[i].ID, err)
					}
				}
			} else if e.top.LeaderIndex != topology.NullIndex && e.top.LeaderIndex != e.top.SelfIndex {
				pub := e.statusPubs[e.top.LeaderIndex]
				if pub == nil {
					continue
				}
				msg := status.AppendPosition{LeadershipTermID: term, LogPosition: pos, FollowerMemberID: e.cfg.MemberID}
				if err := e.publisher.AppendPosition(pub, msg); err != nil {
					logutil.Debugf(e.log, "append position dropped: %v", err)
				}
			}
		}
	}
}

func (e *Engine) publishNewLeadershipTerm() {
	msg := status.NewLeadershipTerm{
		LogPosition:      int64(e.r.AppliedIndex()),
		LeadershipTermID: int64(e.Term()),
		LeaderMemberID:   e.cfg.MemberID,
	}
	for i, pub := range e.statusPubs {
		if pub == nil {
			continue
		}
		if err := e.publisher.NewLeadershipTerm(pub, msg); err != nil {
			logutil.Debugf(e.log, "leadership term to member %d dropped: %v", e.top.Members[i].ID, err)
		}
	}
}

// IsLeader reports whether this member currently leads.
func (e *Engine) IsLeader() bool {
	if e.r == nil {
		return false
	}
	return e.r.State() == raft.Leader
}

// Term returns the current raft term as observed by this node.
func (e *Engine) Term() uint64 {
	if e.r == nil {
		return 0
	}
	if v := e.r.Stats()["current_term"]; v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			return u
		}
	}
	return 0
}

// StatusTally returns how many status messages of each type this engine has
// received from peers.
func (e *Engine) StatusTally() map[string]int {
	e.tallyMu.Lock()
	defer e.tallyMu.Unlock()
	out := make(map[string]int, len(e.tally))
	for k, v := range e.tally {
		out[k] = v
	}
	return out
}

// Close shuts the engine down: gossip, raft, stores, channels, in that
// order, then runs the termination hook. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.stop)
		var errs []error
		if e.r != nil {
			if err := e.r.Shutdown().Error(); err != nil {
				errs = append(errs, err)
			}
		}
		e.wg.Wait()
		if e.trans != nil {
			if err := e.trans.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if e.store != nil {
			if err := e.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		e.releaseChannels()
		if e.cfg.TerminationHook != nil {
			e.cfg.TerminationHook()
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

// DeleteDirectory removes the engine directory; missing directories are a
// no-op.
func (e *Engine) DeleteDirectory() error {
	if e == nil || e.cfg.Dir == "" {
		return nil
	}
	return os.RemoveAll(e.cfg.Dir)
}

func nowMs() int64 { return time.Now().UnixMilli() }

// tallyListener counts inbound gossip by type. The engine does not act on
// harness-injected votes; elections stay inside raft.
type tallyListener struct {
	e *Engine
}

func (l *tallyListener) bump(t string) {
	l.e.tallyMu.Lock()
	l.e.tally[t]++
	l.e.tallyMu.Unlock()
}

func (l *tallyListener) OnCanvassPosition(status.CanvassPosition)     { l.bump(status.TypeCanvassPosition) }
func (l *tallyListener) OnRequestVote(status.RequestVote)             { l.bump(status.TypeRequestVote) }
func (l *tallyListener) OnVote(status.Vote)                           { l.bump(status.TypeVote) }
func (l *tallyListener) OnNewLeadershipTerm(status.NewLeadershipTerm) { l.bump(status.TypeNewLeadershipTerm) }
func (l *tallyListener) OnAppendPosition(status.AppendPosition)       { l.bump(status.TypeAppendPosition) }
func (l *tallyListener) OnCommitPosition(status.CommitPosition)       { l.bump(status.TypeCommitPosition) }

var _ consensus.Engine = (*Engine)(nil)
var _ status.Listener = (*tallyListener)(nil)
