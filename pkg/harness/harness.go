// Package harness launches a complete cluster member inside the test
// process: substrate driver, archive, consensus engine, a container hosting
// the caller's service, and a status channel mesh impersonating every peer.
// The harness is single-threaded on its public surface; peer traffic moves
// only when the caller polls.
package harness

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clusterlab/harness/pkg/archive"
	"github.com/clusterlab/harness/pkg/consensus"
	rafteng "github.com/clusterlab/harness/pkg/consensus/raft"
	"github.com/clusterlab/harness/pkg/idle"
	"github.com/clusterlab/harness/pkg/internal/logutil"
	"github.com/clusterlab/harness/pkg/node"
	obsmetrics "github.com/clusterlab/harness/pkg/observability/metrics"
	"github.com/clusterlab/harness/pkg/service"
	"github.com/clusterlab/harness/pkg/status"
	"github.com/clusterlab/harness/pkg/statusmesh"
	"github.com/clusterlab/harness/pkg/topology"
	"github.com/clusterlab/harness/pkg/transport"
	"github.com/clusterlab/harness/pkg/transport/nng"
)

// Default channel templates. The status endpoint is replaced per member from
// the member list.
const (
	DefaultStatusChannel   = "inproc://member-status"
	DefaultStatusStreamID  = int32(1)
	DefaultServiceStreamID = int32(104)
	DefaultSnapshotStream  = int32(106)
)

// Context configures a harness launch.
type Context struct {
	// Service is the replicated service under test. Required.
	Service service.Service
	// Members is the cluster member specification
	// "id,client,member,log,archive|...". Required.
	Members string
	// MemberID selects which entry of Members this process plays.
	MemberID int32
	// AppointedLeaderID designates the member expected to lead. Only the
	// appointed leader's engine runs an election.
	AppointedLeaderID int32

	// StatusChannel is the channel template for member status gossip; its
	// endpoint is replaced by each member's member-facing endpoint.
	StatusChannel  string
	StatusStreamID int32

	// ServiceChannel carries engine lifecycle events to the container.
	// Defaults to a member-scoped inproc channel.
	ServiceChannel  string
	ServiceStreamID int32

	// SnapshotChannel is the base for snapshot recording streams.
	SnapshotChannel  string
	SnapshotStreamID int32

	// StatusListeners receive decoded gossip per member slot; the self slot
	// is ignored. Nil or short lists are padded with no-op listeners.
	StatusListeners []status.Listener

	// BaseDir roots the per-engine directories. Defaults under the system
	// temp directory, scoped by member id.
	BaseDir           string
	DeleteDirsOnStart bool
	// RetainDirsOnClose keeps the node directories after Close, for
	// relaunch-from-state scenarios. By default Close deletes every
	// directory it owns.
	RetainDirsOnClose bool

	// IdleStrategy builds the strategy pacing one await loop; every await
	// gets a fresh instance. Nil selects a bounded backoff strategy.
	IdleStrategy func() idle.Strategy
	ErrorHandler func(error)
	Logger       *log.Logger

	ArchiveThreadingMode archive.ThreadingMode
	DriverThreadingMode  nng.ThreadingMode

	// Raft tuning, passed through to the consensus engine. Zero selects the
	// library defaults.
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	CommitTimeout    time.Duration
}

func (c *Context) applyDefaults() error {
	if c.Service == nil {
		return errors.New("harness: nil Service")
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.ErrorHandler == nil {
		logger := c.Logger
		c.ErrorHandler = func(err error) { logutil.Errorf(logger, "harness: %v", err) }
	}
	if c.IdleStrategy == nil {
		c.IdleStrategy = func() idle.Strategy { return idle.NewBackoff(0, 0, 0) }
	}
	if c.StatusChannel == "" {
		c.StatusChannel = DefaultStatusChannel
	}
	if c.StatusStreamID == 0 {
		c.StatusStreamID = DefaultStatusStreamID
	}
	if c.ServiceChannel == "" {
		c.ServiceChannel = fmt.Sprintf("inproc://service-events-%d", c.MemberID)
	}
	if c.ServiceStreamID == 0 {
		c.ServiceStreamID = DefaultServiceStreamID
	}
	if c.SnapshotChannel == "" {
		c.SnapshotChannel = fmt.Sprintf("inproc://snapshots-%d", c.MemberID)
	}
	if c.SnapshotStreamID == 0 {
		c.SnapshotStreamID = DefaultSnapshotStream
	}
	if c.BaseDir == "" {
		c.BaseDir = filepath.Join(os.TempDir(), fmt.Sprintf("cluster-harness-%d", c.MemberID))
	}
	return nil
}

// Harness is a launched cluster member under test control.
type Harness struct {
	ctx   Context
	top   topology.Topology
	proxy *serviceProxy
	log   *log.Logger

	bundle    *node.Node
	conn      *nng.Conn
	container *service.Container
	mesh      *statusmesh.Mesh
	publisher status.Publisher

	terminated atomic.Bool

	closeMu      sync.Mutex
	closed       bool
	teardownMu   sync.Mutex
	teardownErrs []error
}

// Launch brings up the full member: node bundle first, then the container
// bound to the proxied service, then the peer status mesh. Any failure closes
// what already launched and reports it.
func Launch(ctx Context) (*Harness, error) {
	obsmetrics.Register()
	if err := ctx.applyDefaults(); err != nil {
		return nil, err
	}
	top, err := topology.Resolve(ctx.Members, ctx.MemberID, ctx.AppointedLeaderID)
	if err != nil {
		return nil, err
	}
	if !top.IsSelfPresent() {
		return nil, fmt.Errorf("%w: %d", ErrSelfNotInMembers, ctx.MemberID)
	}

	statusBase, err := transport.ParseChannelURI(ctx.StatusChannel)
	if err != nil {
		return nil, fmt.Errorf("harness: status channel: %w", err)
	}
	groupChannel := statusBase.WithEndpoint(top.Self().MemberFacingEndpoint)

	h := &Harness{
		ctx:   ctx,
		top:   top,
		proxy: newServiceProxy(ctx.Service),
		log:   ctx.Logger,
	}

	bundle, err := node.Launch(node.Context{
		Driver: nng.DriverContext{
			Dir:                   filepath.Join(ctx.BaseDir, "driver"),
			DirDeleteOnStart:      ctx.DeleteDirsOnStart,
			WarnIfDirectoryExists: !ctx.DeleteDirsOnStart,
			ThreadingMode:         ctx.DriverThreadingMode,
			Logger:                ctx.Logger,
		},
		Archive: archive.Context{
			Dir:           filepath.Join(ctx.BaseDir, "archive"),
			DeleteOnStart: ctx.DeleteDirsOnStart,
			ThreadingMode: ctx.ArchiveThreadingMode,
			ErrorHandler:  ctx.ErrorHandler,
			Logger:        ctx.Logger,
		},
		Consensus: consensus.Config{
			Members:           ctx.Members,
			MemberID:          ctx.MemberID,
			AppointedLeaderID: ctx.AppointedLeaderID,
			StatusChannel:     groupChannel.String(),
			StatusStreamID:    ctx.StatusStreamID,
			ServiceChannel:    ctx.ServiceChannel,
			ServiceStreamID:   ctx.ServiceStreamID,
			SnapshotChannel:   ctx.SnapshotChannel,
			SnapshotStreamID:  ctx.SnapshotStreamID,
			Dir:               filepath.Join(ctx.BaseDir, "consensus"),
			DeleteDirOnStart:  ctx.DeleteDirsOnStart,
			TerminationHook:   func() { h.terminated.Store(true) },
			ErrorHandler:      ctx.ErrorHandler,
			Logger:            ctx.Logger,
			HeartbeatTimeout:  ctx.HeartbeatTimeout,
			ElectionTimeout:   ctx.ElectionTimeout,
			CommitTimeout:     ctx.CommitTimeout,
		},
		Logger: ctx.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineLaunch, err)
	}
	h.bundle = bundle

	conn, err := bundle.Driver().Connect()
	if err != nil {
		_ = bundle.Close()
		return nil, fmt.Errorf("harness: connect substrate: %w", err)
	}
	h.conn = conn

	serviceChannel, err := transport.ParseChannelURI(ctx.ServiceChannel)
	if err != nil {
		h.abort()
		return nil, fmt.Errorf("harness: service channel: %w", err)
	}
	container, err := service.Launch(service.Context{
		Service:          h.proxy,
		Conn:             conn,
		ServiceChannel:   serviceChannel,
		ServiceStreamID:  ctx.ServiceStreamID,
		MemberID:         ctx.MemberID,
		ErrorHandler:     ctx.ErrorHandler,
		TerminationHook:  func() { h.terminated.Store(true) },
		Dir:              filepath.Join(ctx.BaseDir, "service"),
		DeleteDirOnStart: ctx.DeleteDirsOnStart,
		Logger:           ctx.Logger,
	})
	if err != nil {
		h.abort()
		return nil, fmt.Errorf("harness: launch container: %w", err)
	}
	h.container = container

	mesh, err := statusmesh.Establish(conn, top, groupChannel, ctx.StatusStreamID, h.paddedListeners())
	if err != nil {
		h.abort()
		return nil, err
	}
	h.mesh = mesh

	logutil.Infof(ctx.Logger, "harness launched: member=%d leader=%d members=%d",
		ctx.MemberID, ctx.AppointedLeaderID, len(top.Members))
	return h, nil
}

func (h *Harness) paddedListeners() []status.Listener {
	listeners := make([]status.Listener, len(h.top.Members))
	for i := range listeners {
		if i < len(h.ctx.StatusListeners) && h.ctx.StatusListeners[i] != nil {
			listeners[i] = h.ctx.StatusListeners[i]
		} else {
			listeners[i] = status.NopListener{}
		}
	}
	return listeners
}

func (h *Harness) abort() {
	if h.container != nil {
		_ = h.container.Close()
	}
	if h.conn != nil {
		_ = h.conn.Close()
	}
	if h.bundle != nil {
		_ = h.bundle.Close()
	}
}

// Topology returns the resolved member list view.
func (h *Harness) Topology() topology.Topology { return h.top }

// Engine exposes the consensus engine for drive APIs.
func (h *Harness) Engine() *rafteng.Engine { return h.bundle.Engine() }

// Archive exposes the recording archive.
func (h *Harness) Archive() *archive.Archive { return h.bundle.Archive() }

// AwaitServiceStart blocks until the wrapped service has received OnStart.
func (h *Harness) AwaitServiceStart() {
	h.await(&h.proxy.started)
}

// AwaitServiceReady blocks until the node has declared the service ready,
// which follows any snapshot load and log replay.
func (h *Harness) AwaitServiceReady() {
	h.await(&h.proxy.ready)
}

func (h *Harness) await(flag *atomic.Bool) {
	strategy := h.ctx.IdleStrategy()
	for !flag.Load() {
		strategy.Idle(0)
	}
}

// Poll runs one receive/dispatch cycle over every peer status adapter and
// returns the number of messages delivered to listeners.
func (h *Harness) Poll() int {
	n, err := h.mesh.Poll()
	if err != nil {
		h.ctx.ErrorHandler(err)
	}
	return n
}

// Publication returns the outbound status handle toward the member at index,
// or nil for the self slot.
func (h *Harness) Publication(index int) transport.Publication {
	return h.mesh.Publication(index)
}

// Publisher returns the stateless status message publisher used with the
// per-member publications.
func (h *Harness) Publisher() status.Publisher { return h.publisher }

// IsServiceStarted reports whether the wrapped service has received OnStart.
func (h *Harness) IsServiceStarted() bool { return h.proxy.started.Load() }

// IsTerminated reports whether a termination hook has fired.
func (h *Harness) IsTerminated() bool { return h.terminated.Load() }

// TeardownErrors returns the release failures recorded by Close.
func (h *Harness) TeardownErrors() []error {
	h.teardownMu.Lock()
	defer h.teardownMu.Unlock()
	out := make([]error, len(h.teardownErrs))
	copy(out, h.teardownErrs)
	return out
}

func (h *Harness) recordTeardown(resource string, err error) {
	logutil.Errorf(h.log, "teardown %s: %v", resource, err)
	obsmetrics.TeardownErrors.WithLabelValues(resource).Inc()
	h.teardownMu.Lock()
	h.teardownErrs = append(h.teardownErrs, fmt.Errorf("%s: %w", resource, err))
	h.teardownMu.Unlock()
}

// Close releases the substrate connection, the service container and the
// node bundle, in that order, then deletes the owned directories unless
// retention was requested. Every release is attempted; failures are recorded,
// not returned as a stop. Safe to call more than once.
func (h *Harness) Close() error {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	if h.conn != nil {
		if err := h.conn.Close(); err != nil {
			h.recordTeardown("conn", err)
		}
	}
	if h.mesh != nil {
		// Sockets are already gone with the connection; this releases the
		// adapter bookkeeping.
		if err := h.mesh.Close(); err != nil {
			h.recordTeardown("mesh", err)
		}
	}
	if h.container != nil {
		if err := h.container.Close(); err != nil {
			h.recordTeardown("container", err)
		}
	}
	if h.bundle != nil {
		if err := h.bundle.Close(); err != nil {
			h.recordTeardown("bundle", err)
		}
	}
	obsmetrics.ServiceReady.Set(0)

	if !h.ctx.RetainDirsOnClose {
		if err := h.DeleteDirectories(); err != nil {
			h.recordTeardown("dirs", err)
		}
	}
	return errors.Join(h.TeardownErrors()...)
}

// DeleteDirectories removes every directory under BaseDir. Call after Close.
func (h *Harness) DeleteDirectories() error {
	var errs []error
	if h.container != nil {
		if err := h.container.DeleteDirectory(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.bundle != nil {
		if err := h.bundle.DeleteDirectories(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.ctx.BaseDir != "" {
		if err := os.RemoveAll(h.ctx.BaseDir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
