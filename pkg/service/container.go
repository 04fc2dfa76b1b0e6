package service

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/clusterlab/harness/pkg/idle"
	"github.com/clusterlab/harness/pkg/internal/logutil"
	"github.com/clusterlab/harness/pkg/transport"
)

// Context configures a service container.
type Context struct {
	// Service receives the lifecycle callbacks. Required.
	Service Service
	// Conn is the substrate connection the container reads events from and
	// opens snapshot channels on. Required. The container does not own it.
	Conn transport.Conn
	// ServiceChannel is where the engine publishes service events. The
	// container dials it, so the engine can queue events from before the
	// container existed.
	ServiceChannel  transport.ChannelURI
	ServiceStreamID int32
	MemberID        int32

	// IdleStrategy paces the dispatch loop. Nil selects a 1ms sleeping
	// strategy.
	IdleStrategy idle.Strategy
	// ErrorHandler records dispatch failures. Nil logs through Logger.
	ErrorHandler func(error)
	// TerminationHook runs when the dispatch loop exits.
	TerminationHook func()

	Dir              string
	DeleteDirOnStart bool
	Logger           *log.Logger
}

// Container hosts a replicated service, decoding engine events and invoking
// the callback surface one event at a time, in emission order.
type Container struct {
	ctx  Context
	sub  transport.Subscription
	role atomic.Int32

	closing atomic.Bool
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// Launch starts a container bound to ctx.Service and begins dispatching.
func Launch(ctx Context) (*Container, error) {
	if ctx.Service == nil {
		return nil, errors.New("service: nil Service")
	}
	if ctx.Conn == nil {
		return nil, errors.New("service: nil Conn")
	}
	if ctx.Logger == nil {
		ctx.Logger = log.Default()
	}
	if ctx.IdleStrategy == nil {
		ctx.IdleStrategy = idle.NewSleeping(0)
	}
	if ctx.ErrorHandler == nil {
		logger := ctx.Logger
		ctx.ErrorHandler = func(err error) { logutil.Errorf(logger, "service container: %v", err) }
	}
	if ctx.Dir != "" {
		if ctx.DeleteDirOnStart {
			if err := os.RemoveAll(ctx.Dir); err != nil {
				return nil, fmt.Errorf("service: clean container dir: %w", err)
			}
		}
		if err := os.MkdirAll(ctx.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("service: create container dir: %w", err)
		}
	}

	channel := ctx.ServiceChannel.WithParam(transport.ModeParam, transport.ModeDial)
	sub, err := ctx.Conn.AddSubscription(channel, ctx.ServiceStreamID)
	if err != nil {
		return nil, fmt.Errorf("service: bind service channel: %w", err)
	}

	c := &Container{ctx: ctx, sub: sub, done: make(chan struct{})}
	go c.dispatchLoop()
	return c, nil
}

// MemberID implements the Cluster view handed to OnStart.
func (c *Container) MemberID() int32 { return c.ctx.MemberID }

// Role implements the Cluster view; it tracks the latest roleChange event.
func (c *Container) Role() Role { return Role(c.role.Load()) }

func (c *Container) dispatchLoop() {
	defer close(c.done)
	strategy := c.ctx.IdleStrategy
	strategy.Reset()
	for !c.closing.Load() {
		n, err := c.sub.Poll(c.dispatch, 10)
		if err != nil {
			c.ctx.ErrorHandler(err)
		}
		strategy.Idle(n)
	}
	if c.ctx.TerminationHook != nil {
		c.ctx.TerminationHook()
	}
}

func (c *Container) dispatch(payload []byte) {
	event, err := DecodeEvent(payload)
	if err != nil {
		c.ctx.ErrorHandler(fmt.Errorf("service: bad event: %w", err))
		return
	}
	svc := c.ctx.Service
	switch event.Kind {
	case EventStart:
		svc.OnStart(c)
	case EventReady:
		svc.OnReady()
	case EventSessionOpen:
		svc.OnSessionOpen(event.Session, event.Timestamp)
	case EventSessionClose:
		svc.OnSessionClose(event.Session, event.Timestamp, event.CloseReason)
	case EventSessionMessage:
		svc.OnSessionMessage(event.Session.ID, event.CorrelationID, event.Timestamp, event.Payload)
	case EventTimer:
		svc.OnTimerEvent(event.CorrelationID, event.Timestamp)
	case EventRoleChange:
		c.role.Store(int32(event.Role))
		svc.OnRoleChange(event.Role)
	case EventReplayBegin:
		svc.OnReplayBegin()
	case EventReplayEnd:
		svc.OnReplayEnd()
	case EventTakeSnapshot:
		c.takeSnapshot(event)
	case EventLoadSnapshot:
		c.loadSnapshot(event)
	default:
		c.ctx.ErrorHandler(fmt.Errorf("service: unknown event kind %q", event.Kind))
	}
}

func (c *Container) takeSnapshot(event Event) {
	channel, err := transport.ParseChannelURI(event.SnapshotChannel)
	if err != nil {
		c.ctx.ErrorHandler(err)
		return
	}
	pub, err := c.ctx.Conn.AddExclusivePublication(channel, event.SnapshotStreamID)
	if err != nil {
		c.ctx.ErrorHandler(fmt.Errorf("service: snapshot publication: %w", err))
		return
	}
	defer pub.Close()
	c.ctx.Service.OnTakeSnapshot(pub)
}

func (c *Container) loadSnapshot(event Event) {
	channel, err := transport.ParseChannelURI(event.SnapshotChannel)
	if err != nil {
		c.ctx.ErrorHandler(err)
		return
	}
	sub, err := c.ctx.Conn.AddSubscription(channel, event.SnapshotStreamID)
	if err != nil {
		c.ctx.ErrorHandler(fmt.Errorf("service: snapshot subscription: %w", err))
		return
	}
	defer sub.Close()
	c.ctx.Service.OnLoadSnapshot(sub)
}

// Close stops the dispatch loop and releases the service channel. It is safe
// to call more than once.
func (c *Container) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closing.Store(true)
	err := c.sub.Close()
	<-c.done
	return err
}

// DeleteDirectory removes the container directory; a missing directory is a
// no-op.
func (c *Container) DeleteDirectory() error {
	if c == nil || c.ctx.Dir == "" {
		return nil
	}
	return os.RemoveAll(c.ctx.Dir)
}

var _ Cluster = (*Container)(nil)
