// Package node bundles the three engines a cluster member runs in one
// process: the substrate driver, the recording archive and the consensus
// engine. The bundle launches them in dependency order and tears them down in
// reverse.
package node

import (
	"errors"
	"fmt"
	"log"

	"github.com/clusterlab/harness/pkg/archive"
	"github.com/clusterlab/harness/pkg/consensus"
	rafteng "github.com/clusterlab/harness/pkg/consensus/raft"
	"github.com/clusterlab/harness/pkg/internal/logutil"
	obsmetrics "github.com/clusterlab/harness/pkg/observability/metrics"
	"github.com/clusterlab/harness/pkg/transport/nng"
)

// Context aggregates the per-engine launch contexts.
type Context struct {
	Driver    nng.DriverContext
	Archive   archive.Context
	Consensus consensus.Config
	Logger    *log.Logger
}

// Node is a launched bundle.
type Node struct {
	driver  *nng.Driver
	conn    *nng.Conn
	archive *archive.Archive
	engine  *rafteng.Engine
	log     *log.Logger
	closed  bool
}

// Launch starts driver, archive and consensus engine in that order. On any
// failure the already-launched engines are closed before returning.
func Launch(ctx Context) (*Node, error) {
	if ctx.Logger == nil {
		ctx.Logger = log.Default()
	}
	if ctx.Archive.Logger == nil {
		ctx.Archive.Logger = ctx.Logger
	}
	if ctx.Consensus.Logger == nil {
		ctx.Consensus.Logger = ctx.Logger
	}
	if ctx.Driver.Logger == nil {
		ctx.Driver.Logger = ctx.Logger
	}

	n := &Node{log: ctx.Logger}
	driver, err := nng.LaunchDriver(ctx.Driver)
	if err != nil {
		return nil, fmt.Errorf("node: launch driver: %w", err)
	}
	n.driver = driver

	conn, err := driver.Connect()
	if err != nil {
		_ = driver.Close()
		return nil, fmt.Errorf("node: connect substrate: %w", err)
	}
	n.conn = conn

	ctx.Archive.Conn = conn
	arch, err := archive.Launch(ctx.Archive)
	if err != nil {
		n.abort()
		return nil, fmt.Errorf("node: launch archive: %w", err)
	}
	n.archive = arch

	engine, err := rafteng.Launch(ctx.Consensus, conn, arch)
	if err != nil {
		n.abort()
		return nil, fmt.Errorf("node: launch consensus engine: %w", err)
	}
	n.engine = engine

	obsmetrics.NodeLaunches.Inc()
	logutil.Infof(ctx.Logger, "node launched: member=%d dir=%s", ctx.Consensus.MemberID, ctx.Driver.Dir)
	return n, nil
}

// Engine exposes the consensus engine for drive APIs and status checks.
func (n *Node) Engine() *rafteng.Engine { return n.engine }

// Archive exposes the recording archive.
func (n *Node) Archive() *archive.Archive { return n.archive }

// Conn exposes the shared substrate connection the engines run over.
func (n *Node) Conn() *nng.Conn { return n.conn }

// Driver exposes the substrate driver.
func (n *Node) Driver() *nng.Driver { return n.driver }

func (n *Node) abort() {
	if n.archive != nil {
		_ = n.archive.Close()
	}
	if n.conn != nil {
		_ = n.conn.Close()
	}
	if n.driver != nil {
		_ = n.driver.Close()
	}
}

// Close tears the bundle down in reverse launch order. Safe to call more
// than once; every close is attempted and the errors joined.
func (n *Node) Close() error {
	if n.closed {
		return nil
	}
	n.closed = true
	var errs []error
	if n.engine != nil {
		if err := n.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("node: close engine: %w", err))
		}
	}
	if n.archive != nil {
		if err := n.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("node: close archive: %w", err))
		}
	}
	if n.conn != nil {
		if err := n.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("node: close substrate: %w", err))
		}
	}
	if n.driver != nil {
		if err := n.driver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("node: close driver: %w", err))
		}
	}
	obsmetrics.NodeCloses.Inc()
	return errors.Join(errs...)
}

// DeleteDirectories removes every engine directory. Call after Close.
func (n *Node) DeleteDirectories() error {
	var errs []error
	if n.engine != nil {
		if err := n.engine.DeleteDirectory(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.archive != nil {
		if err := n.archive.DeleteDirectory(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.driver != nil {
		if err := n.driver.DeleteDirectory(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
