// Package bootstrap assembles a full harness node from a flat configuration:
// the harness itself, the management RPC server and tracing. Applications and
// the CLI embed a node by filling Config and calling Run.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/clusterlab/harness/pkg/archive"
	"github.com/clusterlab/harness/pkg/harness"
	"github.com/clusterlab/harness/pkg/idle"
	"github.com/clusterlab/harness/pkg/internal/logutil"
	"github.com/clusterlab/harness/pkg/mgmt"
	obsmetrics "github.com/clusterlab/harness/pkg/observability/metrics"
	"github.com/clusterlab/harness/pkg/observability/tracing"
	"github.com/clusterlab/harness/pkg/service"
	"github.com/clusterlab/harness/pkg/transport/nng"
)

// Config defines the high-level inputs to assemble a harness node with
// sensible defaults.
type Config struct {
	// Members is the cluster member specification
	// "id,client,member,log,archive|...". Required.
	Members           string
	MemberID          int32
	AppointedLeaderID int32

	// MgmtAddr binds the management gRPC API. Empty disables it.
	MgmtAddr string

	// BaseDir roots the node directories. Empty selects a temp directory.
	BaseDir           string
	DeleteDirsOnStart bool
	RetainDirsOnClose bool

	// Service hosts the replicated logic. Nil installs a no-op service.
	Service service.Service

	EnableTracing bool
	Logger        *log.Logger

	ArchiveThreadingMode archive.ThreadingMode
	DriverThreadingMode  nng.ThreadingMode
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.Members == "" {
		return errors.New("bootstrap: empty Members")
	}
	return nil
}

// Runtime is an assembled, running node.
type Runtime struct {
	h      *harness.Harness
	srv    *mgmt.Server
	stopTr func(context.Context) error
	runCtx context.Context
	cancel context.CancelFunc
	log    *log.Logger
}

// Build launches the node without entering the poll loop. The caller owns the
// runtime and must Close it.
func Build(ctx context.Context, cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Service == nil {
		cfg.Service = service.Base{}
	}
	obsmetrics.Register()
	stopTr, err := tracing.Setup(cfg.EnableTracing)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: tracing: %w", err)
	}

	h, err := harness.Launch(harness.Context{
		Service:              cfg.Service,
		Members:              cfg.Members,
		MemberID:             cfg.MemberID,
		AppointedLeaderID:    cfg.AppointedLeaderID,
		BaseDir:              cfg.BaseDir,
		DeleteDirsOnStart:    cfg.DeleteDirsOnStart,
		RetainDirsOnClose:    cfg.RetainDirsOnClose,
		Logger:               cfg.Logger,
		ArchiveThreadingMode: cfg.ArchiveThreadingMode,
		DriverThreadingMode:  cfg.DriverThreadingMode,
	})
	if err != nil {
		_ = stopTr(context.Background())
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt := &Runtime{h: h, stopTr: stopTr, runCtx: runCtx, cancel: cancel, log: cfg.Logger}

	if cfg.MgmtAddr != "" {
		srv := mgmt.NewServer(cfg.MgmtAddr)
		statusFn := func(context.Context) (mgmt.Status, error) {
			engine := h.Engine()
			return mgmt.Status{
				MemberID:          cfg.MemberID,
				AppointedLeaderID: cfg.AppointedLeaderID,
				IsLeader:          engine.IsLeader(),
				Term:              engine.Term(),
				ServiceStarted:    h.IsServiceStarted(),
				Terminated:        h.IsTerminated(),
				StatusTally:       engine.StatusTally(),
			}, nil
		}
		shutdownFn := func(context.Context) error {
			cancel()
			return nil
		}
		if err := srv.Start(runCtx, statusFn, shutdownFn); err != nil {
			cancel()
			_ = h.Close()
			_ = stopTr(context.Background())
			return nil, fmt.Errorf("bootstrap: management server: %w", err)
		}
		rt.srv = srv
		logutil.Infof(cfg.Logger, "management API listening on %s", srv.Addr())
	}
	return rt, nil
}

// Harness exposes the underlying harness.
func (r *Runtime) Harness() *harness.Harness { return r.h }

// MgmtAddr returns the bound management address, or empty when disabled.
func (r *Runtime) MgmtAddr() string {
	if r.srv == nil {
		return ""
	}
	return r.srv.Addr()
}

// Wait polls the status mesh until the launch context is done, a remote
// shutdown arrives or the node terminates.
func (r *Runtime) Wait() {
	strategy := idle.NewSleeping(0)
	for {
		select {
		case <-r.runCtx.Done():
			return
		default:
		}
		if r.h.IsTerminated() {
			logutil.Infof(r.log, "node terminated")
			return
		}
		strategy.Idle(r.h.Poll())
	}
}

// Close stops the management server, the harness and tracing.
func (r *Runtime) Close() error {
	r.cancel()
	var errs []error
	if r.srv != nil {
		if err := r.srv.Stop(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.h.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.stopTr(context.Background()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Run assembles the node, waits until ctx is done or the node terminates,
// then tears everything down.
func Run(ctx context.Context, cfg Config) error {
	rt, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	rt.Wait()
	return rt.Close()
}
