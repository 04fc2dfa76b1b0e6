// Package cli provides the harnessctl commands: run a harness node, query
// node status and ask a node to shut down.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterlab/harness/pkg/bootstrap"
	"github.com/clusterlab/harness/pkg/internal/logutil"
	"github.com/clusterlab/harness/pkg/mgmt"
	"github.com/clusterlab/harness/pkg/service"
)

// AddAll attaches the harness subcommands to the provided root command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewShutdownCmd())
}

// NewRunCmd returns the "run" command used to start a harness node hosting a
// logging no-op service.
func NewRunCmd() *cobra.Command {
	var (
		members                   string
		memberID, appointedLeader int32
		mgmtAddr, baseDir         string
		cleanStart, keepDirs      bool
		traceEnable               bool
		jsonLogs, debugLogs       bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a harness node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if members == "" {
				return fmt.Errorf("missing --members")
			}
			logutil.SetJSON(jsonLogs)
			logutil.SetDebug(debugLogs)
			ctx, cancel := signalContext()
			defer cancel()

			cfg := bootstrap.Config{
				Members:           members,
				MemberID:          memberID,
				AppointedLeaderID: appointedLeader,
				MgmtAddr:          mgmtAddr,
				BaseDir:           baseDir,
				DeleteDirsOnStart: cleanStart,
				RetainDirsOnClose: keepDirs,
				Service:           &loggingService{log: log.Default()},
				EnableTracing:     traceEnable,
				Logger:            log.Default(),
			}
			fmt.Println("harness node running. Press Ctrl+C to exit.")
			return bootstrap.Run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&members, "members", "", "member list \"id,client,member,log,archive|...\" (required)")
	cmd.Flags().Int32Var(&memberID, "member-id", 0, "member id of this node")
	cmd.Flags().Int32Var(&appointedLeader, "leader-id", 0, "appointed leader member id")
	cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", ":17950", "management gRPC address (empty disables)")
	cmd.Flags().StringVar(&baseDir, "dir", "", "base directory for node state (default under temp)")
	cmd.Flags().BoolVar(&cleanStart, "clean-start", true, "delete node directories before launch")
	cmd.Flags().BoolVar(&keepDirs, "keep-dirs", false, "keep node directories after close")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	cmd.Flags().BoolVar(&jsonLogs, "log-json", false, "emit JSON log lines")
	cmd.Flags().BoolVar(&debugLogs, "log-debug", false, "emit debug log lines")
	return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch node status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			client := mgmt.NewClient(timeout)
			s, err := client.GetStatus(ctx, addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(s)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17950", "management address of a node (host:port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

// NewShutdownCmd returns the "shutdown" command.
func NewShutdownCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Ask a node to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			client := mgmt.NewClient(timeout)
			if err := client.Shutdown(ctx, addr); err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			fmt.Println("shutdown requested")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17950", "management address of a node (host:port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

// loggingService logs every callback, useful when running a node standalone.
type loggingService struct {
	service.Base
	log *log.Logger
}

func (s *loggingService) OnStart(cluster service.Cluster) {
	logutil.Infof(s.log, "service started: member=%d role=%s", cluster.MemberID(), cluster.Role())
}

func (s *loggingService) OnReady() {
	logutil.Infof(s.log, "service ready")
}

func (s *loggingService) OnRoleChange(role service.Role) {
	logutil.Infof(s.log, "role changed: %s", role)
}

func (s *loggingService) OnSessionMessage(sessionID, correlationID, timestamp int64, payload []byte) {
	logutil.Infof(s.log, "session message: session=%d correlation=%d bytes=%d", sessionID, correlationID, len(payload))
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
