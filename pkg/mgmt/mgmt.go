// Package mgmt exposes a small management RPC surface over gRPC with a JSON
// codec: node status for operators and tooling, plus a remote shutdown used
// to end long-running harness processes.
package mgmt

import "context"

// Status is the management view of a running harness node.
type Status struct {
	MemberID          int32          `json:"memberId"`
	AppointedLeaderID int32          `json:"appointedLeaderId"`
	IsLeader          bool           `json:"isLeader"`
	Term              uint64         `json:"term"`
	ServiceStarted    bool           `json:"serviceStarted"`
	Terminated        bool           `json:"terminated"`
	StatusTally       map[string]int `json:"statusTally,omitempty"`
}

// StatusFunc produces the current node status.
type StatusFunc func(ctx context.Context) (Status, error)

// ShutdownFunc asks the node to stop. It returns once shutdown has begun.
type ShutdownFunc func(ctx context.Context) error
