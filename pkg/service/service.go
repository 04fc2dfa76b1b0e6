// Package service defines the replicated-service callback surface and the
// container that hosts a service, dispatching the lifecycle events emitted by
// the consensus engine.
package service

import (
	"github.com/clusterlab/harness/pkg/transport"
)

// Role is the consensus role of this member as seen by the service.
type Role int32

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// CloseReason explains why a client session ended.
type CloseReason string

const (
	CloseReasonClientAction  CloseReason = "clientAction"
	CloseReasonServiceAction CloseReason = "serviceAction"
	CloseReasonTimeout       CloseReason = "timeout"
)

// ClientSession identifies one client session within the cluster.
type ClientSession struct {
	ID               int64  `json:"id"`
	ResponseChannel  string `json:"responseChannel,omitempty"`
	ResponseStreamID int32  `json:"responseStreamId,omitempty"`
}

// Cluster is the view of the hosting cluster a service receives on start.
type Cluster interface {
	MemberID() int32
	Role() Role
}

// Service is the full callback surface a replicated service implements.
// Callbacks are delivered one at a time, in the order the engine emitted them.
type Service interface {
	OnStart(cluster Cluster)
	OnSessionOpen(session ClientSession, timestamp int64)
	OnSessionClose(session ClientSession, timestamp int64, reason CloseReason)
	OnSessionMessage(sessionID, correlationID, timestamp int64, payload []byte)
	OnTimerEvent(correlationID, timestamp int64)
	OnTakeSnapshot(snapshot transport.Publication)
	OnLoadSnapshot(snapshot transport.Subscription)
	OnReplayBegin()
	OnReplayEnd()
	OnRoleChange(role Role)
	OnReady()
}
