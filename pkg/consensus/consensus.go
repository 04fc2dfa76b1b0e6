// Package consensus defines the interface boundary to the consensus engine
// collaborator. The engine owns leader election, log replication and
// snapshot coordination; the harness only launches it, installs hooks and
// closes it.
package consensus

import (
	"errors"
	"log"
	"time"
)

// Config carries everything the harness installs into the engine.
type Config struct {
	// Members is the ordered cluster member specification
	// "id,client,member,log,archive|...".
	Members string
	// MemberID is the id this node binds within Members.
	MemberID int32
	// AppointedLeaderID designates the initial leader.
	AppointedLeaderID int32

	// StatusChannel is the member-status group channel carrying this
	// member's endpoint; peers are reached by substituting their endpoint.
	StatusChannel  string
	StatusStreamID int32

	// ServiceChannel carries lifecycle events to the service container.
	ServiceChannel  string
	ServiceStreamID int32

	// SnapshotChannel is the base channel for snapshot recordings; a
	// recording id is appended to keep streams distinct.
	SnapshotChannel  string
	SnapshotStreamID int32

	Dir              string
	DeleteDirOnStart bool

	// TerminationHook runs exactly once when the engine stops.
	TerminationHook func()
	// ErrorHandler records engine runtime errors; it must not panic.
	// Runtime errors after a successful launch are recorded, not retried.
	ErrorHandler func(error)
	Logger       *log.Logger

	// Raft tuning. Zero selects the library defaults.
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	CommitTimeout    time.Duration
}

// Validate checks the fields every engine implementation needs.
func (c Config) Validate() error {
	if c.Members == "" {
		return errors.New("consensus: empty Members")
	}
	if c.StatusChannel == "" {
		return errors.New("consensus: empty StatusChannel")
	}
	if c.ServiceChannel == "" {
		return errors.New("consensus: empty ServiceChannel")
	}
	if c.Dir == "" {
		return errors.New("consensus: empty Dir")
	}
	return nil
}

// Engine is the running consensus engine as the harness sees it.
type Engine interface {
	IsLeader() bool
	Term() uint64
	Close() error
}
