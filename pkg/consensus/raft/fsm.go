package rafteng

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/clusterlab/harness/pkg/service"
)

// Log command operations. Timestamps are fixed at propose time so a replayed
// log reproduces the original event stream.
const (
	opSessionOpen    = "sessionOpen"
	opSessionClose   = "sessionClose"
	opSessionMessage = "sessionMessage"
	opTimer          = "timer"
)

type command struct {
	Op            string                `json:"op"`
	Session       service.ClientSession `json:"session,omitempty"`
	CorrelationID int64                 `json:"correlationId,omitempty"`
	CloseReason   service.CloseReason   `json:"closeReason,omitempty"`
	Payload       []byte                `json:"payload,omitempty"`
	Timestamp     int64                 `json:"timestamp,omitempty"`
}

// fsm applies committed log commands: it keeps the open-session table and
// forwards each command to the service container as a lifecycle event.
type fsm struct {
	e *Engine

	mu       sync.Mutex
	sessions map[int64]service.ClientSession
}

func (f *fsm) Apply(entry *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("consensus: bad log command: %w", err)
	}
	switch cmd.Op {
	case opSessionOpen:
		f.mu.Lock()
		if f.sessions == nil {
			f.sessions = make(map[int64]service.ClientSession)
		}
		f.sessions[cmd.Session.ID] = cmd.Session
		f.mu.Unlock()
		f.e.emit(service.Event{
			Kind:      service.EventSessionOpen,
			Session:   cmd.Session,
			Timestamp: cmd.Timestamp,
		})
	case opSessionClose:
		f.mu.Lock()
		session, ok := f.sessions[cmd.Session.ID]
		if !ok {
			session = cmd.Session
		}
		delete(f.sessions, cmd.Session.ID)
		f.mu.Unlock()
		f.e.emit(service.Event{
			Kind:        service.EventSessionClose,
			Session:     session,
			CloseReason: cmd.CloseReason,
			Timestamp:   cmd.Timestamp,
		})
	case opSessionMessage:
		f.e.emit(service.Event{
			Kind:          service.EventSessionMessage,
			Session:       service.ClientSession{ID: cmd.Session.ID},
			CorrelationID: cmd.CorrelationID,
			Payload:       cmd.Payload,
			Timestamp:     cmd.Timestamp,
		})
	case opTimer:
		f.e.emit(service.Event{
			Kind:          service.EventTimer,
			CorrelationID: cmd.CorrelationID,
			Timestamp:     cmd.Timestamp,
		})
	default:
		return fmt.Errorf("consensus: unknown log op %q", cmd.Op)
	}
	return nil
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions := make(map[int64]service.ClientSession, len(f.sessions))
	for id, s := range f.sessions {
		sessions[id] = s
	}
	return &fsmSnapshot{sessions: sessions}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	sessions := make(map[int64]service.ClientSession)
	if err := json.NewDecoder(rc).Decode(&sessions); err != nil {
		return fmt.Errorf("consensus: restore sessions: %w", err)
	}
	f.mu.Lock()
	f.sessions = sessions
	f.mu.Unlock()
	return nil
}

type fsmSnapshot struct {
	sessions map[int64]service.ClientSession
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.sessions); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

var _ raft.FSM = (*fsm)(nil)
