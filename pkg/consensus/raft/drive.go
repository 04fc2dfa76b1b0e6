package rafteng

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clusterlab/harness/pkg/service"
)

const applyTimeout = 5 * time.Second

// ErrNoArchive reports a snapshot operation on an engine launched without an
// archive.
var ErrNoArchive = errors.New("consensus: no archive attached")

func (e *Engine) apply(cmd command) error {
	if cmd.Timestamp == 0 {
		cmd.Timestamp = nowMs()
	}
	blob, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return e.r.Apply(blob, applyTimeout).Error()
}

// OpenSession commits a client session open. Leader only.
func (e *Engine) OpenSession(session service.ClientSession) error {
	return e.apply(command{Op: opSessionOpen, Session: session})
}

// CloseSession commits a client session close. Leader only.
func (e *Engine) CloseSession(sessionID int64, reason service.CloseReason) error {
	return e.apply(command{
		Op:          opSessionClose,
		Session:     service.ClientSession{ID: sessionID},
		CloseReason: reason,
	})
}

// OfferIngress commits one client message onto the replicated log. Leader
// only.
func (e *Engine) OfferIngress(sessionID, correlationID int64, payload []byte) error {
	return e.apply(command{
		Op:            opSessionMessage,
		Session:       service.ClientSession{ID: sessionID},
		CorrelationID: correlationID,
		Payload:       payload,
	})
}

// ScheduleTimer commits a timer firing identified by correlationID. Leader
// only.
func (e *Engine) ScheduleTimer(correlationID int64) error {
	return e.apply(command{Op: opTimer, CorrelationID: correlationID})
}

// TakeSnapshot starts an archive recording on a fresh snapshot stream and
// asks the service to write its state there. The recording id is persisted
// so a relaunch restores from it. Returns the recording id.
func (e *Engine) TakeSnapshot() (int64, error) {
	if e.arch == nil {
		return 0, ErrNoArchive
	}
	if e.cfg.SnapshotChannel == "" {
		return 0, errors.New("consensus: no snapshot channel configured")
	}
	e.snapMu.Lock()
	e.snapSeq++
	seq := e.snapSeq
	e.snapMu.Unlock()

	channel := e.snapBase.WithEndpoint(fmt.Sprintf("%s-snap-%d", e.snapBase.Endpoint, seq))
	recID, err := e.arch.StartRecording(channel, e.cfg.SnapshotStreamID)
	if err != nil {
		return 0, err
	}
	if err := e.store.SetUint64([]byte(keySnapshotRecording), uint64(recID)); err != nil {
		return 0, fmt.Errorf("consensus: persist snapshot recording: %w", err)
	}
	e.emit(service.Event{
		Kind:             service.EventTakeSnapshot,
		SnapshotChannel:  channel.String(),
		SnapshotStreamID: e.cfg.SnapshotStreamID,
		RecordingID:      recID,
		Timestamp:        nowMs(),
	})
	return recID, nil
}

// storedSnapshotRecording reads the recording id persisted by the last
// TakeSnapshot, if any.
func (e *Engine) storedSnapshotRecording() (int64, bool) {
	if e.arch == nil || e.store == nil || e.cfg.SnapshotChannel == "" {
		return 0, false
	}
	recID, err := e.store.GetUint64([]byte(keySnapshotRecording))
	if err != nil || recID == 0 {
		return 0, false
	}
	if _, err := e.arch.Segments(int64(recID)); err != nil {
		return 0, false
	}
	return int64(recID), true
}

// emitLoadSnapshot tells the container to restore from recID and replays the
// recording onto a dedicated load stream once the container is listening.
func (e *Engine) emitLoadSnapshot(recID int64) {
	channel := e.snapBase.WithEndpoint(fmt.Sprintf("%s-load-%d", e.snapBase.Endpoint, recID))
	e.emit(service.Event{
		Kind:             service.EventLoadSnapshot,
		SnapshotChannel:  channel.String(),
		SnapshotStreamID: e.cfg.SnapshotStreamID,
		RecordingID:      recID,
		Timestamp:        nowMs(),
	})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.arch.Replay(recID, channel, e.cfg.SnapshotStreamID); err != nil {
			e.cfg.ErrorHandler(err)
		}
	}()
}
