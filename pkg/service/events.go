package service

import "encoding/json"

// Event kinds carried on the engine-to-container service channel.
const (
	EventStart          = "start"
	EventReady          = "ready"
	EventSessionOpen    = "sessionOpen"
	EventSessionClose   = "sessionClose"
	EventSessionMessage = "sessionMessage"
	EventTimer          = "timer"
	EventRoleChange     = "roleChange"
	EventReplayBegin    = "replayBegin"
	EventReplayEnd      = "replayEnd"
	EventTakeSnapshot   = "takeSnapshot"
	EventLoadSnapshot   = "loadSnapshot"
)

// Event is one lifecycle notification from the consensus engine to the
// container. Only the fields relevant to a kind are populated.
type Event struct {
	Kind          string        `json:"k"`
	Timestamp     int64         `json:"ts,omitempty"`
	MemberID      int32         `json:"memberId,omitempty"`
	Session       ClientSession `json:"session,omitempty"`
	CorrelationID int64         `json:"correlationId,omitempty"`
	CloseReason   CloseReason   `json:"closeReason,omitempty"`
	Role          Role          `json:"role,omitempty"`
	Payload       []byte        `json:"payload,omitempty"`

	// Snapshot channel coordinates for takeSnapshot/loadSnapshot.
	SnapshotChannel  string `json:"snapshotChannel,omitempty"`
	SnapshotStreamID int32  `json:"snapshotStreamId,omitempty"`
	RecordingID      int64  `json:"recordingId,omitempty"`
}

// EncodeEvent serializes an event for the service channel.
func EncodeEvent(e Event) ([]byte, error) { return json.Marshal(e) }

// DecodeEvent parses an event from the service channel.
func DecodeEvent(payload []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(payload, &e)
	return e, err
}
