// Package status carries the member-status gossip surface: the messages
// cluster members exchange about liveness, voting and log progress, plus the
// adapter/publisher pair used to read and write them over a substrate channel.
package status

// Message type tags used on the wire envelope.
const (
	TypeCanvassPosition   = "canvassPosition"
	TypeRequestVote       = "requestVote"
	TypeVote              = "vote"
	TypeNewLeadershipTerm = "newLeadershipTerm"
	TypeAppendPosition    = "appendPosition"
	TypeCommitPosition    = "commitPosition"
)

// CanvassPosition announces a follower's log position while canvassing
// support before an election.
type CanvassPosition struct {
	LogPosition      int64 `json:"logPosition"`
	LeadershipTermID int64 `json:"leadershipTermId"`
	FollowerMemberID int32 `json:"followerMemberId"`
}

// RequestVote asks a member to vote for a candidate term.
type RequestVote struct {
	LogPosition       int64 `json:"logPosition"`
	CandidateTermID   int64 `json:"candidateTermId"`
	CandidateMemberID int32 `json:"candidateMemberId"`
}

// Vote answers a RequestVote.
type Vote struct {
	CandidateTermID   int64 `json:"candidateTermId"`
	CandidateMemberID int32 `json:"candidateMemberId"`
	FollowerMemberID  int32 `json:"followerMemberId"`
	Vote              bool  `json:"vote"`
}

// NewLeadershipTerm announces the leader of a new term.
type NewLeadershipTerm struct {
	LogPosition      int64 `json:"logPosition"`
	LeadershipTermID int64 `json:"leadershipTermId"`
	LeaderMemberID   int32 `json:"leaderMemberId"`
	LogSessionID     int32 `json:"logSessionId"`
}

// AppendPosition reports a follower's appended log position.
type AppendPosition struct {
	LeadershipTermID int64 `json:"leadershipTermId"`
	LogPosition      int64 `json:"logPosition"`
	FollowerMemberID int32 `json:"followerMemberId"`
}

// CommitPosition reports the leader's committed log position.
type CommitPosition struct {
	LeadershipTermID int64 `json:"leadershipTermId"`
	LogPosition      int64 `json:"logPosition"`
	LeaderMemberID   int32 `json:"leaderMemberId"`
}

// Listener receives decoded status messages from one peer channel.
type Listener interface {
	OnCanvassPosition(msg CanvassPosition)
	OnRequestVote(msg RequestVote)
	OnVote(msg Vote)
	OnNewLeadershipTerm(msg NewLeadershipTerm)
	OnAppendPosition(msg AppendPosition)
	OnCommitPosition(msg CommitPosition)
}

// NopListener ignores every message. Embed it to implement only part of the
// Listener surface.
type NopListener struct{}

func (NopListener) OnCanvassPosition(CanvassPosition)     {}
func (NopListener) OnRequestVote(RequestVote)             {}
func (NopListener) OnVote(Vote)                           {}
func (NopListener) OnNewLeadershipTerm(NewLeadershipTerm) {}
func (NopListener) OnAppendPosition(AppendPosition)       {}
func (NopListener) OnCommitPosition(CommitPosition)       {}

var _ Listener = NopListener{}
