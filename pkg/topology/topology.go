package topology

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidMembers reports a malformed member list specification.
	ErrInvalidMembers = errors.New("topology: invalid member specification")
	// ErrDuplicateMemberID reports a repeated member id in the specification.
	ErrDuplicateMemberID = errors.New("topology: duplicate member id")
)

// NullIndex marks an absent self or leader position.
const NullIndex = -1

// Member is one entry of the cluster member list. Only ID and
// MemberFacingEndpoint are read by the harness core; the remaining endpoints
// are parsed and carried for the engines.
type Member struct {
	ID                   int32
	ClientFacingEndpoint string
	MemberFacingEndpoint string
	LogEndpoint          string
	ArchiveEndpoint      string
}

// Topology is the derived view over an ordered member list: the position of
// this process and of the appointed leader, or NullIndex when absent.
// It is computed once and never recomputed.
type Topology struct {
	Members     []Member
	SelfIndex   int
	LeaderIndex int
}

// Parse decodes a member list of the form
// "id,client,member,log,archive|id,..." preserving order. Ids must be unique.
func Parse(spec string) ([]Member, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidMembers)
	}
	entries := strings.Split(spec, "|")
	members := make([]Member, 0, len(entries))
	seen := make(map[int32]struct{}, len(entries))
	for _, entry := range entries {
		fields := strings.Split(entry, ",")
		if len(fields) != 5 {
			return nil, fmt.Errorf("%w: entry %q has %d fields, want 5", ErrInvalidMembers, entry, len(fields))
		}
		id64, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %q has non-numeric id", ErrInvalidMembers, entry)
		}
		id := int32(id64)
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateMemberID, id)
		}
		seen[id] = struct{}{}
		m := Member{
			ID:                   id,
			ClientFacingEndpoint: strings.TrimSpace(fields[1]),
			MemberFacingEndpoint: strings.TrimSpace(fields[2]),
			LogEndpoint:          strings.TrimSpace(fields[3]),
			ArchiveEndpoint:      strings.TrimSpace(fields[4]),
		}
		if m.MemberFacingEndpoint == "" {
			return nil, fmt.Errorf("%w: entry %q missing member endpoint", ErrInvalidMembers, entry)
		}
		members = append(members, m)
	}
	return members, nil
}

// Resolve parses the member list and locates selfID and leaderID within it.
// Absence of either id is legal; the corresponding index is NullIndex and
// callers requiring a channel mesh or a leader lookup must check for it.
func Resolve(spec string, selfID, leaderID int32) (Topology, error) {
	members, err := Parse(spec)
	if err != nil {
		return Topology{}, err
	}
	t := Topology{Members: members, SelfIndex: NullIndex, LeaderIndex: NullIndex}
	for i, m := range members {
		if m.ID == selfID {
			t.SelfIndex = i
		}
		if m.ID == leaderID {
			t.LeaderIndex = i
		}
	}
	return t, nil
}

// IsSelfPresent reports whether this process appears in the member list.
func (t Topology) IsSelfPresent() bool { return t.SelfIndex != NullIndex }

// Self returns the member record for this process. It panics when self is
// absent; call IsSelfPresent first.
func (t Topology) Self() Member {
	return t.Members[t.SelfIndex]
}
