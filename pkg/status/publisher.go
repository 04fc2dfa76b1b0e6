package status

import (
	"encoding/json"

	"github.com/clusterlab/harness/pkg/transport"
)

// Publisher encodes status messages onto any publication. It is stateless;
// one publisher serves every peer channel.
type Publisher struct{}

func (Publisher) offer(pub transport.Publication, t string, msg any) error {
	m, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{T: t, M: m})
	if err != nil {
		return err
	}
	return pub.Offer(payload)
}

func (p Publisher) CanvassPosition(pub transport.Publication, msg CanvassPosition) error {
	return p.offer(pub, TypeCanvassPosition, msg)
}

func (p Publisher) RequestVote(pub transport.Publication, msg RequestVote) error {
	return p.offer(pub, TypeRequestVote, msg)
}

func (p Publisher) Vote(pub transport.Publication, msg Vote) error {
	return p.offer(pub, TypeVote, msg)
}

func (p Publisher) NewLeadershipTerm(pub transport.Publication, msg NewLeadershipTerm) error {
	return p.offer(pub, TypeNewLeadershipTerm, msg)
}

func (p Publisher) AppendPosition(pub transport.Publication, msg AppendPosition) error {
	return p.offer(pub, TypeAppendPosition, msg)
}

func (p Publisher) CommitPosition(pub transport.Publication, msg CommitPosition) error {
	return p.offer(pub, TypeCommitPosition, msg)
}
