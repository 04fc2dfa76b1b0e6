// Package statusmesh wires this process to every peer member over
// point-to-point status channels: one inbound adapter listening on the peer's
// endpoint and one outbound exclusive publication onto the shared group
// channel. The mesh is caller-driven; no goroutine polls in the background, so
// tests decide exactly when peer messages are delivered.
package statusmesh

import (
	"errors"
	"fmt"

	obsmetrics "github.com/clusterlab/harness/pkg/observability/metrics"
	"github.com/clusterlab/harness/pkg/status"
	"github.com/clusterlab/harness/pkg/topology"
	"github.com/clusterlab/harness/pkg/transport"
)

// ErrChannelBind reports a transport failure while establishing the mesh.
// A partial mesh is never retained.
var ErrChannelBind = errors.New("statusmesh: channel bind failed")

// Mesh holds the per-peer channel endpoints, indexed by member position.
// Slots at the self index stay nil.
type Mesh struct {
	selfIndex int
	adapters  []*status.Adapter
	pubs      []transport.Publication
}

// Establish opens a channel pair for every member other than self. The
// subscription address is derived by substituting the peer's member-facing
// endpoint into groupChannel; the publication targets groupChannel as given.
// Any bind failure releases everything opened so far and fails the whole
// mesh.
func Establish(
	conn transport.Conn,
	top topology.Topology,
	groupChannel transport.ChannelURI,
	streamID int32,
	listeners []status.Listener,
) (*Mesh, error) {
	if len(listeners) != len(top.Members) {
		return nil, fmt.Errorf("%w: %d listeners for %d members", ErrChannelBind, len(listeners), len(top.Members))
	}
	m := &Mesh{
		selfIndex: top.SelfIndex,
		adapters:  make([]*status.Adapter, len(top.Members)),
		pubs:      make([]transport.Publication, len(top.Members)),
	}
	for i, member := range top.Members {
		if i == top.SelfIndex {
			continue
		}
		peerChannel := groupChannel.WithEndpoint(member.MemberFacingEndpoint)
		sub, err := conn.AddSubscription(peerChannel, streamID)
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("%w: subscription for member %d at %s: %v", ErrChannelBind, member.ID, peerChannel, err)
		}
		m.adapters[i] = status.NewAdapter(sub, listeners[i])
		pub, err := conn.AddExclusivePublication(groupChannel, streamID)
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("%w: publication for member %d: %v", ErrChannelBind, member.ID, err)
		}
		m.pubs[i] = pub
	}
	obsmetrics.StatusChannels.Set(float64(m.established()))
	return m, nil
}

func (m *Mesh) established() int {
	n := 0
	for _, a := range m.adapters {
		if a != nil {
			n++
		}
	}
	return n
}

// Poll runs one non-blocking receive/dispatch cycle over every established
// adapter and returns the total number of messages dispatched. Delivery order
// across different peers is unspecified; per peer it follows the transport.
func (m *Mesh) Poll() (int, error) {
	work := 0
	var errs []error
	for _, adapter := range m.adapters {
		if adapter == nil {
			continue
		}
		n, err := adapter.Poll()
		work += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	obsmetrics.StatusPolls.Inc()
	return work, errors.Join(errs...)
}

// Publication returns the outbound handle toward the member at index, or nil
// for the self slot. Callers must check before use.
func (m *Mesh) Publication(index int) transport.Publication {
	if index == m.selfIndex {
		return nil
	}
	return m.pubs[index]
}

// Close releases every endpoint, attempting all even when some fail.
func (m *Mesh) Close() error {
	var errs []error
	for i, adapter := range m.adapters {
		if adapter != nil {
			if err := adapter.Close(); err != nil {
				errs = append(errs, err)
			}
			m.adapters[i] = nil
		}
	}
	for i, pub := range m.pubs {
		if pub != nil {
			if err := pub.Close(); err != nil {
				errs = append(errs, err)
			}
			m.pubs[i] = nil
		}
	}
	obsmetrics.StatusChannels.Set(0)
	return errors.Join(errs...)
}
