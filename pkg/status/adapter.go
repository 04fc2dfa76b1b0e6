package status

import (
	"encoding/json"
	"fmt"

	obsmetrics "github.com/clusterlab/harness/pkg/observability/metrics"
	"github.com/clusterlab/harness/pkg/transport"
)

type envelope struct {
	T string          `json:"t"`
	M json.RawMessage `json:"m"`
}

// Adapter decodes status messages arriving on one subscription and dispatches
// them to a listener. Progress is made only when Poll is called.
type Adapter struct {
	sub      transport.Subscription
	listener Listener
}

// NewAdapter wraps a subscription with a listener.
func NewAdapter(sub transport.Subscription, listener Listener) *Adapter {
	return &Adapter{sub: sub, listener: listener}
}

// Poll performs one non-blocking receive/dispatch cycle and returns the
// number of messages dispatched. Undecodable messages are dropped.
func (a *Adapter) Poll() (int, error) {
	return a.sub.Poll(func(payload []byte) {
		_ = a.dispatch(payload)
	}, 10)
}

func (a *Adapter) dispatch(payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("status: bad envelope: %w", err)
	}
	switch env.T {
	case TypeCanvassPosition:
		var msg CanvassPosition
		if err := json.Unmarshal(env.M, &msg); err != nil {
			return err
		}
		a.listener.OnCanvassPosition(msg)
	case TypeRequestVote:
		var msg RequestVote
		if err := json.Unmarshal(env.M, &msg); err != nil {
			return err
		}
		a.listener.OnRequestVote(msg)
	case TypeVote:
		var msg Vote
		if err := json.Unmarshal(env.M, &msg); err != nil {
			return err
		}
		a.listener.OnVote(msg)
	case TypeNewLeadershipTerm:
		var msg NewLeadershipTerm
		if err := json.Unmarshal(env.M, &msg); err != nil {
			return err
		}
		a.listener.OnNewLeadershipTerm(msg)
	case TypeAppendPosition:
		var msg AppendPosition
		if err := json.Unmarshal(env.M, &msg); err != nil {
			return err
		}
		a.listener.OnAppendPosition(msg)
	case TypeCommitPosition:
		var msg CommitPosition
		if err := json.Unmarshal(env.M, &msg); err != nil {
			return err
		}
		a.listener.OnCommitPosition(msg)
	default:
		return fmt.Errorf("status: unknown message type %q", env.T)
	}
	obsmetrics.StatusMessages.WithLabelValues(env.T).Inc()
	return nil
}

// Close releases the underlying subscription.
func (a *Adapter) Close() error { return a.sub.Close() }
