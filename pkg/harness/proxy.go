package harness

import (
	"sync/atomic"

	obsmetrics "github.com/clusterlab/harness/pkg/observability/metrics"
	"github.com/clusterlab/harness/pkg/service"
	"github.com/clusterlab/harness/pkg/transport"
)

// serviceProxy sits between the container and the wrapped service. Every
// callback is forwarded unchanged and counted; the proxy additionally records
// when the service has been started and when the node reported it ready, which
// is what the await operations watch.
type serviceProxy struct {
	delegate service.Service
	started  atomic.Bool
	ready    atomic.Bool
}

func newServiceProxy(delegate service.Service) *serviceProxy {
	return &serviceProxy{delegate: delegate}
}

func (p *serviceProxy) forwarded(kind string) {
	obsmetrics.ServiceCallbacks.WithLabelValues(kind).Inc()
}

func (p *serviceProxy) OnStart(cluster service.Cluster) {
	p.delegate.OnStart(cluster)
	p.started.Store(true)
	obsmetrics.ServiceReady.Set(1)
	p.forwarded(service.EventStart)
}

func (p *serviceProxy) OnReady() {
	p.delegate.OnReady()
	p.ready.Store(true)
	p.forwarded(service.EventReady)
}

func (p *serviceProxy) OnSessionOpen(session service.ClientSession, timestamp int64) {
	p.delegate.OnSessionOpen(session, timestamp)
	p.forwarded(service.EventSessionOpen)
}

func (p *serviceProxy) OnSessionClose(session service.ClientSession, timestamp int64, reason service.CloseReason) {
	p.delegate.OnSessionClose(session, timestamp, reason)
	p.forwarded(service.EventSessionClose)
}

func (p *serviceProxy) OnSessionMessage(sessionID, correlationID, timestamp int64, payload []byte) {
	p.delegate.OnSessionMessage(sessionID, correlationID, timestamp, payload)
	p.forwarded(service.EventSessionMessage)
}

func (p *serviceProxy) OnTimerEvent(correlationID, timestamp int64) {
	p.delegate.OnTimerEvent(correlationID, timestamp)
	p.forwarded(service.EventTimer)
}

func (p *serviceProxy) OnTakeSnapshot(snapshot transport.Publication) {
	p.delegate.OnTakeSnapshot(snapshot)
	p.forwarded(service.EventTakeSnapshot)
}

func (p *serviceProxy) OnLoadSnapshot(snapshot transport.Subscription) {
	p.delegate.OnLoadSnapshot(snapshot)
	p.forwarded(service.EventLoadSnapshot)
}

func (p *serviceProxy) OnReplayBegin() {
	p.delegate.OnReplayBegin()
	p.forwarded(service.EventReplayBegin)
}

func (p *serviceProxy) OnReplayEnd() {
	p.delegate.OnReplayEnd()
	p.forwarded(service.EventReplayEnd)
}

func (p *serviceProxy) OnRoleChange(role service.Role) {
	p.delegate.OnRoleChange(role)
	p.forwarded(service.EventRoleChange)
}

var _ service.Service = (*serviceProxy)(nil)
