package service

import "github.com/clusterlab/harness/pkg/transport"

// Base is a no-op Service. Embed it to implement only part of the callback
// surface.
type Base struct{}

func (Base) OnStart(Cluster)                                  {}
func (Base) OnSessionOpen(ClientSession, int64)               {}
func (Base) OnSessionClose(ClientSession, int64, CloseReason) {}
func (Base) OnSessionMessage(int64, int64, int64, []byte)     {}
func (Base) OnTimerEvent(int64, int64)                        {}
func (Base) OnTakeSnapshot(transport.Publication)             {}
func (Base) OnLoadSnapshot(transport.Subscription)            {}
func (Base) OnReplayBegin()                                   {}
func (Base) OnReplayEnd()                                     {}
func (Base) OnRoleChange(Role)                                {}
func (Base) OnReady()                                         {}

var _ Service = Base{}
