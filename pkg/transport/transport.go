package transport

// Conn is a connection to the transport substrate. Subscriptions and
// publications created through a Conn are owned by it and closed with it.
type Conn interface {
	// AddSubscription opens an inbound channel bound to the URI endpoint.
	AddSubscription(channel ChannelURI, streamID int32) (Subscription, error)
	// AddExclusivePublication opens an outbound channel with a single writer.
	AddExclusivePublication(channel ChannelURI, streamID int32) (Publication, error)
	Close() error
}

// Publication is the outbound half of a channel.
type Publication interface {
	// Offer attempts to send one message. It does not retry; callers that
	// need delivery retry with an idle strategy.
	Offer(payload []byte) error
	Channel() ChannelURI
	StreamID() int32
	Close() error
}

// Subscription is the inbound half of a channel.
type Subscription interface {
	// Poll receives up to limit messages without blocking beyond the
	// configured receive deadline and invokes handler for each. It returns
	// the number of messages dispatched. Messages carrying a different
	// stream id are discarded.
	Poll(handler func(payload []byte), limit int) (int, error)
	Channel() ChannelURI
	StreamID() int32
	Close() error
}
