package nng

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"

	// Register tcp/inproc/ipc transports with mangos.
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/clusterlab/harness/pkg/internal/logutil"
	"github.com/clusterlab/harness/pkg/transport"
)

// Options tune the mangos-backed substrate connection.
type Options struct {
	// RecvDeadline bounds how long a Poll waits for the first message.
	// Zero defaults to one millisecond, keeping polls near non-blocking.
	RecvDeadline time.Duration
	// SendDeadline bounds Offer when no peer is attached yet.
	// Zero defaults to 250ms.
	SendDeadline time.Duration
	Logger       *log.Logger
}

// Conn implements transport.Conn over mangos push/pull sockets. Messages are
// framed with a 4-byte big-endian stream id so several logical streams can
// share one channel address.
type Conn struct {
	mu     sync.Mutex
	opts   Options
	owned  []mangos.Socket
	closed bool
}

const streamHeaderLength = 4

// Connect opens a substrate connection.
func Connect(opts Options) (*Conn, error) {
	if opts.RecvDeadline <= 0 {
		opts.RecvDeadline = time.Millisecond
	}
	if opts.SendDeadline <= 0 {
		opts.SendDeadline = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Conn{opts: opts}, nil
}

func (c *Conn) adopt(s mangos.Socket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transportClosedErr()
	}
	c.owned = append(c.owned, s)
	return nil
}

// AddSubscription opens the inbound half of a channel. The socket listens on
// the URI endpoint unless mode=dial is set.
func (c *Conn) AddSubscription(channel transport.ChannelURI, streamID int32) (transport.Subscription, error) {
	sock, err := pull.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("nng: new pull socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, c.opts.RecvDeadline); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("nng: recv deadline: %w", err)
	}
	if err := attach(sock, channel, transport.ModeListen); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("nng: bind subscription %s: %w", channel, err)
	}
	if err := c.adopt(sock); err != nil {
		_ = sock.Close()
		return nil, err
	}
	logutil.Debugf(c.opts.Logger, "subscription open: %s stream=%d", channel, streamID)
	return &subscription{sock: sock, channel: channel, streamID: streamID}, nil
}

// AddExclusivePublication opens the outbound half of a channel. The socket
// dials the URI endpoint unless mode=listen is set; dialing is asynchronous so
// a publication can be created before its receiver exists.
func (c *Conn) AddExclusivePublication(channel transport.ChannelURI, streamID int32) (transport.Publication, error) {
	sock, err := push.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("nng: new push socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionSendDeadline, c.opts.SendDeadline); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("nng: send deadline: %w", err)
	}
	if err := attach(sock, channel, transport.ModeDial); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("nng: bind publication %s: %w", channel, err)
	}
	if err := c.adopt(sock); err != nil {
		_ = sock.Close()
		return nil, err
	}
	logutil.Debugf(c.opts.Logger, "publication open: %s stream=%d", channel, streamID)
	return &publication{sock: sock, channel: channel, streamID: streamID}, nil
}

// Close releases every socket created through this connection. Closing twice
// is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var firstErr error
	for _, s := range c.owned {
		if err := s.Close(); err != nil && !errors.Is(err, mangos.ErrClosed) && firstErr == nil {
			firstErr = err
		}
	}
	c.owned = nil
	return firstErr
}

func attach(sock mangos.Socket, channel transport.ChannelURI, defaultMode string) error {
	mode := channel.Param(transport.ModeParam)
	if mode == "" {
		mode = defaultMode
	}
	switch mode {
	case transport.ModeListen:
		return sock.Listen(channel.Address())
	case transport.ModeDial:
		return sock.DialOptions(channel.Address(), map[string]interface{}{
			mangos.OptionDialAsynch: true,
		})
	default:
		return fmt.Errorf("unknown %s=%q", transport.ModeParam, mode)
	}
}

func transportClosedErr() error { return errors.New("nng: connection closed") }

type publication struct {
	sock     mangos.Socket
	channel  transport.ChannelURI
	streamID int32

	mu     sync.Mutex
	closed bool
}

func (p *publication) Offer(payload []byte) error {
	frame := make([]byte, streamHeaderLength+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(p.streamID))
	copy(frame[streamHeaderLength:], payload)
	if err := p.sock.Send(frame); err != nil {
		return fmt.Errorf("nng: offer on %s: %w", p.channel, err)
	}
	return nil
}

func (p *publication) Channel() transport.ChannelURI { return p.channel }
func (p *publication) StreamID() int32               { return p.streamID }

func (p *publication) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.sock.Close(); err != nil && !errors.Is(err, mangos.ErrClosed) {
		return err
	}
	return nil
}

type subscription struct {
	sock     mangos.Socket
	channel  transport.ChannelURI
	streamID int32

	mu     sync.Mutex
	closed bool
}

func (s *subscription) Poll(handler func(payload []byte), limit int) (int, error) {
	if limit <= 0 {
		limit = 10
	}
	count := 0
	for count < limit {
		frame, err := s.sock.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrRecvTimeout) {
				return count, nil
			}
			if errors.Is(err, mangos.ErrClosed) {
				return count, nil
			}
			return count, fmt.Errorf("nng: poll on %s: %w", s.channel, err)
		}
		if len(frame) < streamHeaderLength {
			continue
		}
		if int32(binary.BigEndian.Uint32(frame)) != s.streamID {
			// Different logical stream on a shared channel.
			continue
		}
		handler(frame[streamHeaderLength:])
		count++
	}
	return count, nil
}

func (s *subscription) Channel() transport.ChannelURI { return s.channel }
func (s *subscription) StreamID() int32               { return s.streamID }

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.sock.Close(); err != nil && !errors.Is(err, mangos.ErrClosed) {
		return err
	}
	return nil
}

var _ transport.Conn = (*Conn)(nil)
