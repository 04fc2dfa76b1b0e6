package nng

import (
	"fmt"
	"testing"
	"time"

	"github.com/clusterlab/harness/pkg/transport"
)

func mustURI(t *testing.T, raw string) transport.ChannelURI {
	t.Helper()
	c, err := transport.ParseChannelURI(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return c
}

func offerUntilAccepted(t *testing.T, pub transport.Publication, payload []byte) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := pub.Offer(payload)
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("offer never accepted: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
}

func pollUntil(t *testing.T, sub transport.Subscription, want int) [][]byte {
	t.Helper()
	var got [][]byte
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < want {
		if time.Now().After(deadline) {
			t.Fatalf("received %d messages, want %d", len(got), want)
		}
		_, err := sub.Poll(func(payload []byte) {
			cp := make([]byte, len(payload))
			copy(cp, payload)
			got = append(got, cp)
		}, 10)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	return got
}

func TestOfferPollRoundTrip(t *testing.T) {
	conn, err := Connect(Options{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	channel := mustURI(t, fmt.Sprintf("inproc://conn-roundtrip-%d", time.Now().UnixNano()))
	sub, err := conn.AddSubscription(channel, 7)
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	pub, err := conn.AddExclusivePublication(channel, 7)
	if err != nil {
		t.Fatalf("publication: %v", err)
	}

	offerUntilAccepted(t, pub, []byte("one"))
	offerUntilAccepted(t, pub, []byte("two"))

	got := pollUntil(t, sub, 2)
	if string(got[0]) != "one" || string(got[1]) != "two" {
		t.Fatalf("messages out of order: %q %q", got[0], got[1])
	}
}

func TestStreamIDFiltering(t *testing.T) {
	conn, err := Connect(Options{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	channel := mustURI(t, fmt.Sprintf("inproc://conn-streams-%d", time.Now().UnixNano()))
	sub, err := conn.AddSubscription(channel, 1)
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	other, err := conn.AddExclusivePublication(channel, 2)
	if err != nil {
		t.Fatalf("publication stream 2: %v", err)
	}
	same, err := conn.AddExclusivePublication(channel, 1)
	if err != nil {
		t.Fatalf("publication stream 1: %v", err)
	}

	offerUntilAccepted(t, other, []byte("wrong stream"))
	offerUntilAccepted(t, same, []byte("right stream"))

	got := pollUntil(t, sub, 1)
	if string(got[0]) != "right stream" {
		t.Fatalf("delivered %q from the wrong stream", got[0])
	}
}

func TestModeOverride(t *testing.T) {
	conn, err := Connect(Options{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	// Reverse the defaults: publication listens, subscription dials. This is
	// how the engine-side service channel is wired.
	base := mustURI(t, fmt.Sprintf("inproc://conn-mode-%d", time.Now().UnixNano()))
	pub, err := conn.AddExclusivePublication(base.WithParam(transport.ModeParam, transport.ModeListen), 9)
	if err != nil {
		t.Fatalf("listening publication: %v", err)
	}
	sub, err := conn.AddSubscription(base.WithParam(transport.ModeParam, transport.ModeDial), 9)
	if err != nil {
		t.Fatalf("dialing subscription: %v", err)
	}

	offerUntilAccepted(t, pub, []byte("queued"))
	got := pollUntil(t, sub, 1)
	if string(got[0]) != "queued" {
		t.Fatalf("got %q", got[0])
	}
}

func TestPollEmptyReturnsZero(t *testing.T) {
	conn, err := Connect(Options{RecvDeadline: time.Millisecond})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	channel := mustURI(t, fmt.Sprintf("inproc://conn-empty-%d", time.Now().UnixNano()))
	sub, err := conn.AddSubscription(channel, 1)
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	n, err := sub.Poll(func([]byte) { t.Fatal("unexpected delivery") }, 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 0 {
		t.Fatalf("poll returned %d on empty channel", n)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, err := Connect(Options{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	channel := mustURI(t, fmt.Sprintf("inproc://conn-close-%d", time.Now().UnixNano()))
	sub, err := conn.AddSubscription(channel, 1)
	if err != nil {
		t.Fatalf("subscription: %v", err)
	}
	pub, err := conn.AddExclusivePublication(channel, 1)
	if err != nil {
		t.Fatalf("publication: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := sub.Close(); err != nil {
			t.Fatalf("sub close %d: %v", i, err)
		}
		if err := pub.Close(); err != nil {
			t.Fatalf("pub close %d: %v", i, err)
		}
		if err := conn.Close(); err != nil {
			t.Fatalf("conn close %d: %v", i, err)
		}
	}
}
