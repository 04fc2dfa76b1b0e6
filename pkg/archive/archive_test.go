package archive

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/clusterlab/harness/pkg/transport"
	"github.com/clusterlab/harness/pkg/transport/nng"
)

func launchArchive(t *testing.T, mode ThreadingMode) (*Archive, *nng.Conn) {
	t.Helper()
	conn, err := nng.Connect(nng.Options{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	a, err := Launch(Context{
		Dir:           t.TempDir(),
		ThreadingMode: mode,
		Conn:          conn,
	})
	if err != nil {
		t.Fatalf("launch archive: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, conn
}

func offerAll(t *testing.T, pub transport.Publication, payloads ...string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for _, payload := range payloads {
		for {
			if err := pub.Offer([]byte(payload)); err == nil {
				break
			} else if time.Now().After(deadline) {
				t.Fatalf("offer %q: %v", payload, err)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func awaitSegments(t *testing.T, a *Archive, id int64, want int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		segments, err := a.Segments(id)
		if err != nil {
			t.Fatalf("segments: %v", err)
		}
		if len(segments) >= want {
			return segments
		}
		if time.Now().After(deadline) {
			t.Fatalf("recorded %d segments, want %d", len(segments), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func testRecordingRoundTrip(t *testing.T, mode ThreadingMode) {
	a, conn := launchArchive(t, mode)

	channel, _ := transport.ParseChannelURI(fmt.Sprintf("inproc://arch-%s-%d", mode, time.Now().UnixNano()))
	id, err := a.StartRecording(channel, 3)
	if err != nil {
		t.Fatalf("start recording: %v", err)
	}

	pub, err := conn.AddExclusivePublication(channel, 3)
	if err != nil {
		t.Fatalf("publication: %v", err)
	}
	defer pub.Close()
	offerAll(t, pub, "alpha", "beta", "gamma")

	segments := awaitSegments(t, a, id, 3)
	for i, want := range []string{"alpha", "beta", "gamma"} {
		if string(segments[i]) != want {
			t.Fatalf("segment %d = %q, want %q", i, segments[i], want)
		}
	}
	a.StopRecording(id)

	// Replay onto a fresh channel with a listening receiver.
	replayChannel, _ := transport.ParseChannelURI(fmt.Sprintf("inproc://arch-replay-%s-%d", mode, time.Now().UnixNano()))
	sub, err := conn.AddSubscription(replayChannel, 3)
	if err != nil {
		t.Fatalf("replay subscription: %v", err)
	}
	defer sub.Close()
	if err := a.Replay(id, replayChannel, 3); err != nil {
		t.Fatalf("replay: %v", err)
	}

	var got []string
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("replayed %v", got)
		}
		_, err := sub.Poll(func(payload []byte) { got = append(got, string(payload)) }, 10)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	for i, want := range []string{"alpha", "beta", "gamma"} {
		if got[i] != want {
			t.Fatalf("replayed[%d] = %q, want %q", i, got[i], want)
		}
	}
}

func TestRecordingRoundTripShared(t *testing.T)    { testRecordingRoundTrip(t, ThreadingModeShared) }
func TestRecordingRoundTripDedicated(t *testing.T) { testRecordingRoundTrip(t, ThreadingModeDedicated) }

func TestRecordingIDsAreDistinct(t *testing.T) {
	a, _ := launchArchive(t, ThreadingModeShared)
	base := time.Now().UnixNano()
	seen := make(map[int64]bool)
	for i := 0; i < 3; i++ {
		channel, _ := transport.ParseChannelURI(fmt.Sprintf("inproc://arch-ids-%d-%d", base, i))
		id, err := a.StartRecording(channel, 1)
		if err != nil {
			t.Fatalf("start recording %d: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("duplicate recording id %d", id)
		}
		seen[id] = true
	}
}

func TestUnknownRecording(t *testing.T) {
	a, _ := launchArchive(t, ThreadingModeShared)
	if _, err := a.Segments(999); !errors.Is(err, ErrUnknownRecording) {
		t.Fatalf("err = %v, want ErrUnknownRecording", err)
	}
	channel, _ := transport.ParseChannelURI("inproc://arch-unknown")
	if err := a.Replay(999, channel, 1); !errors.Is(err, ErrUnknownRecording) {
		t.Fatalf("replay err = %v, want ErrUnknownRecording", err)
	}
	a.StopRecording(999)
}

func TestArchiveSurvivesRelaunch(t *testing.T) {
	conn, err := nng.Connect(nng.Options{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	dir := t.TempDir()

	a, err := Launch(Context{Dir: dir, Conn: conn})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	channel, _ := transport.ParseChannelURI(fmt.Sprintf("inproc://arch-relaunch-%d", time.Now().UnixNano()))
	id, err := a.StartRecording(channel, 1)
	if err != nil {
		t.Fatalf("start recording: %v", err)
	}
	pub, err := conn.AddExclusivePublication(channel, 1)
	if err != nil {
		t.Fatalf("publication: %v", err)
	}
	offerAll(t, pub, "persisted")
	awaitSegments(t, a, id, 1)
	_ = pub.Close()
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Launch(Context{Dir: dir, Conn: conn})
	if err != nil {
		t.Fatalf("relaunch: %v", err)
	}
	defer reopened.Close()
	segments, err := reopened.Segments(id)
	if err != nil {
		t.Fatalf("segments after relaunch: %v", err)
	}
	if len(segments) != 1 || string(segments[0]) != "persisted" {
		t.Fatalf("segments after relaunch = %v", segments)
	}
}
