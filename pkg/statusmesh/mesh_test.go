package statusmesh

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/clusterlab/harness/pkg/status"
	"github.com/clusterlab/harness/pkg/topology"
	"github.com/clusterlab/harness/pkg/transport"
	"github.com/clusterlab/harness/pkg/transport/nng"
)

type countingListener struct {
	status.NopListener
	commits int
}

func (l *countingListener) OnCommitPosition(status.CommitPosition) { l.commits++ }

func testTopology(t *testing.T, tag string) topology.Topology {
	t.Helper()
	spec := fmt.Sprintf(
		"0,c0,%s-m0,l0,a0|1,c1,%s-m1,l1,a1|2,c2,%s-m2,l2,a2",
		tag, tag, tag)
	top, err := topology.Resolve(spec, 1, 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return top
}

func nopListeners(n int) []status.Listener {
	out := make([]status.Listener, n)
	for i := range out {
		out[i] = status.NopListener{}
	}
	return out
}

func TestEstablishOpensPeerSlotsOnly(t *testing.T) {
	conn, err := nng.Connect(nng.Options{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	tag := fmt.Sprintf("mesh-slots-%d", time.Now().UnixNano())
	top := testTopology(t, tag)
	group, _ := transport.ParseChannelURI("inproc://" + tag + "-m1")

	mesh, err := Establish(conn, top, group, 1, nopListeners(3))
	if err != nil {
		t.Fatalf("establish: %v", err)
	}
	defer mesh.Close()

	if mesh.Publication(1) != nil {
		t.Fatal("self slot must stay nil")
	}
	if mesh.Publication(0) == nil || mesh.Publication(2) == nil {
		t.Fatal("peer slots not established")
	}
}

func TestEstablishRejectsListenerMismatch(t *testing.T) {
	conn, err := nng.Connect(nng.Options{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	tag := fmt.Sprintf("mesh-mismatch-%d", time.Now().UnixNano())
	top := testTopology(t, tag)
	group, _ := transport.ParseChannelURI("inproc://" + tag + "-m1")

	_, err = Establish(conn, top, group, 1, nopListeners(2))
	if !errors.Is(err, ErrChannelBind) {
		t.Fatalf("err = %v, want ErrChannelBind", err)
	}
}

func TestPollDeliversPeerTraffic(t *testing.T) {
	conn, err := nng.Connect(nng.Options{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	tag := fmt.Sprintf("mesh-poll-%d", time.Now().UnixNano())
	top := testTopology(t, tag)
	group, _ := transport.ParseChannelURI("inproc://" + tag + "-m1")

	listener0 := &countingListener{}
	listeners := nopListeners(3)
	listeners[0] = listener0
	mesh, err := Establish(conn, top, group, 1, listeners)
	if err != nil {
		t.Fatalf("establish: %v", err)
	}
	defer mesh.Close()

	// Traffic toward member 0's endpoint lands on the adapter impersonating
	// member 0.
	peer0, _ := transport.ParseChannelURI("inproc://" + tag + "-m0")
	pub, err := conn.AddExclusivePublication(peer0, 1)
	if err != nil {
		t.Fatalf("peer publication: %v", err)
	}
	defer pub.Close()

	var publisher status.Publisher
	deadline := time.Now().Add(5 * time.Second)
	for listener0.commits == 0 {
		if time.Now().After(deadline) {
			t.Fatal("commitPosition never delivered")
		}
		_ = publisher.CommitPosition(pub, status.CommitPosition{LeadershipTermID: 1, LogPosition: 5, LeaderMemberID: 0})
		if _, err := mesh.Poll(); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	conn, err := nng.Connect(nng.Options{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	tag := fmt.Sprintf("mesh-close-%d", time.Now().UnixNano())
	top := testTopology(t, tag)
	group, _ := transport.ParseChannelURI("inproc://" + tag + "-m1")

	mesh, err := Establish(conn, top, group, 1, nopListeners(3))
	if err != nil {
		t.Fatalf("establish: %v", err)
	}
	if err := mesh.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := mesh.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if mesh.Publication(0) != nil {
		t.Fatal("publication survived close")
	}
}
