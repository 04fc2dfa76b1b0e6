package harness

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clusterlab/harness/pkg/service"
	"github.com/clusterlab/harness/pkg/status"
	"github.com/clusterlab/harness/pkg/topology"
	"github.com/clusterlab/harness/pkg/transport"
)

type recordingService struct {
	service.Base

	mu       sync.Mutex
	calls    []string
	snapshot []byte
}

func (s *recordingService) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *recordingService) OnStart(service.Cluster) { s.record("start") }
func (s *recordingService) OnReady()                { s.record("ready") }
func (s *recordingService) OnReplayBegin()          { s.record("replayBegin") }
func (s *recordingService) OnReplayEnd()            { s.record("replayEnd") }

func (s *recordingService) OnRoleChange(role service.Role) {
	s.record("role:" + role.String())
}

func (s *recordingService) OnSessionOpen(session service.ClientSession, _ int64) {
	s.record(fmt.Sprintf("open:%d", session.ID))
}

func (s *recordingService) OnSessionClose(session service.ClientSession, _ int64, reason service.CloseReason) {
	s.record(fmt.Sprintf("close:%d:%s", session.ID, reason))
}

func (s *recordingService) OnSessionMessage(sessionID, correlationID, _ int64, payload []byte) {
	s.record(fmt.Sprintf("msg:%d:%s", correlationID, payload))
}

func (s *recordingService) OnTimerEvent(correlationID, _ int64) {
	s.record(fmt.Sprintf("timer:%d", correlationID))
}

func (s *recordingService) OnTakeSnapshot(snapshot transport.Publication) {
	s.record("takeSnapshot")
	_ = snapshot.Offer([]byte("service-state"))
}

func (s *recordingService) OnLoadSnapshot(snapshot transport.Subscription) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, _ := snapshot.Poll(func(payload []byte) {
			s.mu.Lock()
			s.snapshot = append([]byte(nil), payload...)
			s.mu.Unlock()
		}, 1)
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	s.record("loadSnapshot")
}

func (s *recordingService) snapshotCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *recordingService) indexOf(call string) int {
	for i, c := range s.snapshotCalls() {
		if c == call {
			return i
		}
	}
	return -1
}

func awaitCall(t *testing.T, svc *recordingService, call string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for svc.indexOf(call) < 0 {
		if time.Now().After(deadline) {
			t.Fatalf("never saw %q, calls: %v", call, svc.snapshotCalls())
		}
		time.Sleep(time.Millisecond)
	}
}

func await(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func singleMemberContext(svc service.Service, tag, dir string) Context {
	return Context{
		Service:           svc,
		Members:           fmt.Sprintf("0,c0,%s-m0,127.0.0.1:0,a0", tag),
		MemberID:          0,
		AppointedLeaderID: 0,
		ServiceChannel:    fmt.Sprintf("inproc://%s-svc", tag),
		SnapshotChannel:   fmt.Sprintf("inproc://%s-snap", tag),
		BaseDir:           dir,
		HeartbeatTimeout:  50 * time.Millisecond,
		ElectionTimeout:   50 * time.Millisecond,
		CommitTimeout:     5 * time.Millisecond,
	}
}

func TestLeaderLifecycle(t *testing.T) {
	svc := &recordingService{}
	tag := fmt.Sprintf("hl-%d", time.Now().UnixNano())
	h, err := Launch(singleMemberContext(svc, tag, t.TempDir()))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer h.Close()

	h.AwaitServiceStart()
	h.AwaitServiceReady()
	engine := h.Engine()
	await(t, "leadership", engine.IsLeader)
	awaitCall(t, svc, "role:leader")

	if err := engine.OpenSession(service.ClientSession{ID: 11}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := engine.OfferIngress(11, 42, []byte("ping")); err != nil {
		t.Fatalf("offer ingress: %v", err)
	}
	if err := engine.ScheduleTimer(77); err != nil {
		t.Fatalf("schedule timer: %v", err)
	}
	if err := engine.CloseSession(11, service.CloseReasonServiceAction); err != nil {
		t.Fatalf("close session: %v", err)
	}
	awaitCall(t, svc, "timer:77")
	awaitCall(t, svc, "close:11:serviceAction")

	calls := svc.snapshotCalls()
	open, msg := svc.indexOf("open:11"), svc.indexOf("msg:42:ping")
	if open < 0 || msg < 0 || open > msg {
		t.Fatalf("session events out of order: %v", calls)
	}
	if svc.indexOf("start") != 0 {
		t.Fatalf("start was not the first callback: %v", calls)
	}
	if engine.Term() == 0 {
		t.Fatal("leader term should be nonzero")
	}

	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if len(h.TeardownErrors()) != 0 {
		t.Fatalf("teardown errors: %v", h.TeardownErrors())
	}
	if !h.IsTerminated() {
		t.Fatal("close should mark the node terminated")
	}
}

type countingListener struct {
	status.NopListener
	mu      sync.Mutex
	appends int
}

func (l *countingListener) OnAppendPosition(status.AppendPosition) {
	l.mu.Lock()
	l.appends++
	l.mu.Unlock()
}

func (l *countingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appends
}

func TestFollowerGossipAndInjection(t *testing.T) {
	svc := &recordingService{}
	tag := fmt.Sprintf("hf-%d", time.Now().UnixNano())
	leaderListener := &countingListener{}
	h, err := Launch(Context{
		Service: svc,
		Members: fmt.Sprintf("0,c0,%s-m0,127.0.0.1:0,a0|1,c1,%s-m1,127.0.0.1:0,a1", tag, tag),
		MemberID:          1,
		AppointedLeaderID: 0,
		ServiceChannel:    fmt.Sprintf("inproc://%s-svc", tag),
		SnapshotChannel:   fmt.Sprintf("inproc://%s-snap", tag),
		StatusListeners:   []status.Listener{leaderListener, nil},
		BaseDir:           t.TempDir(),
		HeartbeatTimeout:  50 * time.Millisecond,
		ElectionTimeout:   50 * time.Millisecond,
		CommitTimeout:     5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer h.Close()

	h.AwaitServiceStart()
	h.AwaitServiceReady()

	if h.Publication(1) != nil {
		t.Fatal("self slot publication must be nil")
	}
	if h.Publication(0) == nil {
		t.Fatal("leader slot publication missing")
	}

	// A non-appointed member stays follower and gossips its append position
	// toward the appointed leader, whose endpoint this harness impersonates.
	await(t, "appendPosition gossip", func() bool {
		h.Poll()
		return leaderListener.count() > 0
	})
	if h.Engine().IsLeader() {
		t.Fatal("non-appointed member must not lead")
	}

	// Inject a vote request as the fake leader; the engine tallies it.
	publisher := h.Publisher()
	await(t, "requestVote tally", func() bool {
		err := publisher.RequestVote(h.Publication(0), status.RequestVote{
			CandidateTermID:   1,
			CandidateMemberID: 0,
		})
		if err != nil {
			return false
		}
		time.Sleep(time.Millisecond)
		return h.Engine().StatusTally()[status.TypeRequestVote] > 0
	})
}

func TestSnapshotRestartRestoresService(t *testing.T) {
	tag := fmt.Sprintf("hs-%d", time.Now().UnixNano())
	dir := t.TempDir()

	svc := &recordingService{}
	ctx := singleMemberContext(svc, tag, dir)
	ctx.RetainDirsOnClose = true
	h, err := Launch(ctx)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	h.AwaitServiceReady()
	engine := h.Engine()
	await(t, "leadership", engine.IsLeader)

	if err := engine.OpenSession(service.ClientSession{ID: 5}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := engine.OfferIngress(5, 9, []byte("persist-me")); err != nil {
		t.Fatalf("offer ingress: %v", err)
	}
	awaitCall(t, svc, "msg:9:persist-me")

	recID, err := engine.TakeSnapshot()
	if err != nil {
		t.Fatalf("take snapshot: %v", err)
	}
	awaitCall(t, svc, "takeSnapshot")
	await(t, "snapshot recorded", func() bool {
		segments, err := h.Archive().Segments(recID)
		return err == nil && len(segments) > 0
	})
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("retained directories missing after close: %v", err)
	}

	// Relaunch from the same directories: the stored snapshot is loaded and
	// the log replayed before the service is declared ready.
	restarted := &recordingService{}
	h2, err := Launch(singleMemberContext(restarted, tag+"-r", dir))
	if err != nil {
		t.Fatalf("relaunch: %v", err)
	}
	defer h2.Close()
	h2.AwaitServiceReady()

	calls := restarted.snapshotCalls()
	load := restarted.indexOf("loadSnapshot")
	begin := restarted.indexOf("replayBegin")
	msg := restarted.indexOf("msg:9:persist-me")
	end := restarted.indexOf("replayEnd")
	ready := restarted.indexOf("ready")
	if load < 0 || begin < 0 || msg < 0 || end < 0 || ready < 0 {
		t.Fatalf("restart sequence incomplete: %v", calls)
	}
	if !(load < begin && begin < msg && msg < end && end < ready) {
		t.Fatalf("restart sequence out of order: %v", calls)
	}
	restarted.mu.Lock()
	snapshot := string(restarted.snapshot)
	restarted.mu.Unlock()
	if snapshot != "service-state" {
		t.Fatalf("restored snapshot = %q", snapshot)
	}
}

func TestCloseRemovesDirectoriesByDefault(t *testing.T) {
	svc := &recordingService{}
	tag := fmt.Sprintf("hd-%d", time.Now().UnixNano())
	dir := filepath.Join(t.TempDir(), "node")
	h, err := Launch(singleMemberContext(svc, tag, dir))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	h.AwaitServiceReady()

	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("base dir survived close: %v", err)
	}
}

func TestConcurrentAwaits(t *testing.T) {
	svc := &recordingService{}
	tag := fmt.Sprintf("hc-%d", time.Now().UnixNano())
	h, err := Launch(singleMemberContext(svc, tag, t.TempDir()))
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.AwaitServiceStart()
			h.AwaitServiceReady()
		}()
	}
	wg.Wait()
	if !h.IsServiceStarted() {
		t.Fatal("service not started after awaits returned")
	}
}

func TestLaunchRejectsUnknownMember(t *testing.T) {
	tag := fmt.Sprintf("hu-%d", time.Now().UnixNano())
	_, err := Launch(Context{
		Service:  &recordingService{},
		Members:  fmt.Sprintf("0,c0,%s-m0,127.0.0.1:0,a0", tag),
		MemberID: 9,
		BaseDir:  t.TempDir(),
	})
	if !errors.Is(err, ErrSelfNotInMembers) {
		t.Fatalf("err = %v, want ErrSelfNotInMembers", err)
	}
}

func TestLaunchRejectsBadMembers(t *testing.T) {
	_, err := Launch(Context{
		Service: &recordingService{},
		Members: "not-a-member-list",
		BaseDir: t.TempDir(),
	})
	if !errors.Is(err, topology.ErrInvalidMembers) {
		t.Fatalf("err = %v, want ErrInvalidMembers", err)
	}
}
