//go:build integration

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/clusterlab/harness/pkg/bootstrap"
	"github.com/clusterlab/harness/pkg/mgmt"
)

// Full node assembly: bootstrap a single-member cluster, drive it through the
// management API and shut it down remotely.
func TestBootstrapManagementRoundTrip(t *testing.T) {
	tag := fmt.Sprintf("it-%d", time.Now().UnixNano())
	rt, err := bootstrap.Build(context.Background(), bootstrap.Config{
		Members:           fmt.Sprintf("0,c0,%s-m0,127.0.0.1:0,a0", tag),
		MemberID:          0,
		AppointedLeaderID: 0,
		MgmtAddr:          "127.0.0.1:0",
		BaseDir:           t.TempDir(),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer rt.Close()

	rt.Harness().AwaitServiceReady()

	client := mgmt.NewClient(3 * time.Second)
	addr := rt.MgmtAddr()

	deadline := time.Now().Add(15 * time.Second)
	var s mgmt.Status
	for {
		s, err = client.GetStatus(context.Background(), addr)
		if err == nil && s.IsLeader {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("node never reported leadership: status=%+v err=%v", s, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s.MemberID != 0 || s.AppointedLeaderID != 0 {
		t.Fatalf("unexpected status: %+v", s)
	}
	if s.Term == 0 {
		t.Fatalf("leader term should be nonzero: %+v", s)
	}

	if err := client.Shutdown(context.Background(), addr); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	done := make(chan struct{})
	go func() { rt.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop after remote shutdown")
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
