//go:build e2e

package e2e

import (
	"net/http"
	"testing"
	"time"
)

// These tests exercise the real tether binary over its HTTP surface. They
// skip when the binary is not on PATH (set TETHER_BIN to point at a build).

func TestTetherBinary_HealthAndAuth(t *testing.T) {
	requireTether(t)
	up := newUpstream(t)
	srv := startTether(t, up.url())

	resp, err := http.Get(srv.baseURL() + "/api/v1/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: status %d, want 200", resp.StatusCode)
	}

	// Writes need the API key.
	req, _ := http.NewRequest(http.MethodPut, srv.baseURL()+"/api/v1/tables/projects/records/p1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unauthenticated put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated put: status %d, want 401", resp.StatusCode)
	}
}

func TestTetherBinary_WriteFlushDrain(t *testing.T) {
	requireTether(t)
	up := newUpstream(t)
	srv := startTether(t, up.url())

	srv.putRecord(t, "projects", "p1", `{"name":"Alpha"}`)
	srv.putRecord(t, "bill_items", "b1", `{"amount":12}`)
	srv.flush(t)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(up.callLog()) == 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	calls := up.callLog()
	if len(calls) != 2 || calls[0] != "PUT projects/p1" || calls[1] != "PUT bill_items/b1" {
		t.Fatalf("upstream saw %v, want both records in order\nlog:\n%s", calls, srv.logTail(t))
	}

	st := srv.syncStatus(t)
	if st.QueueLen != 0 {
		t.Errorf("queue_len = %d, want 0", st.QueueLen)
	}
	if st.AppliedTotal != 2 {
		t.Errorf("applied_total = %d, want 2", st.AppliedTotal)
	}
}

func TestTetherBinary_QueueSurvivesRestart(t *testing.T) {
	requireTether(t)
	up := newUpstream(t)
	up.down.Store(true)

	dataDir := t.TempDir()
	srv := startTetherAt(t, dataDir, up.url())
	srv.putRecord(t, "projects", "p1", `{"name":"Alpha"}`)
	srv.putRecord(t, "projects", "p2", `{"name":"Beta"}`)
	srv.stop()

	db := srv.queueDB(t)
	if n := queueCount(t, db); n != 2 {
		t.Fatalf("queued mutations on disk = %d, want 2", n)
	}
	db.Close()

	// New process, same database, upstream healthy again: the probe flips
	// online and the backlog drains with no operator involvement.
	up.down.Store(false)
	restarted := startTetherAt(t, dataDir, up.url())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if restarted.syncStatus(t).QueueLen == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	calls := up.callLog()
	if len(calls) != 2 || calls[0] != "PUT projects/p1" || calls[1] != "PUT projects/p2" {
		t.Fatalf("upstream saw %v, want the pre-restart backlog in order\nlog:\n%s",
			calls, restarted.logTail(t))
	}
}

func TestTetherBinary_GracefulShutdown(t *testing.T) {
	requireTether(t)
	up := newUpstream(t)
	srv := startTether(t, up.url())

	if err := srv.stopAndWait(t, 10*time.Second); err != nil {
		t.Fatalf("shutdown not clean: %v\nlog:\n%s", err, srv.logTail(t))
	}
}
