package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/tether/internal/dispatch"
)

// --- Write → Flush → Drain ---

func TestSyncFlow_WriteDrainsToUpstream(t *testing.T) {
	up := newUpstream(t)
	n := startNode(t, filepath.Join(t.TempDir(), "tether.db"), up.url(), dispatch.Options{})

	seq1 := n.putRecord(t, "projects", "p1", `{"name":"Alpha"}`)
	seq2 := n.putRecord(t, "bill_items", "b1", `{"amount":12,"project":"p1"}`)
	if seq2 <= seq1 {
		t.Fatalf("sequences not monotonic: %d then %d", seq1, seq2)
	}

	n.flush(t)
	waitDrained(t, n, 3*time.Second)

	calls := up.callLog()
	if len(calls) != 2 {
		t.Fatalf("upstream calls = %d, want 2: %v", len(calls), calls)
	}
	if calls[0] != "PUT projects/p1" || calls[1] != "PUT bill_items/b1" {
		t.Errorf("upstream saw %v, want enqueue order preserved", calls)
	}

	payload, ok := up.record("projects", "p1")
	if !ok {
		t.Fatal("upstream never materialized projects/p1")
	}
	var doc struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("upstream payload not JSON: %v", err)
	}
	if doc.Name != "Alpha" {
		t.Errorf("upstream payload name = %q, want Alpha", doc.Name)
	}
}

func TestSyncFlow_LocalReadBeforeDrain(t *testing.T) {
	up := newUpstream(t)
	up.down.Store(true) // nothing can sync
	n := startNode(t, filepath.Join(t.TempDir(), "tether.db"), up.url(), dispatch.Options{})

	n.putRecord(t, "projects", "p1", `{"name":"Alpha"}`)

	// Reads are served locally, so the write is visible immediately even
	// though the upstream has never seen it.
	code, body := n.getRecord(t, "projects", "p1")
	if code != http.StatusOK {
		t.Fatalf("get: status %d: %s", code, body)
	}
	var rec struct {
		TableName string          `json:"table_name"`
		EntityID  string          `json:"entity_id"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.TableName != "projects" || rec.EntityID != "p1" {
		t.Errorf("record key = %s/%s, want projects/p1", rec.TableName, rec.EntityID)
	}
	if !strings.Contains(string(rec.Payload), "Alpha") {
		t.Errorf("payload = %s, want the written document", rec.Payload)
	}

	if _, ok := up.record("projects", "p1"); ok {
		t.Error("upstream received the record during an outage")
	}
}

func TestSyncFlow_DeletePropagates(t *testing.T) {
	up := newUpstream(t)
	n := startNode(t, filepath.Join(t.TempDir(), "tether.db"), up.url(), dispatch.Options{})

	n.putRecord(t, "projects", "p1", `{"name":"Alpha"}`)
	n.flush(t)
	waitDrained(t, n, 3*time.Second)
	if _, ok := up.record("projects", "p1"); !ok {
		t.Fatal("upstream missing projects/p1 after first drain")
	}

	n.deleteRecord(t, "projects", "p1")
	n.flush(t)
	waitDrained(t, n, 3*time.Second)

	if _, ok := up.record("projects", "p1"); ok {
		t.Error("upstream still has projects/p1 after delete drained")
	}
	if code, _ := n.getRecord(t, "projects", "p1"); code != http.StatusNotFound {
		t.Errorf("local get after delete: status %d, want 404", code)
	}
}

func TestSyncFlow_DeleteTolerates404(t *testing.T) {
	up := newUpstream(t)
	n := startNode(t, filepath.Join(t.TempDir(), "tether.db"), up.url(), dispatch.Options{})

	n.putRecord(t, "projects", "p1", `{"name":"Alpha"}`)
	n.flush(t)
	waitDrained(t, n, 3*time.Second)

	// The upstream loses the record out-of-band; the queued delete will get
	// a 404 back, which is the state the mutation wanted anyway.
	up.drop("projects", "p1")

	n.deleteRecord(t, "projects", "p1")
	n.flush(t)
	waitDrained(t, n, 3*time.Second)

	if dl := n.deadLetterList(t); len(dl) != 0 {
		t.Errorf("dead letters = %d, want 0; a 404 delete is not a failure", len(dl))
	}
	st := n.syncStatus(t)
	if st.AppliedTotal != 2 {
		t.Errorf("applied_total = %d, want 2", st.AppliedTotal)
	}
}

// --- Offline Queueing ---

func TestSyncFlow_OutageHoldsQueueUntilConnectivity(t *testing.T) {
	up := newUpstream(t)
	up.down.Store(true)
	n := startNode(t, filepath.Join(t.TempDir(), "tether.db"), up.url(), dispatch.Options{})

	n.putRecord(t, "projects", "p1", `{"name":"Alpha"}`)
	n.putRecord(t, "projects", "p2", `{"name":"Beta"}`)

	entries := n.queueEntries(t)
	if len(entries) != 2 {
		t.Fatalf("queue entries = %d, want 2", len(entries))
	}
	for i, e := range entries {
		if e.Attempts != 0 {
			t.Errorf("entry %d attempts = %d, want 0 before any drain", i, e.Attempts)
		}
	}
	if entries[0].EntityID != "p1" || entries[1].EntityID != "p2" {
		t.Errorf("queue order = %s, %s; want p1, p2", entries[0].EntityID, entries[1].EntityID)
	}

	// Recovery: the next probe flips the monitor online and that transition
	// alone must drain the queue, with no flush involved.
	up.down.Store(false)
	waitDrained(t, n, 3*time.Second)

	calls := up.callLog()
	if len(calls) != 2 || calls[0] != "PUT projects/p1" || calls[1] != "PUT projects/p2" {
		t.Errorf("upstream saw %v, want both records in order", calls)
	}
}

func TestSyncFlow_RestartPreservesQueue(t *testing.T) {
	up := newUpstream(t)
	up.down.Store(true)
	dbPath := filepath.Join(t.TempDir(), "tether.db")

	first := startNode(t, dbPath, up.url(), dispatch.Options{})
	first.putRecord(t, "projects", "p1", `{"name":"Alpha"}`)
	seq2 := first.putRecord(t, "bill_items", "b1", `{"amount":12}`)
	first.stop()

	// Same database, fresh process; the queue must come back intact and
	// drain as soon as the probe finds the upstream healthy again.
	up.down.Store(false)
	second := startNode(t, dbPath, up.url(), dispatch.Options{})

	waitDrained(t, second, 3*time.Second)

	st := second.syncStatus(t)
	if st.AppliedTotal != 2 {
		t.Errorf("applied_total = %d, want 2", st.AppliedTotal)
	}
	if st.LastAppliedSeq != seq2 {
		t.Errorf("last_applied_seq = %d, want %d", st.LastAppliedSeq, seq2)
	}

	calls := up.callLog()
	if len(calls) != 2 || calls[0] != "PUT projects/p1" || calls[1] != "PUT bill_items/b1" {
		t.Errorf("upstream saw %v, want the pre-restart queue in order", calls)
	}
}

// --- Status ---

func TestSyncFlow_StatusReflectsDrain(t *testing.T) {
	up := newUpstream(t)
	n := startNode(t, filepath.Join(t.TempDir(), "tether.db"), up.url(), dispatch.Options{})

	n.putRecord(t, "projects", "p1", `{"name":"Alpha"}`)
	n.putRecord(t, "projects", "p2", `{"name":"Beta"}`)
	n.putRecord(t, "projects", "p3", `{"name":"Gamma"}`)
	n.flush(t)

	waitFor(t, 3*time.Second, func() bool {
		return n.syncStatus(t).AppliedTotal == 3
	}, "status never reported three applied mutations")

	st := n.syncStatus(t)
	if !st.Online {
		t.Error("online = false with a healthy upstream")
	}
	if st.QueueLen != 0 {
		t.Errorf("queue_len = %d, want 0", st.QueueLen)
	}
	if st.LastAppliedSeq != 3 {
		t.Errorf("last_applied_seq = %d, want 3", st.LastAppliedSeq)
	}
	if st.LastDrainAt == nil {
		t.Error("last_drain_at missing after a successful drain")
	}
	if st.LastError != "" {
		t.Errorf("last_error = %q, want empty", st.LastError)
	}
}

// --- API Surface ---

func TestSyncFlow_HealthNeedsNoAuth(t *testing.T) {
	up := newUpstream(t)
	n := startNode(t, filepath.Join(t.TempDir(), "tether.db"), up.url(), dispatch.Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	n.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("health: status %d", w.Code)
	}
	var resp struct {
		Status   string `json:"status"`
		QueueLen int64  `json:"queue_len"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
}

func TestSyncFlow_WritesRequireAuth(t *testing.T) {
	up := newUpstream(t)
	n := startNode(t, filepath.Join(t.TempDir(), "tether.db"), up.url(), dispatch.Options{})

	req := httptest.NewRequest(http.MethodPut, "/api/v1/tables/projects/records/p1",
		strings.NewReader(`{"name":"Alpha"}`))
	w := httptest.NewRecorder()
	n.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated put: status %d, want 401", w.Code)
	}
	if len(n.queueEntries(t)) != 0 {
		t.Error("unauthenticated write reached the queue")
	}
}

func TestSyncFlow_InvalidWriteRejectedLocally(t *testing.T) {
	up := newUpstream(t)
	n := startNode(t, filepath.Join(t.TempDir(), "tether.db"), up.url(), dispatch.Options{})

	w := n.request(t, http.MethodPut, "/api/v1/tables/projects/records/p1", []byte(`{"name":`))
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("malformed payload: status %d, want 422", w.Code)
	}

	w = n.request(t, http.MethodPut, "/api/v1/tables/9lives/records/p1", []byte(`{}`))
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad table name: status %d, want 422", w.Code)
	}

	if len(n.queueEntries(t)) != 0 {
		t.Error("rejected writes reached the queue")
	}
}
