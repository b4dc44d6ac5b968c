package e2e

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/tether/internal/dispatch"
)

// --- Transient Outage ---

func TestResilience_OutageQueuesUntilRecovery(t *testing.T) {
	up := newUpstream(t)
	n := startNode(t, filepath.Join(t.TempDir(), "tether.db"), up.url(), dispatch.Options{})

	// Let the node come up healthy, then take the upstream away.
	waitFor(t, 2*time.Second, func() bool {
		return n.syncStatus(t).Online
	}, "node never came online")
	up.down.Store(true)

	n.putRecord(t, "projects", "p1", `{"name":"Alpha"}`)
	n.flush(t)

	// The drain attempts delivery, gets a 503, and parks the entry with the
	// failure recorded. Nothing is lost and nothing is dead-lettered.
	waitFor(t, 2*time.Second, func() bool {
		entries := n.queueEntries(t)
		return len(entries) == 1 && entries[0].Attempts >= 1
	}, "failed attempt was never recorded on the entry")

	entries := n.queueEntries(t)
	if !strings.Contains(entries[0].LastError, "503") {
		t.Errorf("entry last_error = %q, want the 503 in it", entries[0].LastError)
	}
	if dl := n.deadLetterList(t); len(dl) != 0 {
		t.Errorf("dead letters = %d, want 0 for a transient failure", len(dl))
	}

	waitFor(t, 2*time.Second, func() bool {
		return !n.syncStatus(t).Online
	}, "monitor never noticed the outage")

	st := n.syncStatus(t)
	if st.State != "backoff" {
		t.Errorf("state = %q, want backoff after a transient failure", st.State)
	}
	if st.NextRetryAt == nil {
		t.Error("next_retry_at missing while backing off")
	}
	if !strings.Contains(st.LastError, "503") {
		t.Errorf("status last_error = %q, want the 503 in it", st.LastError)
	}

	// Recovery. The offline-to-online transition drains without any flush,
	// and the backoff hold does not apply to it.
	up.down.Store(false)
	waitDrained(t, n, 3*time.Second)

	if _, ok := up.record("projects", "p1"); !ok {
		t.Error("upstream missing the record after recovery")
	}
}

func TestResilience_TransientFailureStopsCycleInOrder(t *testing.T) {
	up := newUpstream(t)
	n := startNode(t, filepath.Join(t.TempDir(), "tether.db"), up.url(), dispatch.Options{})

	up.failOn("projects/b")
	n.putRecord(t, "projects", "a", `{"n":1}`)
	n.putRecord(t, "projects", "b", `{"n":2}`)
	n.putRecord(t, "projects", "c", `{"n":3}`)

	n.flush(t)

	// a applies, b fails transiently and ends the cycle, c must not be
	// attempted ahead of b.
	waitFor(t, 2*time.Second, func() bool {
		entries := n.queueEntries(t)
		return len(entries) == 2 && entries[0].Attempts == 1
	}, "cycle did not stop at the failing entry")

	entries := n.queueEntries(t)
	if entries[0].EntityID != "b" || entries[1].EntityID != "c" {
		t.Fatalf("queue = [%s, %s], want [b, c]", entries[0].EntityID, entries[1].EntityID)
	}
	if entries[1].Attempts != 0 {
		t.Errorf("entry c attempts = %d, want 0; it must wait behind b", entries[1].Attempts)
	}
	if calls := up.callLog(); len(calls) != 1 || calls[0] != "PUT projects/a" {
		t.Errorf("upstream saw %v, want only the first record", calls)
	}

	// Once b goes through, the remainder follows in order.
	up.failOn("")
	n.flush(t)
	waitDrained(t, n, 3*time.Second)

	calls := up.callLog()
	want := []string{"PUT projects/a", "PUT projects/b", "PUT projects/c"}
	if len(calls) != len(want) {
		t.Fatalf("upstream calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
}

// --- Permanent Rejection ---

func TestResilience_PermanentRejectionExhaustsBudget(t *testing.T) {
	up := newUpstream(t)
	n := startNode(t, filepath.Join(t.TempDir(), "tether.db"), up.url(),
		dispatch.Options{MaxAttempts: 2})

	n.putRecord(t, "projects", "p1", `{"name":"Alpha"}`)
	up.reject.Store(true)

	// First rejection burns one attempt but stays under budget: the entry
	// remains queued for another try.
	n.flush(t)
	waitFor(t, 2*time.Second, func() bool {
		entries := n.queueEntries(t)
		return len(entries) == 1 && entries[0].Attempts == 1
	}, "first rejection was not recorded")
	if dl := n.deadLetterList(t); len(dl) != 0 {
		t.Fatalf("dead letters = %d after one attempt, want 0", len(dl))
	}

	// Second rejection exhausts the budget and parks the entry.
	n.flush(t)
	waitFor(t, 2*time.Second, func() bool {
		return len(n.deadLetterList(t)) == 1
	}, "entry was never dead-lettered")

	if entries := n.queueEntries(t); len(entries) != 0 {
		t.Errorf("queue entries = %d, want 0 after dead-lettering", len(entries))
	}
	dl := n.deadLetterList(t)[0]
	if dl.TableName != "projects" || dl.EntityID != "p1" {
		t.Errorf("dead letter key = %s/%s, want projects/p1", dl.TableName, dl.EntityID)
	}
	if dl.Attempts != 2 {
		t.Errorf("dead letter attempts = %d, want 2", dl.Attempts)
	}
	if !strings.Contains(dl.LastError, "422") {
		t.Errorf("dead letter last_error = %q, want the 422 in it", dl.LastError)
	}
	if st := n.syncStatus(t); st.DeadLetterTotal != 1 {
		t.Errorf("dead_lettered_total = %d, want 1", st.DeadLetterTotal)
	}
}

func TestResilience_DeadLetterDoesNotBlockQueue(t *testing.T) {
	up := newUpstream(t)
	n := startNode(t, filepath.Join(t.TempDir(), "tether.db"), up.url(),
		dispatch.Options{MaxAttempts: 1})

	// One poison record between two good ones. With a single-attempt budget
	// the poison entry dead-letters immediately and the drain moves on, so
	// the good records behind it are not held hostage.
	up.rejectOn("projects/poison")
	n.putRecord(t, "projects", "good1", `{"n":1}`)
	n.putRecord(t, "projects", "poison", `{"n":2}`)
	n.putRecord(t, "projects", "good2", `{"n":3}`)

	n.flush(t)
	waitDrained(t, n, 3*time.Second)

	calls := up.callLog()
	if len(calls) != 2 || calls[0] != "PUT projects/good1" || calls[1] != "PUT projects/good2" {
		t.Errorf("upstream saw %v, want both good records in order", calls)
	}
	letters := n.deadLetterList(t)
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].EntityID != "poison" {
		t.Errorf("dead letter = %s, want poison", letters[0].EntityID)
	}
}

func TestResilience_RequeuedDeadLetterDelivers(t *testing.T) {
	up := newUpstream(t)
	n := startNode(t, filepath.Join(t.TempDir(), "tether.db"), up.url(),
		dispatch.Options{MaxAttempts: 1})

	up.rejectOn("projects/p1")
	n.putRecord(t, "projects", "p1", `{"name":"Alpha"}`)
	n.flush(t)
	waitFor(t, 2*time.Second, func() bool {
		return len(n.deadLetterList(t)) == 1
	}, "entry was never dead-lettered")

	// The rejection gets fixed upstream; an operator requeues the entry and
	// it rides the normal drain path out.
	up.rejectOn("")
	dl := n.deadLetterList(t)[0]
	seq := n.requeueDeadLetter(t, dl.ID)
	if seq <= dl.Sequence {
		t.Errorf("requeued sequence = %d, want later than original %d", seq, dl.Sequence)
	}

	n.flush(t)
	waitDrained(t, n, 3*time.Second)

	if _, ok := up.record("projects", "p1"); !ok {
		t.Error("upstream missing the record after requeue")
	}
	if letters := n.deadLetterList(t); len(letters) != 0 {
		t.Errorf("dead letters = %d, want 0 after requeue", len(letters))
	}
	if entries := n.queueEntries(t); len(entries) != 0 {
		t.Errorf("queue entries = %d, want 0 after requeue drained", len(entries))
	}
}

// --- Restart During Failure ---

func TestResilience_AttemptCountsSurviveRestart(t *testing.T) {
	up := newUpstream(t)
	dbPath := filepath.Join(t.TempDir(), "tether.db")
	n := startNode(t, dbPath, up.url(), dispatch.Options{MaxAttempts: 5})

	waitFor(t, 2*time.Second, func() bool {
		return n.syncStatus(t).Online
	}, "node never came online")
	up.down.Store(true)

	n.putRecord(t, "projects", "p1", `{"name":"Alpha"}`)
	n.flush(t)
	waitFor(t, 2*time.Second, func() bool {
		entries := n.queueEntries(t)
		return len(entries) == 1 && entries[0].Attempts == 1
	}, "failed attempt was never recorded")
	n.stop()

	// The attempt history is part of the durable queue; a restart must not
	// grant the entry a fresh budget.
	restarted := startNode(t, dbPath, up.url(), dispatch.Options{MaxAttempts: 5})
	entries := restarted.queueEntries(t)
	if len(entries) != 1 {
		t.Fatalf("queue entries after restart = %d, want 1", len(entries))
	}
	if entries[0].Attempts != 1 {
		t.Errorf("attempts after restart = %d, want 1", entries[0].Attempts)
	}
	if !strings.Contains(entries[0].LastError, "503") {
		t.Errorf("last_error lost across restart: %q", entries[0].LastError)
	}

	up.down.Store(false)
	waitDrained(t, restarted, 3*time.Second)
	if _, ok := up.record("projects", "p1"); !ok {
		t.Error("upstream missing the record after recovery")
	}
}
