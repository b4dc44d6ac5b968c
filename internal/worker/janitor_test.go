package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/tether/internal/mutation"
	"github.com/hyperengineering/tether/internal/store"
)

// mockJanitorStore implements JanitorStore for testing.
type mockJanitorStore struct {
	mu       sync.Mutex
	calls    int
	cutoffs  []time.Time
	purgeErr error
	purged   int64
}

func (m *mockJanitorStore) PurgeDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.cutoffs = append(m.cutoffs, cutoff)
	if m.purgeErr != nil {
		return 0, m.purgeErr
	}
	return m.purged, nil
}

func (m *mockJanitorStore) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockJanitorStore) lastCutoff() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cutoffs) == 0 {
		return time.Time{}
	}
	return m.cutoffs[len(m.cutoffs)-1]
}

// waitForPurgeCalls waits until n purge operations have occurred.
func (m *mockJanitorStore) waitForPurgeCalls(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if m.getCalls() >= n {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(5 * time.Millisecond):
			// Poll again
		}
	}
}

// --- Tests ---

func TestJanitor_SweepsOnInterval(t *testing.T) {
	ms := &mockJanitorStore{purged: 2}
	retention := 30 * 24 * time.Hour

	janitor := NewJanitor(ms, 20*time.Millisecond, retention)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		janitor.Run(ctx)
		close(done)
	}()

	if !ms.waitForPurgeCalls(1, 2*time.Second) {
		t.Fatal("Timed out waiting for first sweep")
	}
	cancel()
	<-done

	// Cutoff should sit retention behind the sweep time
	wantCutoff := time.Now().Add(-retention)
	got := ms.lastCutoff()
	if diff := got.Sub(wantCutoff); diff < -5*time.Second || diff > 5*time.Second {
		t.Errorf("cutoff = %v, want within 5s of %v", got, wantCutoff)
	}
}

func TestJanitor_DoesNotRunImmediately(t *testing.T) {
	ms := &mockJanitorStore{}

	janitor := NewJanitor(ms, 1*time.Hour, 30*24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		janitor.Run(ctx)
		close(done)
	}()

	// Wait briefly then cancel
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	// No sweep should happen before the first tick
	if calls := ms.getCalls(); calls != 0 {
		t.Errorf("Expected 0 purge calls (should not run immediately), got %d", calls)
	}
}

func TestJanitor_StopsOnCancel(t *testing.T) {
	ms := &mockJanitorStore{}

	janitor := NewJanitor(ms, 20*time.Millisecond, 30*24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())

	startTime := time.Now()
	done := make(chan struct{})
	go func() {
		janitor.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	duration := time.Since(startTime)
	if duration > 500*time.Millisecond {
		t.Errorf("Janitor did not respect context cancellation, took %v", duration)
	}
}

func TestJanitor_ContinuesOnError(t *testing.T) {
	ms := &mockJanitorStore{purgeErr: errors.New("disk full")}

	janitor := NewJanitor(ms, 20*time.Millisecond, 30*24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		janitor.Run(ctx)
		close(done)
	}()

	// The loop keeps sweeping despite the store failing every time
	if !ms.waitForPurgeCalls(3, 2*time.Second) {
		t.Fatal("Timed out waiting for sweeps to continue past errors")
	}
	cancel()
	<-done
}

func TestJanitor_DisabledWithoutRetention(t *testing.T) {
	ms := &mockJanitorStore{}

	janitor := NewJanitor(ms, 20*time.Millisecond, 0)

	done := make(chan struct{})
	go func() {
		janitor.Run(context.Background())
		close(done)
	}()

	// Run should return on its own without needing a cancel
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Janitor with zero retention should exit immediately")
	}
	if calls := ms.getCalls(); calls != 0 {
		t.Errorf("Expected 0 purge calls for disabled janitor, got %d", calls)
	}
}

// --- Integration Test ---
// Uses a real SQLiteStore.

func TestJanitor_EndToEnd(t *testing.T) {
	// Given: a dead letter older than the retention window
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer st.Close()

	ctx := context.Background()

	seq, err := st.Enqueue(ctx, &mutation.Entry{
		TableName: "projects",
		EntityID:  "p1",
		Operation: mutation.OperationInsert,
		Payload:   json.RawMessage(`{"name":"alpha"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := st.MoveToDeadLetter(ctx, seq, "schema mismatch"); err != nil {
		t.Fatalf("MoveToDeadLetter failed: %v", err)
	}

	// Let the row age past a very short retention
	time.Sleep(20 * time.Millisecond)

	// When: the janitor sweeps
	janitor := NewJanitor(st, 20*time.Millisecond, time.Millisecond)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		janitor.Run(runCtx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		count, err := st.DeadLetterCount(ctx)
		if err != nil {
			t.Fatalf("DeadLetterCount failed: %v", err)
		}
		if count == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	// Then: the expired dead letter is gone
	count, err := st.DeadLetterCount(ctx)
	if err != nil {
		t.Fatalf("DeadLetterCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected expired dead letter to be purged, %d remain", count)
	}
}
