package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/tether/internal/api"
	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/connectivity"
	"github.com/hyperengineering/tether/internal/dispatch"
	"github.com/hyperengineering/tether/internal/mutation"
	"github.com/hyperengineering/tether/internal/remote"
	"github.com/hyperengineering/tether/internal/store"
)

const nodeAPIKey = "e2e-test-api-key"

// --- Upstream Stand-In ---

// upstream imitates the authoritative remote API. Accepted mutations land in
// an in-memory record set so tests can assert what the remote ended up with.
// Failure modes are switchable mid-test: down answers 503 on every route
// (health included, so the monitor goes offline), reject answers 422 on
// record writes, and failKey answers 503 for one specific record.
type upstream struct {
	srv *httptest.Server

	down   atomic.Bool
	reject atomic.Bool

	mu        sync.Mutex
	failKey   string
	rejectKey string
	calls     []string
	records   map[string]json.RawMessage
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{records: make(map[string]json.RawMessage)}
	u.srv = httptest.NewServer(http.HandlerFunc(u.handle))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) handle(w http.ResponseWriter, r *http.Request) {
	if u.down.Load() {
		http.Error(w, "upstream outage", http.StatusServiceUnavailable)
		return
	}
	if r.URL.Path == "/api/v1/health" {
		w.WriteHeader(http.StatusOK)
		return
	}

	rest, ok := strings.CutPrefix(r.URL.Path, "/api/v1/tables/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	table, id, ok := strings.Cut(rest, "/records/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	key := table + "/" + id

	if u.reject.Load() {
		http.Error(w, "schema validation failed", http.StatusUnprocessableEntity)
		return
	}
	u.mu.Lock()
	failing := u.failKey == key
	rejecting := u.rejectKey == key
	u.mu.Unlock()
	if failing {
		http.Error(w, "shard unavailable", http.StatusServiceUnavailable)
		return
	}
	if rejecting {
		http.Error(w, "schema validation failed", http.StatusUnprocessableEntity)
		return
	}

	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		u.mu.Lock()
		u.records[key] = body
		u.calls = append(u.calls, "PUT "+key)
		u.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		u.mu.Lock()
		_, existed := u.records[key]
		delete(u.records, key)
		u.calls = append(u.calls, "DELETE "+key)
		u.mu.Unlock()
		if !existed {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (u *upstream) url() string { return u.srv.URL }

// failOn makes the upstream answer 503 for one record; empty clears it.
func (u *upstream) failOn(key string) {
	u.mu.Lock()
	u.failKey = key
	u.mu.Unlock()
}

// rejectOn makes the upstream answer 422 for one record; empty clears it.
func (u *upstream) rejectOn(key string) {
	u.mu.Lock()
	u.rejectKey = key
	u.mu.Unlock()
}

// callLog returns the ordered mutations the upstream accepted or bounced
// with 404. Refused calls (outage, reject, failKey) are not recorded.
func (u *upstream) callLog() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

func (u *upstream) record(table, id string) (json.RawMessage, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	payload, ok := u.records[table+"/"+id]
	return payload, ok
}

// drop removes a record behind the engine's back, as if another client had
// deleted it upstream.
func (u *upstream) drop(table, id string) {
	u.mu.Lock()
	delete(u.records, table+"/"+id)
	u.mu.Unlock()
}

// --- In-Process Node ---

// node is a complete in-process tether instance: SQLite store, HTTP remote
// adapter, connectivity monitor, dispatcher, and the local API router. Tests
// drive it the way a client application would, through the HTTP surface.
type node struct {
	db         *store.SQLiteStore
	dispatcher *dispatch.Dispatcher
	router     http.Handler

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// startNode brings up a node against the given upstream. The periodic drain
// is parked at one hour unless opts says otherwise, so tests control exactly
// when syncing happens via flush or connectivity transitions. The probe runs
// every 25ms to keep recovery tests fast.
func startNode(t *testing.T, dbPath, upstreamURL string, opts dispatch.Options) *node {
	t.Helper()

	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := db.EnsureSourceID(context.Background()); err != nil {
		db.Close()
		t.Fatalf("ensure source id: %v", err)
	}

	adapter, err := remote.New(config.RemoteConfig{
		Kind: config.RemoteKindHTTP,
		HTTP: config.HTTPRemoteConfig{BaseURL: upstreamURL},
	})
	if err != nil {
		db.Close()
		t.Fatalf("create remote adapter: %v", err)
	}

	if opts.Interval == 0 {
		opts.Interval = time.Hour
	}
	monitor := connectivity.NewMonitor(adapter, 25*time.Millisecond, time.Second)
	dispatcher := dispatch.New(db, adapter, monitor, nil, opts)
	handler := api.NewHandler(db, dispatcher, nodeAPIKey, "e2e")

	ctx, cancel := context.WithCancel(context.Background())
	n := &node{
		db:         db,
		dispatcher: dispatcher,
		router:     api.NewRouter(handler),
		cancel:     cancel,
	}
	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		monitor.Run(ctx)
	}()
	go func() {
		defer n.wg.Done()
		dispatcher.Run(ctx)
	}()

	t.Cleanup(n.stop)
	return n
}

// stop shuts the workers down and closes the store. Safe to call twice so
// restart tests can stop explicitly before the cleanup runs.
func (n *node) stop() {
	if n.stopped {
		return
	}
	n.stopped = true
	n.cancel()
	n.wg.Wait()
	n.db.Close()
}

// --- HTTP Drivers ---

func (n *node) request(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer "+nodeAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	n.router.ServeHTTP(w, req)
	return w
}

func (n *node) putRecord(t *testing.T, table, id, payload string) int64 {
	t.Helper()
	w := n.request(t, http.MethodPut, "/api/v1/tables/"+table+"/records/"+id, []byte(payload))
	if w.Code != http.StatusOK {
		t.Fatalf("put %s/%s: status %d: %s", table, id, w.Code, w.Body.String())
	}
	var resp struct {
		Sequence int64 `json:"sequence"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode put response: %v", err)
	}
	return resp.Sequence
}

func (n *node) deleteRecord(t *testing.T, table, id string) int64 {
	t.Helper()
	w := n.request(t, http.MethodDelete, "/api/v1/tables/"+table+"/records/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete %s/%s: status %d: %s", table, id, w.Code, w.Body.String())
	}
	var resp struct {
		Sequence int64 `json:"sequence"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode delete response: %v", err)
	}
	return resp.Sequence
}

// getRecord returns the response status and raw body; callers assert 404s
// as easily as hits.
func (n *node) getRecord(t *testing.T, table, id string) (int, []byte) {
	t.Helper()
	w := n.request(t, http.MethodGet, "/api/v1/tables/"+table+"/records/"+id, nil)
	return w.Code, w.Body.Bytes()
}

// flush requests a drain through the API. triggered=false means another
// cycle held the single-flight guard; a cycle that started before our
// writes would not cover them, so retry until the trigger is accepted.
func (n *node) flush(t *testing.T) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		w := n.request(t, http.MethodPost, "/api/v1/sync/flush", nil)
		if w.Code != http.StatusAccepted {
			t.Fatalf("flush: status %d: %s", w.Code, w.Body.String())
		}
		var resp struct {
			Triggered bool `json:"triggered"`
		}
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode flush response: %v", err)
		}
		return resp.Triggered
	}, "flush trigger never accepted")
}

func (n *node) syncStatus(t *testing.T) dispatch.Status {
	t.Helper()
	w := n.request(t, http.MethodGet, "/api/v1/sync/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sync status: status %d: %s", w.Code, w.Body.String())
	}
	var status dispatch.Status
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("decode sync status: %v", err)
	}
	return status
}

func (n *node) queueEntries(t *testing.T) []mutation.Entry {
	t.Helper()
	w := n.request(t, http.MethodGet, "/api/v1/sync/queue", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list queue: status %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Entries []mutation.Entry `json:"entries"`
		Total   int64            `json:"total"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode queue listing: %v", err)
	}
	return resp.Entries
}

func (n *node) deadLetterList(t *testing.T) []mutation.DeadLetter {
	t.Helper()
	w := n.request(t, http.MethodGet, "/api/v1/sync/dead-letters", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list dead letters: status %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		DeadLetters []mutation.DeadLetter `json:"dead_letters"`
		Total       int64                 `json:"total"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode dead letter listing: %v", err)
	}
	return resp.DeadLetters
}

func (n *node) requeueDeadLetter(t *testing.T, id string) int64 {
	t.Helper()
	w := n.request(t, http.MethodPost, "/api/v1/sync/dead-letters/"+id+"/requeue", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("requeue %s: status %d: %s", id, w.Code, w.Body.String())
	}
	var resp struct {
		Sequence int64 `json:"sequence"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode requeue response: %v", err)
	}
	return resp.Sequence
}

// --- Polling ---

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// waitDrained polls until the queue is empty.
func waitDrained(t *testing.T, n *node, timeout time.Duration) {
	t.Helper()
	waitFor(t, timeout, func() bool {
		return len(n.queueEntries(t)) == 0
	}, "queue did not drain")
}
