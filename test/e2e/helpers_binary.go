//go:build e2e

package e2e

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// tetherServer manages a running tether server process.
type tetherServer struct {
	cmd     *exec.Cmd
	dataDir string
	address string
	apiKey  string
	dbPath  string
	logFile string
}

// startTether launches the tether binary against the given upstream and
// waits for it to become healthy. Tether is configured entirely via
// environment variables. The periodic drain is parked at one hour so tests
// decide when syncing happens; the probe runs every 100ms so connectivity
// recovery stays fast.
func startTether(t *testing.T, upstreamURL string) *tetherServer {
	t.Helper()
	requireTether(t)
	return startTetherAt(t, t.TempDir(), upstreamURL)
}

// startTetherAt launches the binary on an existing data directory, so
// restart tests can reuse the database of a stopped instance.
func startTetherAt(t *testing.T, dataDir, upstreamURL string) *tetherServer {
	t.Helper()

	apiKey := "e2e-test-api-key"
	port := freePort(t)
	address := fmt.Sprintf("127.0.0.1:%d", port)
	dbPath := fmt.Sprintf("%s/tether.db", dataDir)
	logFile := fmt.Sprintf("%s/tether-%d.log", dataDir, time.Now().UnixNano())

	cmd := exec.Command(tetherBin)
	cmd.Env = append(os.Environ(),
		"TETHER_PORT="+fmt.Sprintf("%d", port),
		"TETHER_DB_PATH="+dbPath,
		"TETHER_API_KEY="+apiKey,
		"TETHER_REMOTE_KIND=http",
		"TETHER_REMOTE_URL="+upstreamURL,
		"TETHER_CONFIG_PATH="+fmt.Sprintf("%s/nonexistent.yaml", dataDir), // skip YAML file
		"TETHER_SYNC_INTERVAL=1h",
		"TETHER_PROBE_INTERVAL=100ms",
	)

	lf, err := os.Create(logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start tether: %v", err)
	}

	s := &tetherServer{
		cmd:     cmd,
		dataDir: dataDir,
		address: address,
		apiKey:  apiKey,
		dbPath:  dbPath,
		logFile: logFile,
	}

	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("tether not healthy: %v\nlog:\n%s", err, s.logTail(t))
	}

	return s
}

// stop signals the process and waits for it to exit. Idempotent.
func (s *tetherServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
		s.cmd = nil
	}
}

// stopAndWait stops the server and reports whether shutdown was clean.
func (s *tetherServer) stopAndWait(t *testing.T, timeout time.Duration) error {
	t.Helper()
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("signal: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case err := <-done:
		s.cmd = nil
		return err
	case <-time.After(timeout):
		_ = s.cmd.Process.Kill()
		<-done
		s.cmd = nil
		return fmt.Errorf("shutdown did not finish within %s", timeout)
	}
}

func (s *tetherServer) baseURL() string {
	return fmt.Sprintf("http://%s", s.address)
}

func (s *tetherServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("%s/api/v1/health", s.baseURL())

	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("tether not healthy after %s", timeout)
}

func (s *tetherServer) logTail(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(s.logFile)
	if err != nil {
		return "(no log)"
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) > 20 {
		lines = lines[len(lines)-20:]
	}
	return strings.Join(lines, "\n")
}

// queueDB opens the server's database directly for queue inspection. Only
// safe once the process has stopped or for read-only checks.
func (s *tetherServer) queueDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		t.Fatalf("open tether DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func queueCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM mutation_queue").Scan(&count); err != nil {
		t.Fatalf("count mutation_queue: %v", err)
	}
	return count
}

// --- tetherServer HTTP drivers ---

func (s *tetherServer) do(t *testing.T, method, path string, body []byte) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, s.baseURL()+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func (s *tetherServer) putRecord(t *testing.T, table, id, payload string) {
	t.Helper()
	code, body := s.do(t, http.MethodPut, "/api/v1/tables/"+table+"/records/"+id, []byte(payload))
	if code != http.StatusOK {
		t.Fatalf("put %s/%s: status %d: %s", table, id, code, body)
	}
}

// flush requests a drain, retrying while another cycle holds the guard.
func (s *tetherServer) flush(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		code, body := s.do(t, http.MethodPost, "/api/v1/sync/flush", nil)
		if code != http.StatusAccepted {
			t.Fatalf("flush: status %d: %s", code, body)
		}
		var resp struct {
			Triggered bool `json:"triggered"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			t.Fatalf("decode flush response: %v", err)
		}
		if resp.Triggered {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("flush trigger never accepted")
}

// syncStatusView mirrors the sync status payload for black-box assertions.
type syncStatusView struct {
	State        string `json:"state"`
	Online       bool   `json:"online"`
	QueueLen     int64  `json:"queue_len"`
	DeadLetters  int64  `json:"dead_letters"`
	AppliedTotal int64  `json:"applied_total"`
	LastError    string `json:"last_error"`
}

func (s *tetherServer) syncStatus(t *testing.T) syncStatusView {
	t.Helper()
	code, body := s.do(t, http.MethodGet, "/api/v1/sync/status", nil)
	if code != http.StatusOK {
		t.Fatalf("sync status: status %d: %s", code, body)
	}
	var view syncStatusView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode sync status: %v", err)
	}
	return view
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
