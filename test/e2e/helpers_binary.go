//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const e2eAPIKey = "e2e-test-api-key"

// waypointServer manages a running waypoint serve process.
type waypointServer struct {
	cmd       *exec.Cmd
	dataDir   string
	address   string
	remoteURL string
	logFile   string
}

// startWaypoint launches the binary against dataDir and waits for it to become healthy.
// Configuration is passed entirely via environment variables.
func startWaypoint(t *testing.T, dataDir, remoteURL string) *waypointServer {
	t.Helper()

	if waypointBin == "" {
		t.Skip("waypoint binary not available (set WAYPOINT_BIN or add to PATH)")
	}

	port := freePort(t)
	s := &waypointServer{
		dataDir:   dataDir,
		address:   fmt.Sprintf("127.0.0.1:%d", port),
		remoteURL: remoteURL,
		logFile:   filepath.Join(dataDir, fmt.Sprintf("waypoint-%d.log", port)),
	}

	cmd := exec.Command(waypointBin, "serve")
	cmd.Env = append(os.Environ(),
		"WAYPOINT_PORT="+fmt.Sprintf("%d", port),
		"WAYPOINT_DB_PATH="+filepath.Join(dataDir, "waypoint.db"),
		"WAYPOINT_API_KEY="+e2eAPIKey,
		"WAYPOINT_REMOTE_URL="+remoteURL,
		"WAYPOINT_PROBE_INTERVAL=100ms",
		"WAYPOINT_CONFIG_PATH="+filepath.Join(dataDir, "nonexistent.yaml"), // skip YAML file
	)

	lf, err := os.Create(s.logFile)
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	cmd.Stdout = lf
	cmd.Stderr = lf

	if err := cmd.Start(); err != nil {
		lf.Close()
		t.Fatalf("start waypoint: %v", err)
	}
	s.cmd = cmd

	t.Cleanup(func() {
		s.stop()
		lf.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("waypoint not healthy: %v", err)
	}
	return s
}

func (s *waypointServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
}

// restartOnSameData stops the server and starts a new one on the same data directory.
func (s *waypointServer) restartOnSameData(t *testing.T) *waypointServer {
	t.Helper()
	s.stop()
	time.Sleep(200 * time.Millisecond) // allow port release
	return startWaypoint(t, s.dataDir, s.remoteURL)
}

func (s *waypointServer) baseURL() string {
	return fmt.Sprintf("http://%s/api/v1", s.address)
}

func (s *waypointServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(s.baseURL() + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("waypoint not healthy after %s", timeout)
}

// do sends an authenticated request and decodes a JSON response into out when non-nil.
func (s *waypointServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, s.baseURL()+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+e2eAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (s *waypointServer) pendingCount(t *testing.T) int {
	t.Helper()
	var resp struct {
		Count int `json:"count"`
	}
	s.do(t, http.MethodGet, "/outbox", nil, &resp)
	return resp.Count
}

func (s *waypointServer) logs(t *testing.T) string {
	t.Helper()
	data, _ := os.ReadFile(s.logFile)
	return string(data)
}

// fakeBackend stands in for the remote service. While down it answers every
// request, health included, with 503.
type fakeBackend struct {
	srv  *httptest.Server
	down atomic.Bool

	mu       sync.Mutex
	replayed []string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/health" {
			b.mu.Lock()
			b.replayed = append(b.replayed, r.URL.Path)
			b.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) paths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.replayed...)
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

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, what)
}
