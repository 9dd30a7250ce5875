package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hyperengineering/waypoint/internal/analytics"
	"github.com/hyperengineering/waypoint/internal/types"
)

// executeCmd runs the root command against an isolated database with captured output.
func executeCmd(t *testing.T, dbPath, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	// No config file; only env and flags apply.
	t.Setenv("WAYPOINT_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	// Cobra parses into package-level variables, so stale values from
	// previous tests would leak if not reset.
	dbPathOverride = ""
	jsonOutput = false
	evictTTL = 0
	enqueuePayload = ""
	analyticsWindow = analytics.DefaultWindow
	recordSnapshot = types.AnalyticsSnapshot{}
	backupDest = ""
	backupUpload = false

	fullArgs := append(append([]string{}, args...), "--db", dbPath)

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(fullArgs)

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetIn(nil)
	rootCmd.SetArgs(nil)

	return outBuf.String(), errBuf.String(), err
}

func testDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "waypoint.db")
}

// --- Cache ---

func TestCache_PutGet(t *testing.T) {
	db := testDB(t)

	stdout, _, err := executeCmd(t, db, `{"agents":[{"id":1,"name":"Ana"}]}`, "cache", "put", "agents")
	if err != nil {
		t.Fatalf("cache put: %v", err)
	}
	if !strings.Contains(stdout, "Cached agents") {
		t.Errorf("stdout = %q, want confirmation", stdout)
	}

	stdout, _, err = executeCmd(t, db, "", "cache", "get", "agents")
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("cache get output is not JSON: %v\n%s", err, stdout)
	}
	if _, ok := got["agents"]; !ok {
		t.Errorf("payload = %v, want agents key", got)
	}
}

func TestCache_PutFromFile(t *testing.T) {
	db := testDB(t)
	file := filepath.Join(t.TempDir(), "alerts.json")
	if err := os.WriteFile(file, []byte(`[{"id":3}]`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := executeCmd(t, db, "", "cache", "put", "alerts", file); err != nil {
		t.Fatalf("cache put file: %v", err)
	}
	stdout, _, err := executeCmd(t, db, "", "cache", "get", "alerts")
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if !strings.Contains(stdout, `"id": 3`) {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestCache_Errors(t *testing.T) {
	db := testDB(t)

	if _, _, err := executeCmd(t, db, "", "cache", "get", "tenants"); err == nil {
		t.Error("unknown entity type accepted")
	}
	if _, _, err := executeCmd(t, db, "", "cache", "get", "payments"); err == nil || !strings.Contains(err.Error(), "no cached payments") {
		t.Errorf("cache miss error = %v", err)
	}
	if _, _, err := executeCmd(t, db, `{"broken":`, "cache", "put", "payments"); err == nil {
		t.Error("invalid JSON payload accepted")
	}
}

func TestCache_EvictJSON(t *testing.T) {
	db := testDB(t)
	if _, _, err := executeCmd(t, db, `{}`, "cache", "put", "hardware"); err != nil {
		t.Fatal(err)
	}

	stdout, _, err := executeCmd(t, db, "", "cache", "evict", "--ttl", "1h", "--json")
	if err != nil {
		t.Fatalf("cache evict: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["removed"] != float64(0) || resp["ttl"] != "1h0m0s" {
		t.Errorf("evict = %v", resp)
	}
}

// --- Outbox ---

func TestOutbox_EnqueueListRemove(t *testing.T) {
	db := testDB(t)

	stdout, _, err := executeCmd(t, db, "", "outbox", "enqueue", "verify_property", "property", "42",
		"--payload", `{"verified":true}`, "--json")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var queued types.PendingAction
	if err := json.Unmarshal([]byte(stdout), &queued); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if queued.EntityID != 42 || queued.Action != types.ActionVerifyProperty {
		t.Errorf("queued = %+v", queued)
	}

	stdout, _, err = executeCmd(t, db, "", "outbox", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(stdout, queued.ID) || !strings.Contains(stdout, "property/42") {
		t.Errorf("list output = %q", stdout)
	}

	if _, _, err := executeCmd(t, db, "", "outbox", "remove", queued.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	stdout, _, err = executeCmd(t, db, "", "outbox", "list", "--json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var resp types.OutboxResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 0 {
		t.Errorf("count = %d, want 0", resp.Count)
	}
}

func TestOutbox_EnqueueValidation(t *testing.T) {
	db := testDB(t)

	tests := [][]string{
		{"outbox", "enqueue", "delete_property", "property", "1"},
		{"outbox", "enqueue", "resolve_alert", "alert", "zero"},
		{"outbox", "enqueue", "resolve_alert", "alert", "0"},
		{"outbox", "enqueue", "resolve_alert", "alert", "1", "--payload", "{"},
		{"outbox", "remove", "not-a-ulid"},
	}
	for _, args := range tests {
		if _, _, err := executeCmd(t, db, "", args...); err == nil {
			t.Errorf("%v accepted, want error", args)
		}
	}
}

func TestOutbox_FlushWithoutRemote(t *testing.T) {
	db := testDB(t)
	_, _, err := executeCmd(t, db, "", "outbox", "flush")
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Errorf("flush error = %v, want not configured", err)
	}
}

func TestOutbox_FlushReplaysAgainstRemote(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			mu.Lock()
			paths = append(paths, r.URL.Path)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	db := testDB(t)
	if _, _, err := executeCmd(t, db, "", "outbox", "enqueue", "acknowledge_alert", "alert", "7"); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WAYPOINT_REMOTE_URL", srv.URL)
	stdout, _, err := executeCmd(t, db, "", "outbox", "flush")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !strings.Contains(stdout, "Replayed 1 of 1") {
		t.Errorf("stdout = %q", stdout)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 || paths[0] != "/acknowledge_alert" {
		t.Errorf("remote paths = %v", paths)
	}
}

// --- Analytics ---

func TestAnalytics_RecordList(t *testing.T) {
	db := testDB(t)

	if _, _, err := executeCmd(t, db, "", "analytics", "record",
		"--agents", "5", "--properties", "30", "--alerts", "2", "--volume", "1999.5"); err != nil {
		t.Fatalf("record: %v", err)
	}

	stdout, _, err := executeCmd(t, db, "", "analytics", "list", "--json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var resp types.AnalyticsResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Snapshots) != 1 || resp.Snapshots[0].PaymentVolume != 1999.5 {
		t.Errorf("snapshots = %+v", resp.Snapshots)
	}

	if _, _, err := executeCmd(t, db, "", "analytics", "record", "--alerts", "-1"); err == nil {
		t.Error("negative alert count accepted")
	}
}

// --- Backup and stats ---

func TestBackup_WritesCopy(t *testing.T) {
	db := testDB(t)
	dest := filepath.Join(t.TempDir(), "copy", "backup.db")

	if _, _, err := executeCmd(t, db, "", "outbox", "enqueue", "resolve_alert", "alert", "1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := executeCmd(t, db, "", "backup", "--dest", dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	stdout, _, err := executeCmd(t, dest, "", "outbox", "list", "--json")
	if err != nil {
		t.Fatalf("list from backup: %v", err)
	}
	if !strings.Contains(stdout, `"count": 1`) {
		t.Errorf("backup does not hold the queued action: %s", stdout)
	}
}

func TestBackup_UploadRequiresBucket(t *testing.T) {
	db := testDB(t)
	_, _, err := executeCmd(t, db, "", "backup", "--upload")
	if err == nil || !strings.Contains(err.Error(), "bucket") {
		t.Errorf("error = %v, want bucket not configured", err)
	}
}

func TestStats_JSON(t *testing.T) {
	db := testDB(t)
	if _, _, err := executeCmd(t, db, `[]`, "cache", "put", "campaigns"); err != nil {
		t.Fatal(err)
	}

	stdout, _, err := executeCmd(t, db, "", "stats", "--json")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats map[string]any
	if err := json.Unmarshal([]byte(stdout), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["cached_rows"] != float64(1) {
		t.Errorf("cached_rows = %v, want 1", stats["cached_rows"])
	}
	if stats["path"] != db {
		t.Errorf("path = %v, want %s", stats["path"], db)
	}
}
