package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pders01/quill/internal/config"
)

func TestVersionCommand(t *testing.T) {
	// Capture stdout
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	outC := make(chan string)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		outC <- buf.String()
	}()

	versionCmd.Run(nil, nil)

	w.Close()
	os.Stdout = old
	out := <-outC

	// Version is "dev" by default in tests
	if !strings.Contains(out, "quill dev") {
		t.Errorf("Expected version output to contain 'quill dev', got: %s", out)
	}
	if !strings.Contains(out, "Offline-first blog client") {
		t.Errorf("Expected version output to contain 'Offline-first blog client', got: %s", out)
	}
	if !strings.Contains(out, "github.com/pders01/quill") {
		t.Errorf("Expected version output to contain 'github.com/pders01/quill', got: %s", out)
	}
}

func TestGenerateConfigCommand(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, ".config", "quill", "config.toml")

	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpDir)
	defer os.Setenv("HOME", oldHome)

	// Capture stdout
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	outC := make(chan string)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		outC <- buf.String()
	}()

	configGenCmd.Run(nil, nil)

	w.Close()
	os.Stdout = old
	out := <-outC

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Errorf("Config file was not created at %s", configFile)
	}
	if !strings.Contains(out, "Generated default configuration at:") {
		t.Errorf("Expected output to contain 'Generated default configuration at:', got: %s", out)
	}
}

const testFeed = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>quill</title>
<item>
  <title>Working offline</title>
  <link>https://quill.blog/blogs/101</link>
  <description>Queue now, sync later</description>
  <category>Go</category>
</item>
</channel></rss>`

func newBackend(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"user":         map[string]string{"id": "u1", "email": "ana@example.org"},
			"accessToken":  map[string]any{"token": "at-1", "expiry": "2099-01-01T00:00:00Z"},
			"refreshToken": map[string]any{"token": "rt-1"},
		})
	})
	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /blogs/101/like", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") == "" {
			t.Error("missing Idempotency-Key")
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /feed.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		io.WriteString(w, testFeed)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func writeTestConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.TestConfig()
	cfg.Database.Path = filepath.Join(dir, "data", "quill.db")
	cfg.Database.KeyFile = filepath.Join(dir, "data", "store.key")
	cfg.API.BaseURL = baseURL
	cfg.Cache.Persist = true
	cfg.Cache.SearchIndex = true

	path := filepath.Join(dir, "config.toml")
	if err := config.Save(cfg, path); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	loginEmail, loginPassword = "", ""
	enqueueOffline, readAll, unreadOnly, verbose = false, false, false, false
	searchLimit = 20

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("quill %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestCommandsEndToEnd(t *testing.T) {
	server := newBackend(t)
	cfgPath := writeTestConfig(t, server.URL)

	steps := []struct {
		args []string
		want string
	}{
		{[]string{"login", "--email", "ana@example.org", "--password", "pw"}, "Logged in as ana@example.org"},
		{[]string{"status"}, "authenticated"},
		{[]string{"enqueue", "--offline", "like_blog", "blog:101"}, "Queued"},
		{[]string{"queue", "list"}, "like_blog"},
		{[]string{"sync"}, "Synced: 1 sent"},
		{[]string{"queue", "list"}, "Offline queue is empty"},
		{[]string{"cache", "warm"}, "Cached 1 blogs and 1 categories"},
		{[]string{"cache", "search", "offline"}, "Working offline"},
		{[]string{"cache", "read", "blog", "101"}, `"title": "Working offline"`},
		{[]string{"notifications", "push", `{"title":"New follower","body":"Ben follows you","data":{"id":"n1"}}`}, "Stored n1"},
		{[]string{"notifications", "push", `{"title":"New follower","body":"Ben follows you","data":{"id":"n1"}}`}, "Ignored n1"},
		{[]string{"notifications", "list", "--unread"}, "New follower"},
		{[]string{"notifications", "read", "n1"}, "0 unread"},
		{[]string{"cache", "purge"}, "Dropped 2 cache entries"},
		{[]string{"logout"}, "Logged out"},
		{[]string{"status"}, "anonymous"},
	}

	for _, step := range steps {
		args := append([]string{"--config", cfgPath}, step.args...)
		out := runCLI(t, args...)
		if !strings.Contains(out, step.want) {
			t.Errorf("quill %s: expected output to contain %q, got: %s", strings.Join(step.args, " "), step.want, out)
		}
	}
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	cfgPath := writeTestConfig(t, newBackend(t).URL)

	rootCmd.SetOut(io.Discard)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs([]string{"--config", cfgPath, "enqueue", "--offline", "launch_rocket", "blog:1"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("Expected an error for an unknown action kind")
	}
}
