package cli

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/stork-queue/internal/cell"
	"github.com/ChuLiYu/stork-queue/internal/command"
	"github.com/ChuLiYu/stork-queue/internal/server"
	"github.com/ChuLiYu/stork-queue/pkg/ad"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// recorder answers every request with {"ok": true, "command": ...} except
// "rm", which fails
type recorder struct {
	mu   sync.Mutex
	last ad.Ad
	all  []ad.Ad
}

func (r *recorder) Submit(_ context.Context, a ad.Ad) *cell.Cell[ad.Ad] {
	r.mu.Lock()
	r.last = a.Clone()
	r.all = append(r.all, r.last)
	r.mu.Unlock()

	c := cell.New[ad.Ad]()
	if a.Get("command") == "rm" {
		c.Fail(command.Errorf(command.KindNotFound, "no jobs were removed"))
		return c
	}
	c.Resolve(ad.Of("ok", true, "command", a.Get("command")))
	return c
}

func (r *recorder) lastAd() ad.Ad {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// startRecorder serves a recorder over gRPC on a loopback port
func startRecorder(t *testing.T) (*recorder, string) {
	t.Helper()
	rec := &recorder{}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	server.New(rec, nil).RegisterGRPC(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return rec, lis.Addr().String()
}

// execute runs the CLI with args and returns its output
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// ============================================================================
// Command tree
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "stork", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "submit", "q", "status", "rm", "resume", "ls", "delete", "info", "user", "cred"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.Equal(t, "c", configFlag.Shorthand)
}

// ============================================================================
// Config
// ============================================================================

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stork.yaml")
	content := `
scheduler:
  max_jobs: 4
  workers: 2
  state_file: /var/lib/stork/state
  request_queue_size: 100
  overload_policy: reject

server:
  grpc_addr: ":7000"
  http_addr: ""

metrics:
  enabled: false

log:
  development: true
  verbosity: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := loadConfig(path, false)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Scheduler.MaxJobs)
	assert.Equal(t, 2, cfg.Scheduler.Workers)
	assert.Equal(t, "/var/lib/stork/state", cfg.Scheduler.StateFile)
	assert.Equal(t, 100, cfg.Scheduler.RequestQueueSize)
	assert.Equal(t, types.OverloadReject, cfg.Scheduler.OverloadPolicy)
	assert.Equal(t, 120, cfg.Scheduler.StateSaveInterval, "unset fields keep their defaults")
	assert.Equal(t, ":7000", cfg.Server.GRPCAddr)
	assert.Empty(t, cfg.Server.HTTPAddr)
	assert.False(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, 4, cfg.Log.Verbosity)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml", false)
	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	cfg, err = loadConfig("/nonexistent/config.yaml", true)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.yaml")
	invalid := `
scheduler:
  max_jobs: "not a number"
  invalid yaml structure
    broken indentation
`
	require.NoError(t, os.WriteFile(path, []byte(invalid), 0o644))

	cfg, err := loadConfig(path, false)
	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    map[string]string
		wantErr bool
	}{
		{"none", nil, nil, false},
		{"pairs", []string{"mode=fast", "streams=4"}, map[string]string{"mode": "fast", "streams": "4"}, false},
		{"empty value", []string{"verify="}, map[string]string{"verify": ""}, false},
		{"value with equals", []string{"q=a=b"}, map[string]string{"q": "a=b"}, false},
		{"no equals", []string{"mode"}, nil, true},
		{"no key", []string{"=x"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOptions(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadJobFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "jobs.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
- src: file:///data/a
  dest: file:///backup/a
- src: file:///data/b
  dest: file:///backup/b
  max_attempts: 5
  options:
    mode: fast
`), 0o644))

	jobs, err := readJobFile(good)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, ad.Of("src", "file:///data/a", "dest", "file:///backup/a"), jobs[0].ad())
	second := jobs[1].ad()
	assert.Equal(t, 5, second.GetInt("max_attempts", 0))
	assert.Equal(t, "fast", second.GetAd("options").Get("mode"))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("- src: file:///data/a\n"), 0o644))
	_, err = readJobFile(bad)
	assert.ErrorContains(t, err, "src and dest are required")
}

// ============================================================================
// Client commands
// ============================================================================

func TestClientCommands(t *testing.T) {
	rec, addr := startRecorder(t)
	t.Setenv("STORK_EMAIL", "")
	t.Setenv("STORK_PASSWORD", "")
	login := []string{"--addr", addr, "--email", "alice@example.org", "--password", "pw"}

	tests := []struct {
		name string
		args []string
		want ad.Ad
	}{
		{
			name: "submit",
			args: []string{"submit", "/data/a", "/backup/a", "--option", "mode=fast", "--max-attempts", "2"},
			want: ad.Of("command", "submit", "src", "/data/a", "dest", "/backup/a",
				"max_attempts", float64(2), "options", ad.Of("mode", "fast")),
		},
		{
			name: "query",
			args: []string{"q", "1-5", "--status", "queued,done", "--count"},
			want: ad.Of("command", "q", "range", "1-5", "status", "queued,done", "count", true),
		},
		{
			name: "status",
			args: []string{"status", "--reverse", "--limit", "3"},
			want: ad.Of("command", "status", "reverse", true, "limit", float64(3)),
		},
		{
			name: "resume",
			args: []string{"resume", "7", "--cred", "tok-2"},
			want: ad.Of("command", "resume", "range", "7", "cred", "tok-2"),
		},
		{
			name: "ls",
			args: []string{"ls", "ftp://host/dir/", "--force-refresh"},
			want: ad.Of("command", "ls", "uri", "ftp://host/dir/", "force_refresh", true),
		},
		{
			name: "delete",
			args: []string{"delete", "/tmp/x", "--timeout", "9"},
			want: ad.Of("command", "delete", "uri", "/tmp/x", "timeout", float64(9)),
		},
		{
			name: "info",
			args: []string{"info", "--type", "server"},
			want: ad.Of("command", "info", "type", "server"),
		},
		{
			name: "register",
			args: []string{"user", "register", "--name", "Alice"},
			want: ad.Of("command", "user", "action", "register", "name", "Alice"),
		},
		{
			name: "cred rm",
			args: []string{"cred", "rm", "tok-1"},
			want: ad.Of("command", "cred", "action", "rm", "token", "tok-1"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append(login, tt.args...)...)
			require.NoError(t, err)
			assert.Contains(t, out, "ok: true")

			got := rec.lastAd()
			assert.Equal(t, "alice@example.org", got.Get("email"))
			assert.Equal(t, "pw", got.Get("password"))
			delete(got, "email")
			delete(got, "password")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClientCommands_JSONOutputAndErrors(t *testing.T) {
	rec, addr := startRecorder(t)

	out, err := execute(t, "--addr", addr, "-o", "json", "info")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok": true, "command": "info"}`, out)

	_, err = execute(t, "--addr", addr, "rm", "1-3")
	require.Error(t, err)
	assert.Equal(t, command.KindNotFound, command.KindOf(err))
	assert.Equal(t, "no jobs were removed", err.Error())

	_, err = execute(t, "--addr", addr, "submit", "/only-src")
	assert.Error(t, err, "submit needs SRC and DEST")
	assert.Equal(t, "rm", rec.lastAd().Get("command"), "invalid invocations send nothing")
}

func TestSubmitFromFile(t *testing.T) {
	rec, addr := startRecorder(t)
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- {src: /a, dest: /b}
- {src: /c, dest: /d, cred: tok}
`), 0o644))

	_, err := execute(t, "--addr", addr, "submit", "-f", path)
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.all, 2)
	assert.Equal(t, "/a", rec.all[0].Get("src"))
	assert.Equal(t, "tok", rec.all[1].Get("cred"))
}

// ============================================================================
// Server
// ============================================================================

func TestRunServer_StartsAndStops(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Scheduler.StateFile = filepath.Join(dir, "stork.state")
	cfg.Scheduler.Libexec = filepath.Join(dir, "libexec")
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Server.HTTPAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServer(ctx, cfg) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.FileExists(t, cfg.Scheduler.StateFile, "a final snapshot is written on shutdown")
}
