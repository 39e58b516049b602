package module

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/stork-queue/internal/cred"
	"github.com/ChuLiYu/stork-queue/pkg/ad"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const fakeModule = `#!/bin/sh
case "$1" in
-i) echo '{"name":"Fake","handle":"fake","protocols":"fake, FK"}'; exit 0;;
-l) exit 64;;
-s) printf '{"name":"%s","size":3}' "$2"; exit 0;;
esac
if [ "$STORK_CRED_USER" = "bad" ]; then echo "denied" >&2; exit 1; fi
if [ "$STORK_OPT_MODE" = "temp" ]; then exit 75; fi
exit 0
`

// writeExecutable writes a shell script module into dir
func writeExecutable(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell modules need a POSIX shell")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// ============================================================================
// URI parsing
// ============================================================================

func TestParseURI(t *testing.T) {
	tests := []struct {
		in   string
		want Resource
	}{
		{"ftp://Example.org/a/b", Resource{Scheme: "ftp", Host: "example.org", Path: "/a/b"}},
		{"FTP://example.org/a/./c/../b/", Resource{Scheme: "ftp", Host: "example.org", Path: "/a/b/"}},
		{"file:///tmp//x", Resource{Scheme: "file", Path: "/tmp/x"}},
		{"gsiftp://host", Resource{Scheme: "gsiftp", Host: "host", Path: "/"}},
		{"ftp://alice:pw@H/x", Resource{Scheme: "ftp", User: "alice:pw", Host: "h", Path: "/x"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseURI(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseURI("   ")
	assert.ErrorIs(t, err, ErrBadURI)
	_, err = ParseURI("://nope")
	assert.ErrorIs(t, err, ErrBadURI)

	bare, err := ParseURI("relative/dir/")
	require.NoError(t, err)
	assert.Equal(t, "file", bare.Scheme)
	assert.True(t, filepath.IsAbs(filepath.FromSlash(bare.Path)))
	assert.Equal(t, "/", bare.Path[len(bare.Path)-1:])
}

func TestResource_IsComparableKey(t *testing.T) {
	a, _ := ParseURI("ftp://h/x/../y")
	b, _ := ParseURI("ftp://H/y")
	seen := map[Resource]int{a: 1}
	assert.Equal(t, 1, seen[b])
	assert.Equal(t, "ftp://h/y", a.String())

	alice, _ := ParseURI("ftp://alice@h/y")
	bob, _ := ParseURI("ftp://bob@h/y")
	assert.NotEqual(t, alice, bob)
	assert.NotEqual(t, a, alice)
	assert.Equal(t, "ftp://h/y", alice.String())
}

// ============================================================================
// Negotiation
// ============================================================================

func TestNegotiate_LearnsUnsupported(t *testing.T) {
	n := NewNegotiator()
	calls := map[string]int{}
	cands := []Candidate[string]{
		{Name: "fast", Run: func(context.Context) (string, error) {
			calls["fast"]++
			return "", ErrNotSupported
		}},
		{Name: "slow", Run: func(context.Context) (string, error) {
			calls["slow"]++
			return "ok", nil
		}},
	}

	v, used, err := Negotiate(context.Background(), n, cands...)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, "slow", used)
	assert.Equal(t, Unsupported, n.Known("fast"))
	assert.Equal(t, Supported, n.Known("slow"))
	assert.Equal(t, SupportUnknown, n.Known("other"))

	_, _, err = Negotiate(context.Background(), n, cands...)
	require.NoError(t, err)
	assert.Equal(t, 1, calls["fast"], "unsupported candidate is not probed again")
	assert.Equal(t, 2, calls["slow"])
}

func TestNegotiate_StopsOnRealError(t *testing.T) {
	boom := errors.New("connection reset")
	n := NewNegotiator()
	_, used, err := Negotiate(context.Background(), n,
		Candidate[int]{Name: "a", Run: func(context.Context) (int, error) { return 0, boom }},
		Candidate[int]{Name: "b", Run: func(context.Context) (int, error) { return 1, nil }},
	)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "a", used)
	assert.Equal(t, SupportUnknown, n.Known("a"))

	_, _, err = Negotiate(context.Background(), n,
		Candidate[int]{Name: "c", Run: func(context.Context) (int, error) { return 0, ErrNotSupported }},
	)
	assert.ErrorIs(t, err, ErrNotSupported)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = Negotiate(ctx, NewNegotiator(),
		Candidate[int]{Name: "d", Run: func(context.Context) (int, error) { return 1, nil }},
	)
	assert.ErrorIs(t, err, context.Canceled)
}

// ============================================================================
// Local module
// ============================================================================

func newLocalJob(src, dest string) *types.Job {
	return &types.Job{ID: 1, Module: "file", Src: "file://" + filepath.ToSlash(src), Dest: "file://" + filepath.ToSlash(dest), MaxAttempts: 2}
}

func TestLocal_ChunkedCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dest := filepath.Join(dir, "out", "dest.bin")
	writeFile(t, src, "0123456789")

	l := NewLocal(4)
	job := newLocalJob(src, dest)

	var steps []types.JobStatus
	for i := 0; i < 5; i++ {
		st := l.Step(context.Background(), job)
		steps = append(steps, st)
		if st != types.StatusScheduled {
			break
		}
	}
	assert.Equal(t, []types.JobStatus{types.StatusScheduled, types.StatusScheduled, types.StatusDone}, steps)
	assert.Equal(t, types.Progress{Done: 10, Total: 10}, job.Progress)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))
}

func TestLocal_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "empty")
	writeFile(t, src, "")

	job := newLocalJob(src, filepath.Join(dir, "copy"))
	assert.Equal(t, types.StatusDone, NewLocal(4).Step(context.Background(), job))
	assert.FileExists(t, filepath.Join(dir, "copy"))
}

func TestLocal_HoldPausesOnce(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a")
	writeFile(t, src, "abc")

	job := newLocalJob(src, filepath.Join(dir, "b"))
	job.Options = map[string]string{"hold": "true"}

	l := NewLocal(0)
	assert.Equal(t, types.StatusPaused, l.Step(context.Background(), job))
	assert.NotContains(t, job.Options, "hold")
	assert.Equal(t, types.StatusDone, l.Step(context.Background(), job))
}

func TestLocal_Errors(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(0)

	missing := newLocalJob(filepath.Join(dir, "nope"), filepath.Join(dir, "x"))
	assert.Equal(t, types.StatusFailed, l.Step(context.Background(), missing))
	assert.Contains(t, missing.Message, "source")

	wrong := &types.Job{Src: "ftp://h/a", Dest: "file:///tmp/b"}
	assert.Equal(t, types.StatusFailed, l.Step(context.Background(), wrong))
	assert.Contains(t, wrong.Message, "not file")

	// Destination under a regular file cannot be created; retried then failed.
	src := filepath.Join(dir, "src")
	blocker := filepath.Join(dir, "blocker")
	writeFile(t, src, "data")
	writeFile(t, blocker, "")
	job := newLocalJob(src, filepath.Join(blocker, "dest"))
	assert.Equal(t, types.StatusScheduled, l.Step(context.Background(), job))
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, types.StatusFailed, l.Step(context.Background(), job))
	assert.Equal(t, 2, job.Attempts)
}

func TestLocal_CancelledStepIsNotCounted(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	writeFile(t, src, "0123456789")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job := newLocalJob(src, filepath.Join(dir, "dest"))
	assert.Equal(t, types.StatusScheduled, NewLocal(4).Step(ctx, job))
	assert.Zero(t, job.Attempts)
	assert.Equal(t, "interrupted", job.Message)
}

func TestLocal_DirectoryCopyStatAndDelete(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tree")
	writeFile(t, filepath.Join(src, "b.txt"), "bb")
	writeFile(t, filepath.Join(src, "a.txt"), "a")
	writeFile(t, filepath.Join(src, "sub", "c.txt"), "ccc")

	l := NewLocal(0)
	dest := filepath.Join(dir, "copy")
	job := newLocalJob(src, dest)
	require.Equal(t, types.StatusDone, l.Step(context.Background(), job))
	assert.FileExists(t, filepath.Join(dest, "sub", "c.txt"))

	listing, err := l.Stat(context.Background(), "file://"+filepath.ToSlash(dest)+"/")
	require.NoError(t, err)
	assert.True(t, listing.GetBool("dir"))
	files := listing["files"].([]any)
	require.Len(t, files, 3)
	names := []string{}
	for _, f := range files {
		names = append(names, f.(ad.Ad).Get("name"))
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "sub"}, names)

	single, err := l.Stat(context.Background(), filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, 1, single.GetInt("size", -1))

	require.NoError(t, l.Delete(context.Background(), "file://"+filepath.ToSlash(dest)))
	assert.NoDirExists(t, dest)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Delete(ctx, "file://"+filepath.ToSlash(src)), context.Canceled)
	assert.DirExists(t, src)
}

func TestLocal_CancelRemovesPartialDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dest := filepath.Join(dir, "dest")
	writeFile(t, src, "0123456789")

	l := NewLocal(4)
	job := newLocalJob(src, dest)
	require.Equal(t, types.StatusScheduled, l.Step(context.Background(), job))
	assert.FileExists(t, dest)

	l.Cancel(job)
	assert.NoFileExists(t, dest)
}

// ============================================================================
// External modules and the table
// ============================================================================

func TestLoadExternal(t *testing.T) {
	path := writeExecutable(t, t.TempDir(), "fake", fakeModule)

	ext, err := LoadExternal(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "fake", ext.Handle())
	assert.Equal(t, []string{"fake", "fk"}, ext.Schemes())
	assert.Equal(t, "Fake", ext.Describe().Get("name"))

	bad := writeExecutable(t, t.TempDir(), "broken", "#!/bin/sh\necho not-json\n")
	_, err = LoadExternal(context.Background(), bad)
	assert.Error(t, err)
}

func TestExternal_Step(t *testing.T) {
	ext, err := LoadExternal(context.Background(), writeExecutable(t, t.TempDir(), "fake", fakeModule))
	require.NoError(t, err)

	job := &types.Job{ID: 7, Src: "fake://h/a", Dest: "fake://h/b", MaxAttempts: 1}
	assert.Equal(t, types.StatusDone, ext.Step(context.Background(), job))

	temp := &types.Job{ID: 8, Options: map[string]string{"mode": "temp"}, MaxAttempts: 1}
	assert.Equal(t, types.StatusScheduled, ext.Step(context.Background(), temp))
	assert.Zero(t, temp.Attempts, "temporary failures are not counted")

	denied := &types.Job{ID: 9, MaxAttempts: 1}
	ctx := cred.WithCredential(context.Background(), cred.Credential{Type: "userinfo", Username: "bad"})
	assert.Equal(t, types.StatusFailed, ext.Step(ctx, denied))
	assert.Equal(t, "denied", denied.Message)
}

func TestExternal_StatFallsBack(t *testing.T) {
	ext, err := LoadExternal(context.Background(), writeExecutable(t, t.TempDir(), "fake", fakeModule))
	require.NoError(t, err)

	res, err := ext.Stat(context.Background(), "fake://h/x")
	require.NoError(t, err)
	assert.Equal(t, "fake://h/x", res.Get("name"))
	assert.Equal(t, Unsupported, ext.neg.Known("list"))
	assert.Equal(t, Supported, ext.neg.Known("stat"))
}

func TestTable(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, dir, "fake", fakeModule)
	writeExecutable(t, dir, "shadow", `#!/bin/sh
echo '{"handle":"file","protocols":"file"}'
`)
	writeFile(t, filepath.Join(dir, "README"), "not executable")

	tbl := NewTable()
	require.NoError(t, tbl.Register(NewLocal(0)))
	assert.ErrorIs(t, tbl.Register(NewLocal(0)), ErrDuplicateModule)

	n, err := tbl.LoadDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, tbl.Len())

	m, _, err := tbl.ForURI("FK://host/path")
	require.NoError(t, err)
	assert.Equal(t, "fake", m.Handle())

	m, res, err := tbl.ForURI("/some/path")
	require.NoError(t, err)
	assert.Equal(t, "file", m.Handle(), "built-in is not shadowed")
	assert.Equal(t, "/some/path", res.Path)

	_, _, err = tbl.ForURI("sftp://h/x")
	assert.ErrorIs(t, err, ErrUnknownModule)
	_, err = tbl.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownModule)

	var handles []string
	for _, m := range tbl.List() {
		handles = append(handles, m.Handle())
	}
	assert.Equal(t, []string{"fake", "file"}, handles)

	// Removing the program drops the module on the next load.
	require.NoError(t, os.Remove(filepath.Join(dir, "fake")))
	n, err = tbl.LoadDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = tbl.ForScheme("fake")
	assert.ErrorIs(t, err, ErrUnknownModule)

	n, err = tbl.LoadDir(context.Background(), filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTable_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	tbl := NewTable()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tbl.Watch(ctx, dir))

	writeExecutable(t, dir, "fake", fakeModule)

	require.Eventually(t, func() bool {
		_, err := tbl.Lookup("fake")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}
